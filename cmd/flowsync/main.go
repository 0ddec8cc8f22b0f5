package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flowsync/internal/api"
	"flowsync/internal/database"
	"flowsync/internal/metrics"
	"flowsync/internal/models"
	"flowsync/internal/report"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	root := &cobra.Command{
		Use:          "flowsync",
		Short:        "Keeps a central store in sync with remote workflow engines",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to config.yaml")

	withApp := func(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return fn(ctx, a, cmd, args)
		}
	}

	root.AddCommand(
		newServeCmd(withApp),
		newSyncCmd(withApp),
		newRetriesCmd(withApp),
		newHealthCmd(withApp),
		newCleanupCmd(withApp),
		newExportCmd(withApp),
	)
	return root
}

type appRunner func(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error

func newServeCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, ops API and metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			return serve(ctx, a)
		}),
	}
}

func newSyncCmd(withApp appRunner) *cobra.Command {
	var tenantID, syncType string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every enabled tenant once, or a single tenant with --tenant",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if tenantID == "" {
				res, err := a.coord.SyncAllTenants(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			outcome, err := a.coord.SyncTenant(ctx, tenantID, models.SyncType(syncType))
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if outcome.Status == models.SyncStatusFailed {
				return fmt.Errorf("sync of %s failed: %s", tenantID, outcome.Error)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant id")
	cmd.Flags().StringVar(&syncType, "type", string(models.SyncTypeIncremental), "incremental|full|forced|recovery")
	return cmd
}

func newRetriesCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "retries",
		Short: "Re-attempt due retry queue entries of every enabled tenant",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			res, err := a.coord.ProcessAllRetries(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
}

func newHealthCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe a sample of tenants and classify overall health",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			rep, err := a.coord.HealthCheck(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.Status == models.HealthUnhealthy {
				return errors.New("tenants unhealthy")
			}
			return nil
		}),
	}
}

func newCleanupCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete executions and history older than the retention window",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			rep, err := a.coord.RunCleanup(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		}),
	}
}

func newExportCmd(withApp appRunner) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an XLSX triage report of a tenant's runs, errors and retries",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			exp := report.NewExporter(a.db, a.deadLetters, a.cfg.Exports.Path, &a.logger)
			path, err := exp.Export(ctx, tenantID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		}),
	}
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := &a.logger

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		goRun(func() { startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger) })
	}

	backup := database.NewBackupService(a.db, cfg.Backup, logger)
	goRun(func() { backup.Start(ctx) })

	var (
		grpcServer *api.GRPCServer
		httpServer *api.HTTPServer
	)
	if cfg.API.Enabled {
		if cfg.API.GRPC.Enabled {
			srv, err := api.NewGRPCServer(&cfg.API, a.coord, logger)
			if err != nil {
				return err
			}
			srv.Watch(a.bus)
			grpcServer = srv
			goRun(func() {
				if err := srv.Serve(); err != nil {
					logger.Error().Err(err).Msg("grpc server stopped")
				}
			})
		}
		if cfg.API.HTTP.Enabled {
			httpServer = api.NewHTTPServer(&cfg.API, a.coord, a.db, logger)
			goRun(func() {
				if err := httpServer.Start(); err != nil {
					logger.Error().Err(err).Msg("http server stopped")
				}
			})
		}
	}

	goRun(func() { a.coord.Start(ctx) })
	logger.Info().Bool("api", cfg.API.Enabled).Bool("metrics", cfg.Monitoring.PrometheusEnabled).Msg("flowsync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	wg.Wait()
	logger.Info().Msg("flowsync stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	if port == 0 {
		port = 9090
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
