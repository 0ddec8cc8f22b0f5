package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"flowsync/internal/config"
	"flowsync/internal/events"
	"flowsync/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// SyncServiceName is the health service name reported for the sync engine.
const SyncServiceName = "flowsync.v1.Sync"

// HealthSource exposes the latest sampled health report.
type HealthSource interface {
	LastHealth() *models.HealthReport
}

// GRPCServer serves grpc.health.v1 backed by the coordinator's health sweeps.
type GRPCServer struct {
	cfg      *config.APIConfig
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	log      zerolog.Logger
}

func NewGRPCServer(cfg *config.APIConfig, source HealthSource, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	auth := NewAuthInterceptor(cfg)
	unary := ChainUnaryInterceptors(
		RecoveryUnaryInterceptor(logger),
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	)

	serverOpts := []grpc.ServerOption{grpc.UnaryInterceptor(unary)}
	if cfg.GRPC.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg.GRPC.TLS)
		if err != nil {
			_ = lis.Close()
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	grpcServer := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	s := &GRPCServer{
		cfg:      cfg,
		server:   grpcServer,
		health:   hs,
		listener: lis,
		log:      componentLogger(logger),
	}

	var last models.HealthStatus
	if source != nil {
		if r := source.LastHealth(); r != nil {
			last = r.Status
		}
	}
	s.SetHealth(last)
	return s, nil
}

// servingStatus maps a sweep status onto the grpc health enum.
// Degraded still serves; nothing sampled yet is UNKNOWN.
func servingStatus(st models.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch st {
	case models.HealthHealthy, models.HealthDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case models.HealthUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// SetHealth publishes st for both the overall and the sync service.
func (s *GRPCServer) SetHealth(st models.HealthStatus) {
	serving := servingStatus(st)
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(SyncServiceName, serving)
}

// Watch keeps the served status in step with health sweeps published on bus.
func (s *GRPCServer) Watch(bus *events.EventBus) {
	bus.Subscribe(events.EventHealthChecked, func(e *events.Event) error {
		var p events.HealthPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		s.SetHealth(models.HealthStatus(p.Status))
		return nil
	})
}

// buildTLSConfig loads the server keypair. With a client CA configured,
// client certificates are verified when presented, and required when
// RequireClientCert is set.
func buildTLSConfig(cfg config.APITLSConfig) (*tls.Config, error) {
	switch {
	case cfg.CertFile == "" || cfg.KeyFile == "":
		return nil, errors.New("grpc tls: cert_file and key_file are required")
	case cfg.RequireClientCert && cfg.ClientCAFile == "":
		return nil, errors.New("grpc tls: require_client_cert needs client_ca_file")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("grpc tls keypair: %w", err)
	}
	out := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if cfg.ClientCAFile == "" {
		return out, nil
	}

	pem, err := os.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("grpc tls client ca: %w", err)
	}
	out.ClientCAs = x509.NewCertPool()
	if !out.ClientCAs.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("grpc tls client ca %s: no certificates found", cfg.ClientCAFile)
	}
	out.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.server.Serve(s.listener)
}

// Shutdown flips every service to NOT_SERVING, then drains in-flight calls
// until ctx expires and stops hard after that.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.server.GracefulStop()
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC drain timed out, forcing stop")
		s.server.Stop()
		<-drained
	}
}
