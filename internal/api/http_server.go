package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flowsync/internal/config"
	"flowsync/internal/database"
	"flowsync/internal/metrics"
	"flowsync/internal/models"

	"github.com/rs/zerolog"
)

// Coordinator is the multi-tenant surface the ops API drives.
type Coordinator interface {
	SyncAllTenants(ctx context.Context) (*models.MultiTenantSyncResult, error)
	SyncTenant(ctx context.Context, tenantID string, syncType models.SyncType) (*models.TenantOutcome, error)
	RunCleanup(ctx context.Context) (*models.CleanupReport, error)
	HealthCheck(ctx context.Context) (*models.HealthReport, error)
	LastHealth() *models.HealthReport
}

// StateReader is the read side of the store behind the status endpoints.
type StateReader interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetCheckpoint(ctx context.Context, tenantID string) (*models.SyncCheckpoint, error)
	ListRetries(ctx context.Context, tenantID string) ([]models.RetryEntry, error)
	PingContext(ctx context.Context) error
}

// HTTPServer exposes trigger and status endpoints next to the gRPC health service.
type HTTPServer struct {
	cfg    *config.APIConfig
	coord  Coordinator
	store  StateReader
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger

	// background runs started by trigger endpoints
	baseCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	syncing    atomic.Bool
	cleaning   atomic.Bool
	runTimeout time.Duration
}

func NewHTTPServer(cfg *config.APIConfig, coord Coordinator, store StateReader, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, coord: coord, store: store, runTimeout: 2 * time.Hour}
	if logger != nil {
		srv.logger = logger.With().Str("component", "http").Logger()
	} else {
		srv.logger = zerolog.Nop()
	}
	srv.baseCtx, srv.cancel = context.WithCancel(context.Background())
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSyncAll)
	mux.HandleFunc("POST /api/v1/tenants/{id}/sync", srv.handleSyncTenant)
	mux.HandleFunc("POST /api/v1/cleanup", srv.handleCleanup)
	mux.HandleFunc("GET /api/v1/health", srv.handleHealth)
	mux.HandleFunc("GET /api/v1/tenants/{id}/checkpoint", srv.handleCheckpoint)
	mux.HandleFunc("GET /api/v1/tenants/{id}/retries", srv.handleRetries)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels background runs and waits for them.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("background runs still in flight at shutdown")
	}
	return err
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func wantsWait(r *http.Request) bool {
	v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("wait")))
	return v == "1" || v == "true"
}

// background runs fn once at a time per guard. It reports false when a run
// started earlier is still in flight.
func (s *HTTPServer) background(guard *atomic.Bool, name string, fn func(ctx context.Context) error) bool {
	if !guard.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer guard.Store(false)
		ctx, cancel := context.WithTimeout(s.baseCtx, s.runTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("triggered run failed")
		}
	}()
	return true
}

func (s *HTTPServer) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_all")
	if wantsWait(r) {
		if !s.syncing.CompareAndSwap(false, true) {
			writeError(w, http.StatusConflict, "sync already in progress")
			return
		}
		defer s.syncing.Store(false)
		res, err := s.coord.SyncAllTenants(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	started := s.background(&s.syncing, "sync", func(ctx context.Context) error {
		_, err := s.coord.SyncAllTenants(ctx)
		return err
	})
	if !started {
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *HTTPServer) handleSyncTenant(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_tenant")
	tenantID := strings.TrimSpace(r.PathValue("id"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	syncType := models.SyncTypeIncremental
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		syncType = models.SyncType(strings.ToLower(raw))
	}
	if !syncType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown sync type %q", syncType))
		return
	}

	outcome, err := s.coord.SyncTenant(r.Context(), tenantID, syncType)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cleanup")
	if wantsWait(r) {
		if !s.cleaning.CompareAndSwap(false, true) {
			writeError(w, http.StatusConflict, "cleanup already in progress")
			return
		}
		defer s.cleaning.Store(false)
		report, err := s.coord.RunCleanup(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	started := s.background(&s.cleaning, "cleanup", func(ctx context.Context) error {
		_, err := s.coord.RunCleanup(ctx)
		return err
	})
	if !started {
		writeError(w, http.StatusConflict, "cleanup already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleHealth serves the last sampled report; ?refresh=true probes now.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("health")
	report := s.coord.LastHealth()
	refresh := strings.ToLower(r.URL.Query().Get("refresh"))
	if report == nil || refresh == "true" || refresh == "1" {
		var err error
		report, err = s.coord.HealthCheck(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	code := http.StatusOK
	if report.Status == models.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *HTTPServer) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("checkpoint")
	tenantID := r.PathValue("id")
	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	cp, err := s.store.GetCheckpoint(r.Context(), tenantID)
	if errors.Is(err, database.ErrNotFound) {
		// ни одного прогона ещё не было
		cp = &models.SyncCheckpoint{TenantID: tenantID}
	} else if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *HTTPServer) handleRetries(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("retries")
	tenantID := r.PathValue("id")
	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	entries, err := s.store.ListRetries(r.Context(), tenantID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []models.RetryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "count": len(entries), "retries": entries})
}

func (s *HTTPServer) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	s.logger.Error().Err(err).Msg("store read failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg), limiter: newRateLimiter(cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || !a.cfg.HTTP.Enabled || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			apiKey := strings.TrimSpace(r.Header.Get(a.keys.header))
			if _, err := a.keys.authorize(apiKey, requiredPermissionHTTP(r)); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if a.limiter.enabled() && !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

func requiredPermissionHTTP(r *http.Request) string {
	if r.Method == http.MethodPost {
		return permSyncWrite
	}
	return permStatusRead
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.header)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
