package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/deployctl/deployctl/internal/assets"
	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/circuitbreaker"
	"github.com/deployctl/deployctl/internal/deploy"
	"github.com/deployctl/deployctl/internal/events"
	"github.com/deployctl/deployctl/internal/executor"
	"github.com/deployctl/deployctl/internal/health"
	"github.com/deployctl/deployctl/internal/httpapi"
	"github.com/deployctl/deployctl/internal/idempotency"
	"github.com/deployctl/deployctl/internal/jwt"
	"github.com/deployctl/deployctl/internal/logging"
	"github.com/deployctl/deployctl/internal/metrics"
	"github.com/deployctl/deployctl/internal/project"
	"github.com/deployctl/deployctl/internal/ratelimit"
	"github.com/deployctl/deployctl/internal/router"
	"github.com/deployctl/deployctl/internal/secrets"
	"github.com/deployctl/deployctl/internal/store"
	temporalpkg "github.com/deployctl/deployctl/internal/temporal"
	"github.com/deployctl/deployctl/internal/tracing"
	"github.com/deployctl/deployctl/internal/upload"
	"github.com/deployctl/deployctl/internal/watchdog"

	"go.temporal.io/sdk/client"
)

// serveRateRPS/Burst are the serving limiter's construction-time baseline.
// The router always calls AllowCustom, falling back to router.go's own
// defaultRateRPS/Burst (same values) when a project declares none, so this
// baseline does not itself govern project traffic.
const (
	serveRateRPS   = 20
	serveRateBurst = 40
)

// Server wires every component named in the control-plane and project-
// serving surfaces into one process: HTTP routing (chi for /__api, the
// project router for everything else), background workers (watchdog,
// Temporal), and the shared collaborators (blob store, event bus,
// circuit breaker, health tracker).
type Server struct {
	cfg Config

	r *chi.Mux

	logger *slog.Logger

	store    *store.SQLiteKV
	blobs    *blob.Store
	projects *project.Store
	secrets  *secrets.Vault
	signer   *jwt.Signer

	uploadEngine *upload.Engine
	deployer     *deploy.Finalizer
	serveRouter  *router.Router
	watchdog     *watchdog.Watchdog

	breaker *circuitbreaker.Breaker
	health  *health.Tracker

	eventBus *events.Bus
	metrics  *metrics.Registry

	controlLimiter *ratelimit.Limiter // per-IP, guards /__api
	serveLimiter   *ratelimit.Limiter // per-project, guards project serving

	idempotencyCache *idempotency.Cache
	adminTokens      *httpapi.AdminTokenHolder

	otelShutdown func(context.Context) error // nil when OTel disabled
	temporal     *temporalpkg.Manager        // nil when Temporal disabled

	stopHeartbeat chan struct{}

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

// NewServer assembles a Server from cfg: opens the blob store, builds
// the upload/deploy/project-serving pipeline on top of it, and mounts
// the control-plane HTTP surface.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	controlLimiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))
	serveLimiter := ratelimit.New(serveRateRPS, serveRateBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()

	blobs := blob.New(db, blob.WithReadObserver(func(_ time.Duration, hit bool) {
		if hit {
			m.BlobHitsTotal.WithLabelValues("get").Inc()
		} else {
			m.BlobMissesTotal.WithLabelValues("get").Inc()
		}
	}))
	projects := project.New(blobs)

	// The secrets vault, when enabled and unlocked, holds the JWT signing
	// key for the life of the process. Its contents are kept in memory
	// only, so a restart generates a new key.
	sv, err := secrets.New(cfg.SecretsEnabled)
	if err != nil {
		return nil, fmt.Errorf("secrets vault: %w", err)
	}
	jwtSecret, err := resolveJWTSecret(cfg, sv, logger)
	if err != nil {
		return nil, fmt.Errorf("resolve jwt secret: %w", err)
	}
	signer := jwt.New(jwtSecret)

	uploadEngine := upload.New(blobs, projects, signer)
	deployer := deploy.New(blobs, projects, signer)
	assetsPL := assets.New(blobs)

	ht := health.NewTracker(health.DefaultConfig(),
		health.WithEventBus(bus),
		health.WithOnUpdate(func(componentID string, state health.State) {
			var v float64
			switch state {
			case health.StateHealthy:
				v = 2
			case health.StateDegraded:
				v = 1
			default:
				v = 0
			}
			m.ComponentHealthState.WithLabelValues(componentID).Set(v)
		}),
	)

	cb := circuitbreaker.New(
		circuitbreaker.WithThreshold(3),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("executor circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			m.ExecutorCircuitState.Set(float64(to))
		}),
	)

	serveRouter := router.New(projects, blobs, assetsPL, executor.Unconfigured{}, serveLimiter).
		WithExecutorGuard(cb, ht)

	wd := watchdog.New(watchdog.Config{
		Interval: time.Duration(cfg.WatchdogIntervalSecs) * time.Second,
	}, projects, logger)

	idemCache := idempotency.New(5*time.Minute, 10000)

	adminTokens, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("admin token holder: %w", err)
	}

	s := &Server{
		cfg:              cfg,
		r:                r,
		logger:           logger,
		store:            db,
		blobs:            blobs,
		projects:         projects,
		secrets:          sv,
		signer:           signer,
		uploadEngine:     uploadEngine,
		deployer:         deployer,
		serveRouter:      serveRouter,
		watchdog:         wd,
		breaker:          cb,
		health:           ht,
		eventBus:         bus,
		metrics:          m,
		controlLimiter:   controlLimiter,
		serveLimiter:     serveLimiter,
		idempotencyCache: idemCache,
		adminTokens:      adminTokens,
		otelShutdown:     otelShutdown,
		stopHeartbeat:    make(chan struct{}),
	}

	// The watchdog sweep runs either as a local ticker or as a Temporal
	// continue-as-new workflow, never both (spec's async-deploy surface
	// reuses the same worker for phase-3 finalize when Temporal is up).
	if cfg.TemporalEnabled {
		acts := &temporalpkg.Activities{
			Watchdog: wd,
			Deploy:   deployer,
			EventBus: bus,
			Logger:   logger,
		}
		tmgr, err := temporalpkg.New(temporalpkg.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			logger.Error("failed to initialize temporal, falling back to local watchdog ticker", slog.String("error", err.Error()))
			wd.Start()
		} else if err := tmgr.Start(); err != nil {
			logger.Error("failed to start temporal worker, falling back to local watchdog ticker", slog.String("error", err.Error()))
			tmgr.Stop()
			wd.Start()
		} else {
			s.temporal = tmgr
			m.TemporalUp.Set(1)
			if err := startWatchdogWorkflow(tmgr, cfg); err != nil {
				logger.Warn("failed to start watchdog workflow, falling back to local ticker", slog.String("error", err.Error()))
				wd.Start()
			}
			logger.Info("temporal workflow engine started",
				slog.String("host", cfg.TemporalHostPort),
				slog.String("namespace", cfg.TemporalNamespace),
				slog.String("task_queue", cfg.TemporalTaskQueue),
			)
		}
	} else {
		wd.Start()
	}

	go s.heartbeatLoop()

	deps := httpapi.Dependencies{
		Projects:         projects,
		Upload:           uploadEngine,
		Deploy:           deployer,
		AdminTokens:      adminTokens,
		Metrics:          m,
		EventBus:         bus,
		IdempotencyCache: idemCache,
		RateLimiter:      controlLimiter,
		Temporal:         s.temporal,
	}
	httpapi.MountRoutes(r, deps)

	// Anything outside /__api, /healthz, /metrics falls through to the
	// project-serving router (spec §4.9): host/path-based project lookup,
	// asset pipeline, server-code dispatch.
	r.NotFound(serveRouter.ServeHTTP)

	return s, nil
}

// Router returns the assembled HTTP handler.
func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain
// in-flight requests via http.Server.Shutdown before releasing other
// resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration at runtime without
// restarting the server: rate limiter settings and log level.
func (s *Server) Reload(cfg Config) {
	s.controlLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

// Close drains in-flight HTTP requests, then stops every background
// worker and closes the store. Safe to call once.
func (s *Server) Close() error {
	if s.httpServer != nil {
		drainSecs := s.cfg.ShutdownDrainSecs
		if drainSecs <= 0 {
			drainSecs = 30
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(drainSecs)*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	close(s.stopHeartbeat)
	s.watchdog.Stop()
	s.uploadEngine.Stop()
	if s.controlLimiter != nil {
		s.controlLimiter.Stop()
	}
	if s.serveLimiter != nil {
		s.serveLimiter.Stop()
	}
	if s.idempotencyCache != nil {
		s.idempotencyCache.Stop()
	}
	if s.secrets != nil {
		s.secrets.Lock()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// heartbeatLoop emits a periodic heartbeat event and increments the
// Prometheus heartbeat counter so an external monitor can alert if the
// counter stops incrementing, which would indicate a hung process.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.HeartbeatTotal.Inc()
			s.eventBus.Publish(events.Event{
				Type:   events.EventHeartbeat,
				Reason: fmt.Sprintf("executor_circuit=%s", s.breaker.CurrentState()),
			})
		case <-s.stopHeartbeat:
			return
		}
	}
}

// resolveJWTSecret picks the HMAC key backing every upload/completion
// token. An explicit DEPLOYCTL_JWT_SECRET always wins; otherwise, when
// the secrets vault is enabled and a passphrase is set, a key is
// generated and stored in the vault. The vault keeps its values in memory
// only and nothing writes them to disk, so in both that case and the
// fallback (a transient key) a restart invalidates any session in
// progress.
func resolveJWTSecret(cfg Config, sv *secrets.Vault, logger *slog.Logger) ([]byte, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), nil
	}

	if cfg.SecretsEnabled && cfg.SecretsPassphrase != "" {
		if err := sv.Unlock([]byte(cfg.SecretsPassphrase)); err != nil {
			return nil, fmt.Errorf("unlock secrets vault: %w", err)
		}
		if existing, err := sv.Get("jwt_secret"); err == nil && existing != "" {
			return []byte(existing), nil
		}
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		if err := sv.Set("jwt_secret", hex.EncodeToString(generated)); err != nil {
			return nil, fmt.Errorf("persist jwt secret: %w", err)
		}
		logger.Info("generated jwt signing secret and stored it in the in-memory secrets vault")
		return generated, nil
	}

	logger.Warn("DEPLOYCTL_JWT_SECRET not set and secrets vault disabled — using a transient signing key; in-flight upload sessions will be invalidated on restart")
	generated := make([]byte, 32)
	if _, err := rand.Read(generated); err != nil {
		return nil, fmt.Errorf("generate transient jwt secret: %w", err)
	}
	return generated, nil
}

// startWatchdogWorkflow kicks off the long-running continue-as-new
// watchdog sweep workflow. It is idempotent across restarts: starting a
// workflow with an ID that's already running is a no-op from the
// caller's perspective (Temporal returns the existing run).
func startWatchdogWorkflow(tmgr *temporalpkg.Manager, cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts := client.StartWorkflowOptions{
		ID:        "watchdog-sweep",
		TaskQueue: tmgr.TaskQueue(),
	}
	_, err := tmgr.Client().ExecuteWorkflow(ctx, opts, temporalpkg.WatchdogWorkflow, temporalpkg.WatchdogInput{
		Interval: time.Duration(cfg.WatchdogIntervalSecs) * time.Second,
	})
	return err
}
