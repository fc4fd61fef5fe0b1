// Package httpapi mounts the control-plane HTTP surface (C11, spec
// §4.11): project CRUD, the three-phase upload/deploy protocol, and the
// lifecycle event stream, behind a constant-time admin-token auth
// middleware.
//
// Grounded on the teacher's internal/httpapi/routes.go: a single
// Dependencies struct injected into MountRoutes, a bodySizeLimit
// middleware wrapping POST bodies, a chi route group gated by
// adminAuthMiddleware, and a /metrics handle.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deployctl/deployctl/internal/deploy"
	"github.com/deployctl/deployctl/internal/events"
	"github.com/deployctl/deployctl/internal/idempotency"
	"github.com/deployctl/deployctl/internal/metrics"
	"github.com/deployctl/deployctl/internal/project"
	"github.com/deployctl/deployctl/internal/ratelimit"
	temporalpkg "github.com/deployctl/deployctl/internal/temporal"
	"github.com/deployctl/deployctl/internal/upload"
)

// Dependencies wires the control-plane handlers to the rest of the
// module. Projects, Upload and Deploy are required; every other field may
// be nil.
type Dependencies struct {
	Projects *project.Store
	Upload   *upload.Engine
	Deploy   *deploy.Finalizer

	AdminTokens *AdminTokenHolder // nil disables auth entirely (dev mode only)
	Metrics     *metrics.Registry
	EventBus    *events.Bus

	// IdempotencyCache replays a cached response when a mutating request
	// repeats an Idempotency-Key (nil disables it).
	IdempotencyCache *idempotency.Cache

	// RateLimiter throttles the control-plane surface per caller IP
	// (nil disables it).
	RateLimiter *ratelimit.Limiter

	// Temporal dispatches POST .../deploy?async=true through DeployWorkflow
	// instead of running the finalizer inline (nil when Temporal is
	// disabled, in which case async=true is silently ignored and the
	// deploy runs synchronously).
	Temporal *temporalpkg.Manager
}

// maxRequestBodySize bounds the JSON control-plane payloads; the binary
// upload-chunk body is limited separately inside the upload handler
// itself, since a single chunk can carry up to 50 files' worth of
// base64 asset bytes.
const maxRequestBodySize = 2 << 20 // 2 MiB

// bodySizeLimit wraps the request body with http.MaxBytesReader to cap
// POST/PUT/PATCH payload size.
func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes mounts every spec §4.11 route under /__api, plus /healthz
// and /metrics.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/__api", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}

		// assets/upload is the one route exempted from admin-token auth
		// (spec §4.11): it authenticates with the phase-2 JWT instead.
		// It is mounted outside the auth-gated group below, so the admin
		// middleware never sees it.
		r.Post("/projects/{id}/assets/upload", UploadChunkHandler(d))

		r.Group(func(r chi.Router) {
			if d.AdminTokens != nil {
				r.Use(adminAuthMiddleware(d.AdminTokens))
			}
			if d.IdempotencyCache != nil {
				r.Use(idempotency.Middleware(d.IdempotencyCache))
			}

			r.Post("/projects", ProjectsCreateHandler(d))
			r.Get("/projects", ProjectsListHandler(d))
			r.Get("/projects/{id}", ProjectsGetHandler(d))
			r.Delete("/projects/{id}", ProjectsDeleteHandler(d))

			r.Post("/projects/{id}/assets-upload-session", UploadSessionHandler(d))
			r.Post("/projects/{id}/deploy", DeployHandler(d))

			if d.EventBus != nil {
				r.Get("/events", SSEHandler(d.EventBus))
			}
		})
	})
}

// adminAuthMiddleware enforces spec §4.11: every route it guards requires
// Authorization: <token> or Authorization: Bearer <token>, compared in
// constant time over SHA-256 digests.
func adminAuthMiddleware(tokens *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := extractToken(r.Header.Get("Authorization"))
			if provided == "" || !tokens.ConstantTimeEqual(provided) {
				http.Error(w, `{"success":false,"error":{"kind":"auth","message":"invalid or missing admin token"}}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
