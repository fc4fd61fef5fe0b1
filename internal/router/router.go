// Package router implements the request router (C9, spec §4.9): project
// id extraction from host/path, per-project rate limiting, status
// enforcement, worker-first/asset-first branching, and the path-based
// rewriting needed when a project is served under /__project/{id}
// instead of its own subdomain.
package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deployctl/deployctl/internal/apierr"
	"github.com/deployctl/deployctl/internal/assets"
	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/circuitbreaker"
	"github.com/deployctl/deployctl/internal/executor"
	"github.com/deployctl/deployctl/internal/health"
	"github.com/deployctl/deployctl/internal/project"
	"github.com/deployctl/deployctl/internal/ratelimit"
)

// executorComponentID is the health.Tracker/circuitbreaker.Breaker
// component key for the server-code executor collaborator.
const executorComponentID = "executor"

const pathPrefix = "/__project/"

// defaultRateRPS/Burst apply when a project's config doesn't declare its
// own per-project limit (spec §4.9 step 5).
const (
	defaultRateRPS   = 20
	defaultRateBurst = 40
)

func moduleManifestKey(projectID string) string {
	return fmt.Sprintf("project/%s/module/MANIFEST", projectID)
}
func assetManifestKey(projectID string) string {
	return fmt.Sprintf("project/%s/manifest", projectID)
}
func moduleBlobKey(projectID, hash string) string {
	return fmt.Sprintf("project/%s/module/%s", projectID, hash)
}

// Router dispatches requests to either the asset pipeline or the
// server-code executor, per project.
type Router struct {
	projects *project.Store
	blobs    *blob.Store
	assetsPL *assets.Pipeline
	exec     executor.Executor
	limiter  *ratelimit.Limiter

	// breaker and health are both optional: nil disables the
	// circuit-breaker guard / health tracking around exec.Run without
	// otherwise changing dispatch behavior.
	breaker *circuitbreaker.Breaker
	health  *health.Tracker
}

// New builds a Router.
func New(projects *project.Store, blobs *blob.Store, assetsPL *assets.Pipeline, exec executor.Executor, limiter *ratelimit.Limiter) *Router {
	return &Router{projects: projects, blobs: blobs, assetsPL: assetsPL, exec: exec, limiter: limiter}
}

// WithExecutorGuard attaches a circuit breaker and health tracker around
// every exec.Run call: a tripped breaker short-circuits to "unavailable"
// without invoking the executor, and every call result feeds the tracker
// so /healthz and the event bus see executor health transitions.
func (router *Router) WithExecutorGuard(breaker *circuitbreaker.Breaker, tracker *health.Tracker) *Router {
	router.breaker = breaker
	router.health = tracker
	return router
}

// ExtractProjectID implements spec §4.9 step 3: path-based routing takes
// priority (pathname starts with /__project/), otherwise the project id
// is the first label of the host, unless that label is "www" or the host
// is "localhost" (neither names a project).
func ExtractProjectID(r *http.Request) (id string, isPathBased bool) {
	if strings.HasPrefix(r.URL.Path, pathPrefix) {
		rest := strings.TrimPrefix(r.URL.Path, pathPrefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			return rest[:idx], true
		}
		return rest, true
	}

	host := r.Host
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	if host == "localhost" || host == "" {
		return "", false
	}
	label := host
	if idx := strings.Index(host, "."); idx >= 0 {
		label = host[:idx]
	}
	if label == "www" {
		return "", false
	}
	return label, false
}

// ServeHTTP implements the full request path of spec §4.9.
func (router *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, isPathBased := ExtractProjectID(r)
	if projectID == "" {
		http.NotFound(w, r)
		return
	}

	if !router.allow(projectID, nil) {
		w.Header().Set("Retry-After", "1")
		apierr.Write(w, apierr.New(apierr.RateLimited, "rate limit exceeded for this project"))
		return
	}

	meta, err := router.projects.Get(ctx, projectID)
	if err != nil {
		apierr.Write(w, fmt.Errorf("router: load project: %w", err))
		return
	}
	if meta == nil {
		http.NotFound(w, r)
		return
	}
	if !router.allow(projectID, meta.Config) {
		w.Header().Set("Retry-After", "1")
		apierr.Write(w, apierr.New(apierr.RateLimited, "rate limit exceeded for this project"))
		return
	}
	if meta.Status != project.StatusReady {
		http.Error(w, "project not ready", http.StatusServiceUnavailable)
		return
	}

	var prefix string
	if isPathBased {
		prefix = pathPrefix + projectID
		r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	runWorkerFirst := router.shouldRunWorkerFirst(meta, r.URL.Path)

	var serverManifest *executor.Manifest
	if meta.HasServerCode {
		serverManifest, _, _ = router.loadServerManifest(ctx, projectID)
	}

	assetManifest, _, err := router.blobs.Get(ctx, assetManifestKey(projectID))
	if err != nil {
		apierr.Write(w, fmt.Errorf("router: load asset manifest: %w", err))
		return
	}

	assetsBinding := &loopbackAssets{router: router, projectID: projectID, cfg: meta.Config, manifest: assetManifest}

	if runWorkerFirst && meta.HasServerCode && serverManifest != nil {
		w.Header().Set("X-Asset-Lookup", "SKIP")
		router.invokeServerCode(ctx, w, r, *serverManifest, projectID, prefix, isPathBased, assetsBinding)
		return
	}

	req := assets.FromHTTP(r)
	canFetch, err := router.assetsPL.CanFetch(ctx, projectID, assetManifest, meta.Config, req)
	if err != nil {
		apierr.Write(w, fmt.Errorf("router: canFetch: %w", err))
		return
	}
	if canFetch {
		w.Header().Set("X-Asset-Lookup", "HIT")
		router.serveAsset(ctx, w, r, projectID, assetManifest, meta.Config, req, prefix, isPathBased)
		return
	}
	if meta.HasServerCode && serverManifest != nil {
		w.Header().Set("X-Asset-Lookup", "MISS")
		router.invokeServerCode(ctx, w, r, *serverManifest, projectID, prefix, isPathBased, assetsBinding)
		return
	}
	http.NotFound(w, r)
}

func (router *Router) allow(projectID string, cfg *project.ServingConfig) bool {
	rps, burst := defaultRateRPS, defaultRateBurst
	if cfg != nil && cfg.RateLimitRPS > 0 {
		rps = cfg.RateLimitRPS
		burst = cfg.RateLimitBurst
		if burst <= 0 {
			burst = rps * 2
		}
	}
	return router.limiter.AllowCustom(projectID, rps, burst)
}

// shouldRunWorkerFirst implements spec §4.9 step 8.
func (router *Router) shouldRunWorkerFirst(meta *project.Metadata, path string) bool {
	if meta.RunWorkerFirst == nil || !meta.HasServerCode {
		return false
	}
	if len(meta.RunWorkerFirst.Patterns) > 0 {
		return MatchGlobs(meta.RunWorkerFirst.Patterns, path)
	}
	return meta.RunWorkerFirst.Always
}

func (router *Router) loadServerManifest(ctx context.Context, projectID string) (*executor.Manifest, []byte, error) {
	data, _, err := router.blobs.Get(ctx, moduleManifestKey(projectID))
	if err != nil || data == nil {
		return nil, nil, err
	}
	m, err := decodeServerManifest(data)
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

func (router *Router) serveAsset(ctx context.Context, w http.ResponseWriter, r *http.Request, projectID string, manifestRaw []byte, cfg *project.ServingConfig, req assets.Request, prefix string, isPathBased bool) {
	res, err := router.assetsPL.Resolve(ctx, projectID, manifestRaw, cfg, req)
	if err != nil {
		apierr.Write(w, fmt.Errorf("router: resolve asset: %w", err))
		return
	}
	writeAssetResult(w, r, res, prefix, isPathBased)
}

func writeAssetResult(w http.ResponseWriter, r *http.Request, res *assets.Result, prefix string, isPathBased bool) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	if res.ETag != "" {
		w.Header().Set("ETag", `"`+res.ETag+`"`)
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	if res.CacheStatus != "" {
		w.Header().Set("X-Asset-Cache-Status", res.CacheStatus)
	}
	// C8.h configured header rules, applied on top of the stage-G defaults
	// above: unset removes, the first "set" of a name replaces, later
	// "set"s of the same name accumulate (Set-Cookie style).
	for _, op := range res.HeaderOps {
		switch op.Action {
		case "unset":
			w.Header().Del(op.Name)
		case "add":
			w.Header().Add(op.Name, op.Value)
		default:
			w.Header().Set(op.Name, op.Value)
		}
	}

	switch res.Kind {
	case assets.KindRedirect:
		http.Redirect(w, r, res.Location, res.Status)
	case assets.KindAsset, assets.KindNotFound:
		body := res.Body
		if isPathBased && strings.Contains(strings.ToLower(res.ContentType), "text/html") {
			body = RewriteHTML(body, prefix)
		} else if isPathBased && strings.Contains(res.ContentType, "javascript") {
			body = RewriteJS(body, prefix)
		}
		w.WriteHeader(res.Status)
		_, _ = w.Write(body)
	case assets.KindNotModified:
		w.WriteHeader(http.StatusNotModified)
	case assets.KindMethodNotAllowed:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (router *Router) invokeServerCode(ctx context.Context, w http.ResponseWriter, r *http.Request, m executor.Manifest, projectID, prefix string, isPathBased bool, assetsBinding executor.Assets) {
	moduleBytes := make(map[string][]byte, len(m.Modules))
	for path, ref := range m.Modules {
		data, _, err := router.blobs.Get(ctx, moduleBlobKey(projectID, ref.Hash))
		if err == nil && data != nil {
			moduleBytes[path] = data
		}
	}
	bindings := executor.Bindings{Assets: assetsBinding, Env: m.Env}

	if router.breaker != nil && !router.breaker.Allow() {
		http.Error(w, "server code unavailable", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	resp, err := router.exec.Run(ctx, m, moduleBytes, r, bindings)
	if err != nil {
		if router.breaker != nil {
			router.breaker.RecordFailure()
		}
		if router.health != nil {
			router.health.RecordError(executorComponentID, err.Error())
		}
		http.Error(w, "server code unavailable", http.StatusNotImplemented)
		return
	}
	if router.breaker != nil {
		router.breaker.RecordSuccess()
	}
	if router.health != nil {
		router.health.RecordSuccess(executorComponentID, float64(time.Since(start).Milliseconds()))
	}
	defer resp.Body.Close()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// loopbackAssets implements executor.Assets, letting server code fall
// through to this project's asset pipeline (spec §4.9 step 10).
type loopbackAssets struct {
	router    *Router
	projectID string
	cfg       *project.ServingConfig
	manifest  []byte
}

func (a *loopbackAssets) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := assets.FromHTTP(r)
	res, err := a.router.assetsPL.Resolve(ctx, a.projectID, a.manifest, a.cfg, req)
	if err != nil {
		return nil, err
	}
	resp := &http.Response{
		StatusCode: res.Status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(string(res.Body))),
	}
	if res.ContentType != "" {
		resp.Header.Set("Content-Type", res.ContentType)
	}
	if res.ETag != "" {
		resp.Header.Set("ETag", `"`+res.ETag+`"`)
	}
	return resp, nil
}
