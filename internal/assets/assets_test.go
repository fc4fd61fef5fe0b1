package assets

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/content"
	"github.com/deployctl/deployctl/internal/manifest"
	"github.com/deployctl/deployctl/internal/project"
	"github.com/deployctl/deployctl/internal/store"
)

const testProjectID = "proj-1"

func newTestPipeline(t *testing.T) (*Pipeline, *blob.Store) {
	t.Helper()
	kv, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, kv.Migrate(context.Background()))
	t.Cleanup(func() { _ = kv.Close() })
	blobs := blob.New(kv)
	return New(blobs), blobs
}

func putAsset(t *testing.T, blobs *blob.Store, hash string, data []byte, contentType string) {
	t.Helper()
	require.NoError(t, blobs.Put(context.Background(), assetKey(testProjectID, hash), data, blob.PutOptions{ContentType: contentType}))
}

func buildManifest(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var m []manifest.Entry
	for path, data := range entries {
		m = append(m, manifest.Entry{Pathname: path, ContentHash: content.Hash(data)})
	}
	raw, err := manifest.Encode(m)
	require.NoError(t, err)
	return raw
}

func TestResolveExactHit(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("<html>home</html>")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/html")
	raw := buildManifest(t, map[string][]byte{"/index.html": data})

	res, err := p.Resolve(context.Background(), testProjectID, raw, nil, Request{Method: "GET", Path: "/index.html"})
	require.NoError(t, err)
	require.Equal(t, KindAsset, res.Kind)
	require.Equal(t, data, res.Body)
	require.Equal(t, hash, res.ETag)
}

func TestResolveMethodNotAllowed(t *testing.T) {
	p, _ := newTestPipeline(t)
	raw := buildManifest(t, nil)
	res, err := p.Resolve(context.Background(), testProjectID, raw, nil, Request{Method: "POST", Path: "/x"})
	require.NoError(t, err)
	require.Equal(t, KindMethodNotAllowed, res.Kind)
}

func TestResolveNotModified(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/a.txt": data})

	res, err := p.Resolve(context.Background(), testProjectID, raw, nil, Request{
		Method: "GET", Path: "/a.txt", IfNoneMatch: `"` + hash + `"`,
	})
	require.NoError(t, err)
	require.Equal(t, KindNotModified, res.Kind)
}

func TestResolveAutoTrailingSlashServesIndex(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("<html>about</html>")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/html")
	raw := buildManifest(t, map[string][]byte{"/about/index.html": data})

	cfg := &project.ServingConfig{HTMLHandling: "auto-trailing-slash"}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/about/"})
	require.NoError(t, err)
	require.Equal(t, KindAsset, res.Kind)
	require.Equal(t, data, res.Body)
}

func TestResolveAutoTrailingSlashRedirectsBareToSlash(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("<html>about</html>")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/html")
	raw := buildManifest(t, map[string][]byte{"/about/index.html": data})

	cfg := &project.ServingConfig{HTMLHandling: "auto-trailing-slash"}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/about"})
	require.NoError(t, err)
	require.Equal(t, KindRedirect, res.Kind)
	require.Equal(t, http.StatusTemporaryRedirect, res.Status)
}

func TestResolveSPAFallback(t *testing.T) {
	p, blobs := newTestPipeline(t)
	index := []byte("<html>spa</html>")
	hash := content.Hash(index)
	putAsset(t, blobs, hash, index, "text/html")
	raw := buildManifest(t, map[string][]byte{"/index.html": index})

	cfg := &project.ServingConfig{NotFoundHandling: "single-page-application"}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/anything/missing"})
	require.NoError(t, err)
	require.Equal(t, KindNotFound, res.Kind)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, index, res.Body)
}

func TestResolveNoneNotFoundHandlingReturnsNoIntent(t *testing.T) {
	p, _ := newTestPipeline(t)
	raw := buildManifest(t, nil)
	res, err := p.Resolve(context.Background(), testProjectID, raw, nil, Request{Method: "GET", Path: "/missing"})
	require.NoError(t, err)
	require.Equal(t, KindNoIntent, res.Kind)
}

func TestCanFetchStripsNotFoundForNonNavigateRequest(t *testing.T) {
	p, blobs := newTestPipeline(t)
	index := []byte("<html>spa</html>")
	hash := content.Hash(index)
	putAsset(t, blobs, hash, index, "text/html")
	raw := buildManifest(t, map[string][]byte{"/index.html": index})
	cfg := &project.ServingConfig{NotFoundHandling: "single-page-application"}

	ok, err := p.CanFetch(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/api/data"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanFetchAppliesNotFoundForNavigateRequest(t *testing.T) {
	p, blobs := newTestPipeline(t)
	index := []byte("<html>spa</html>")
	hash := content.Hash(index)
	putAsset(t, blobs, hash, index, "text/html")
	raw := buildManifest(t, map[string][]byte{"/index.html": index})
	cfg := &project.ServingConfig{NotFoundHandling: "single-page-application"}

	ok, err := p.CanFetch(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/some/route", IsNavigate: true})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStaticRedirectTakesPriorityByLineNumber(t *testing.T) {
	p, _ := newTestPipeline(t)
	raw := buildManifest(t, nil)
	cfg := &project.ServingConfig{Redirects: []project.RedirectRule{
		{Path: "/old", Target: "/new-2", Status: 301, LineNumber: 5},
		{Path: "/old", Target: "/new-1", Status: 301, LineNumber: 1},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/old"})
	require.NoError(t, err)
	require.Equal(t, KindRedirect, res.Kind)
	require.Equal(t, "/new-1", res.Location)
}

func TestDynamicRedirectPlaceholder(t *testing.T) {
	p, _ := newTestPipeline(t)
	raw := buildManifest(t, nil)
	cfg := &project.ServingConfig{Redirects: []project.RedirectRule{
		{Path: "/blog/:slug", Target: "/posts/:slug", Status: 301, LineNumber: 1},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/blog/hello"})
	require.NoError(t, err)
	require.Equal(t, KindRedirect, res.Kind)
}

func TestRedirectCollapsesDoubleSlashTakeover(t *testing.T) {
	p, _ := newTestPipeline(t)
	raw := buildManifest(t, nil)
	cfg := &project.ServingConfig{Redirects: []project.RedirectRule{
		{Path: "/foo", Target: "//evil.com", Status: 302, LineNumber: 1},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/foo"})
	require.NoError(t, err)
	require.Equal(t, KindRedirect, res.Kind)
	require.Equal(t, "/evil.com", res.Location)
}

func TestDecodePathCollapsesRepeatedSlashes(t *testing.T) {
	require.Equal(t, "/a/b", decodePath("/a//b"))
}

func TestResolveSetsCacheStatusHeader(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/a.txt": data})

	res, err := p.Resolve(context.Background(), testProjectID, raw, nil, Request{Method: "GET", Path: "/a.txt"})
	require.NoError(t, err)
	require.Equal(t, KindAsset, res.Kind)
	require.Contains(t, []string{"HIT", "MISS"}, res.CacheStatus)
}

func TestHeaderRuleSetAppliesOnMatch(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/secure/a.txt": data})

	cfg := &project.ServingConfig{Headers: []project.HeaderRule{
		{Pattern: "/secure/*", Set: map[string]string{"X-Frame-Options": "DENY"}},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/secure/a.txt"})
	require.NoError(t, err)
	require.Len(t, res.HeaderOps, 1)
	require.Equal(t, HeaderOp{Name: "X-Frame-Options", Value: "DENY", Action: "set"}, res.HeaderOps[0])
}

func TestHeaderRuleNonMatchingPatternIsSkipped(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/open/a.txt": data})

	cfg := &project.ServingConfig{Headers: []project.HeaderRule{
		{Pattern: "/secure/*", Set: map[string]string{"X-Frame-Options": "DENY"}},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/open/a.txt"})
	require.NoError(t, err)
	require.Empty(t, res.HeaderOps)
}

func TestHeaderRuleSplatInterpolatesIntoValue(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/assets/app.js": data})

	cfg := &project.ServingConfig{Headers: []project.HeaderRule{
		{Pattern: "/assets/*", Set: map[string]string{"X-Served-File": ":splat"}},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/assets/app.js"})
	require.NoError(t, err)
	require.Len(t, res.HeaderOps, 1)
	require.Equal(t, "app.js", res.HeaderOps[0].Value)
}

func TestHeaderRuleSecondMatchOnSameNameAppends(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/a.txt": data})

	cfg := &project.ServingConfig{Headers: []project.HeaderRule{
		{Pattern: "/*", Set: map[string]string{"Set-Cookie": "a=1"}},
		{Pattern: "/a.txt", Set: map[string]string{"Set-Cookie": "b=2"}},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/a.txt"})
	require.NoError(t, err)
	require.Len(t, res.HeaderOps, 2)
	require.Equal(t, "set", res.HeaderOps[0].Action)
	require.Equal(t, "add", res.HeaderOps[1].Action)
}

func TestHeaderRuleUnsetRemovesHeader(t *testing.T) {
	p, blobs := newTestPipeline(t)
	data := []byte("body")
	hash := content.Hash(data)
	putAsset(t, blobs, hash, data, "text/plain")
	raw := buildManifest(t, map[string][]byte{"/a.txt": data})

	cfg := &project.ServingConfig{Headers: []project.HeaderRule{
		{Pattern: "/a.txt", Unset: []string{"Cache-Control"}},
	}}
	res, err := p.Resolve(context.Background(), testProjectID, raw, cfg, Request{Method: "GET", Path: "/a.txt"})
	require.NoError(t, err)
	require.Len(t, res.HeaderOps, 1)
	require.Equal(t, HeaderOp{Name: "Cache-Control", Action: "unset"}, res.HeaderOps[0])
}
