package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/content"
	"github.com/deployctl/deployctl/internal/deploy"
	"github.com/deployctl/deployctl/internal/jwt"
	"github.com/deployctl/deployctl/internal/project"
	"github.com/deployctl/deployctl/internal/store"
	"github.com/deployctl/deployctl/internal/upload"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (http.Handler, Dependencies) {
	t.Helper()
	kv, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, kv.Migrate(context.Background()))
	t.Cleanup(func() { _ = kv.Close() })

	blobs := blob.New(kv)
	projects := project.New(blobs)
	signer := jwt.New([]byte("test-secret"))
	up := upload.New(blobs, projects, signer)
	t.Cleanup(up.Stop)
	fin := deploy.New(blobs, projects, signer)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := NewAdminTokenHolder(testAdminToken, "", logger)
	require.NoError(t, err)

	d := Dependencies{
		Projects:    projects,
		Upload:      up,
		Deploy:      fin,
		AdminTokens: tokens,
	}

	r := chi.NewRouter()
	MountRoutes(r, d)
	return r, d
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProjectsCreateRequiresAdminToken(t *testing.T) {
	h, _ := newTestServer(t)
	w := doJSON(t, h, http.MethodPost, "/__api/projects", "", map[string]string{"name": "demo"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProjectsCreateAcceptsBareOrBearerToken(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/__api/projects", testAdminToken, map[string]string{"name": "demo"})
	require.Equal(t, http.StatusCreated, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/__api/projects", nil)
	req.Header.Set("Authorization", testAdminToken) // no "Bearer " prefix
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestProjectsCRUDRoundTrip(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/__api/projects", testAdminToken, map[string]string{"name": "demo"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created projectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, "demo", created.Project.Name)
	id := created.Project.ID

	w = doJSON(t, h, http.MethodGet, "/__api/projects/"+id, testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/__api/projects", testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed listProjectsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Projects, 1)

	w = doJSON(t, h, http.MethodDelete, "/__api/projects/"+id, testAdminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/__api/projects/"+id, testAdminToken, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectsCreateRejectsOversizedName(t *testing.T) {
	h, _ := newTestServer(t)
	longName := make([]byte, 129)
	for i := range longName {
		longName[i] = 'a'
	}
	w := doJSON(t, h, http.MethodPost, "/__api/projects", testAdminToken, map[string]string{"name": string(longName)})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// TestFullDeployFlow exercises spec §4.11's Scenario A end-to-end: create,
// upload-session, upload, deploy.
func TestFullDeployFlow(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, http.MethodPost, "/__api/projects", testAdminToken, map[string]string{"name": "site"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created projectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Project.ID

	body := []byte("<!doctype html>hi")
	hash := content.Hash(body)
	sessReq := map[string]any{
		"manifest": map[string]any{
			"/index.html": map[string]any{"hash": hash, "size": len(body)},
		},
	}
	w = doJSON(t, h, http.MethodPost, "/__api/projects/"+id+"/assets-upload-session", testAdminToken, sessReq)
	require.Equal(t, http.StatusOK, w.Code)
	var sessRes uploadSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessRes))
	require.Len(t, sessRes.Buckets, 1)

	chunk := map[string]string{hash: base64.StdEncoding.EncodeToString(body)}
	// Upload route takes no admin token — only the upload-session JWT.
	w = doJSON(t, h, http.MethodPost, "/__api/projects/"+id+"/assets/upload", sessRes.JWT, chunk)
	require.Equal(t, http.StatusCreated, w.Code)
	var chunkRes uploadChunkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chunkRes))
	require.NotEmpty(t, chunkRes.JWT)

	deployReq := map[string]any{"completionJwt": chunkRes.JWT}
	w = doJSON(t, h, http.MethodPost, "/__api/projects/"+id+"/deploy", testAdminToken, deployReq)
	require.Equal(t, http.StatusOK, w.Code)
	var deployRes deployResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deployRes))
	require.Equal(t, project.StatusReady, deployRes.Project.Status)
	require.Equal(t, 1, deployRes.NewAssets)
}

func TestUploadChunkRouteIgnoresAdminTokenGroup(t *testing.T) {
	h, _ := newTestServer(t)
	// No admin token at all and a garbage JWT: should fail with 401 from
	// the upload engine, not from the admin-auth middleware (which must
	// not be mounted on this route per spec §4.11).
	w := doJSON(t, h, http.MethodPost, "/__api/projects/doesnotexist/assets/upload", "garbage", map[string]string{})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "auth", errObj["kind"])
}
