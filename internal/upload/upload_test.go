package upload

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/content"
	"github.com/deployctl/deployctl/internal/jwt"
	"github.com/deployctl/deployctl/internal/project"
	"github.com/deployctl/deployctl/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *project.Store) {
	t.Helper()
	kv, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, kv.Migrate(context.Background()))
	t.Cleanup(func() { _ = kv.Close() })

	blobs := blob.New(kv)
	projects := project.New(blobs)
	signer := jwt.New([]byte("test-secret"))
	e := New(blobs, projects, signer)
	t.Cleanup(e.Stop)
	return e, projects
}

func manifestEntry(data []byte) ManifestEntry {
	return ManifestEntry{Hash: content.Hash(data), Size: int64(len(data))}
}

func TestCreateSessionFullCacheHitMintsCompletionToken(t *testing.T) {
	e, projects := newTestEngine(t)
	ctx := context.Background()

	indexHTML := []byte("<html></html>")
	key := "project/proj-1/asset/" + content.Hash(indexHTML)
	require.NoError(t, e.blobs.Put(ctx, key, indexHTML, blob.PutOptions{ContentType: "text/html"}))

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{
		"/index.html": manifestEntry(indexHTML),
	})
	require.NoError(t, err)
	require.Empty(t, res.Buckets)
	require.NotEmpty(t, res.JWT)

	claims, ok := e.signer.Verify(res.JWT)
	require.True(t, ok)
	require.Equal(t, "complete", claims.Phase)

	sess, err := projects.GetSession(ctx, "proj-1", res.SessionID)
	require.NoError(t, err)
	require.Equal(t, res.JWT, sess.CompletionToken)
}

func TestCreateSessionDedupesAgainstExistingBlobs(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	existing := []byte("already here")
	missing := []byte("new content")
	require.NoError(t, e.blobs.Put(ctx, "project/proj-1/asset/"+content.Hash(existing), existing, blob.PutOptions{}))

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{
		"/old.txt": manifestEntry(existing),
		"/new.txt": manifestEntry(missing),
	})
	require.NoError(t, err)
	require.Len(t, res.Buckets, 1)
	require.Len(t, res.Buckets[0], 1)
	require.Equal(t, content.Hash(missing), res.Buckets[0][0])

	claims, ok := e.signer.Verify(res.JWT)
	require.True(t, ok)
	require.Equal(t, "upload", claims.Phase)
}

func TestCreateSessionSplitsIntoBucketsOfTen(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	manifest := map[string]ManifestEntry{}
	for i := 0; i < 25; i++ {
		data := []byte{byte(i), byte(i >> 8)}
		manifest[pathFor(i)] = manifestEntry(data)
	}

	res, err := e.CreateSession(ctx, "proj-1", manifest)
	require.NoError(t, err)
	require.Len(t, res.Buckets, 3)
	require.Len(t, res.Buckets[0], 10)
	require.Len(t, res.Buckets[1], 10)
	require.Len(t, res.Buckets[2], 5)
}

func pathFor(i int) string {
	return "/file" + string(rune('a'+i)) + ".bin"
}

func TestUploadChunkRejectsWrongProjectToken(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	data := []byte("hello world")

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{"/a.txt": manifestEntry(data)})
	require.NoError(t, err)

	_, err = e.UploadChunk(ctx, "proj-2", res.JWT, map[string]string{
		content.Hash(data): base64.StdEncoding.EncodeToString(data),
	})
	require.Error(t, err)
}

func TestUploadChunkRejectsIntegrityMismatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	data := []byte("hello world")

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{"/a.txt": manifestEntry(data)})
	require.NoError(t, err)

	hash := content.Hash(data)
	_, err = e.UploadChunk(ctx, "proj-1", res.JWT, map[string]string{
		hash: base64.StdEncoding.EncodeToString([]byte("tampered")),
	})
	require.Error(t, err)
}

func TestUploadChunkRejectsReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	data := []byte("hello world")

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{"/a.txt": manifestEntry(data)})
	require.NoError(t, err)

	chunk := map[string]string{content.Hash(data): base64.StdEncoding.EncodeToString(data)}
	_, err = e.UploadChunk(ctx, "proj-1", res.JWT, chunk)
	require.NoError(t, err)

	_, err = e.UploadChunk(ctx, "proj-1", res.JWT, chunk)
	require.Error(t, err)
}

func TestUploadChunkCompletesSessionAndMintsCompletionToken(t *testing.T) {
	e, projects := newTestEngine(t)
	ctx := context.Background()
	a := []byte("content a")
	b := []byte("content b")

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{
		"/a.txt": manifestEntry(a),
		"/b.txt": manifestEntry(b),
	})
	require.NoError(t, err)
	require.Len(t, res.Buckets, 1)

	out, err := e.UploadChunk(ctx, "proj-1", res.JWT, map[string]string{
		content.Hash(a): base64.StdEncoding.EncodeToString(a),
		content.Hash(b): base64.StdEncoding.EncodeToString(b),
	})
	require.NoError(t, err)
	require.Equal(t, 201, out.Status)
	require.NotEmpty(t, out.JWT)

	claims, ok := e.signer.Verify(out.JWT)
	require.True(t, ok)
	require.Equal(t, "complete", claims.Phase)

	sess, err := projects.GetSession(ctx, "proj-1", res.SessionID)
	require.NoError(t, err)
	require.Equal(t, out.JWT, sess.CompletionToken)

	stored, _, err := e.blobs.Get(ctx, "project/proj-1/asset/"+content.Hash(a))
	require.NoError(t, err)
	require.Equal(t, a, stored)
}

func TestUploadChunkPartialDoesNotMintCompletionToken(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := []byte("content a")
	b := []byte("content b")

	res, err := e.CreateSession(ctx, "proj-1", map[string]ManifestEntry{
		"/a.txt": manifestEntry(a),
		"/b.txt": manifestEntry(b),
	})
	require.NoError(t, err)

	out, err := e.UploadChunk(ctx, "proj-1", res.JWT, map[string]string{
		content.Hash(a): base64.StdEncoding.EncodeToString(a),
	})
	require.NoError(t, err)
	require.Equal(t, 200, out.Status)
	require.Empty(t, out.JWT)
}

func TestCreateSessionRejectsInvalidPathname(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateSession(context.Background(), "proj-1", map[string]ManifestEntry{
		"no-leading-slash": manifestEntry([]byte("x")),
	})
	require.Error(t, err)
}
