package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deployctl/deployctl/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, kv.Migrate(context.Background()))
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

func TestGetMissReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	b, meta, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, b)
	require.Nil(t, meta)
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v"), PutOptions{ContentType: "text/plain"}))
	b, meta, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), b)
	require.Equal(t, "text/plain", meta.ContentType)
}

func TestBatchExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("1"), PutOptions{}))
	require.NoError(t, s.Put(ctx, "b", []byte("2"), PutOptions{}))

	present, err := s.BatchExists(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.True(t, present["a"])
	require.True(t, present["b"])
	require.False(t, present["c"])
}

func TestBatchGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", []byte("1"), PutOptions{}))

	got, err := s.BatchGet(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got["a"])
	_, ok := got["missing"]
	require.False(t, ok)
}

func TestDeleteAllByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"project/x/asset/1", "project/x/asset/2", "project/y/asset/1"} {
		require.NoError(t, s.Put(ctx, k, []byte("v"), PutOptions{}))
	}

	n, err := s.DeleteAllByPrefix(ctx, "project/x/")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	b, _, err := s.Get(ctx, "project/y/asset/1")
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"p/a", "p/b", "p/c"} {
		require.NoError(t, s.Put(ctx, k, []byte("v"), PutOptions{}))
	}
	page, err := s.List(ctx, "p/", "", 2)
	require.NoError(t, err)
	require.False(t, page.Complete)
	require.Len(t, page.Keys, 2)

	page2, err := s.List(ctx, "p/", page.NextCursor, 2)
	require.NoError(t, err)
	require.True(t, page2.Complete)
	require.Len(t, page2.Keys, 1)
}
