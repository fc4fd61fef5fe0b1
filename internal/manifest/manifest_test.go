package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployctl/deployctl/internal/content"
)

func hashOf(s string) string { return content.Hash([]byte(s)) }

func TestRoundTrip(t *testing.T) {
	entries := []Entry{
		{Pathname: "/index.html", ContentHash: hashOf("index")},
		{Pathname: "/about.html", ContentHash: hashOf("about")},
		{Pathname: "/assets/app.js", ContentHash: hashOf("app")},
	}
	raw, err := Encode(entries)
	require.NoError(t, err)

	for _, e := range entries {
		got, ok := Lookup(raw, e.Pathname)
		require.True(t, ok)
		assert.Equal(t, e.ContentHash, got)
	}

	_, ok := Lookup(raw, "/does-not-exist.html")
	assert.False(t, ok)
}

func TestEmptyManifestMisses(t *testing.T) {
	raw, err := Encode(nil)
	require.NoError(t, err)
	n, err := EntryCount(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, ok := Lookup(raw, "/anything")
	assert.False(t, ok)
}

func TestSortedOrder(t *testing.T) {
	entries := []Entry{
		{Pathname: "/z.html", ContentHash: hashOf("z")},
		{Pathname: "/a.html", ContentHash: hashOf("a")},
		{Pathname: "/m.html", ContentHash: hashOf("m")},
	}
	raw, err := Encode(entries)
	require.NoError(t, err)
	n, err := EntryCount(raw)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for i := 0; i < n-1; i++ {
		a := raw[headerSize+i*recordSize : headerSize+i*recordSize+content.PathHashSize]
		b := raw[headerSize+(i+1)*recordSize : headerSize+(i+1)*recordSize+content.PathHashSize]
		assert.LessOrEqual(t, string(a), string(b))
		assert.NotEqual(t, a, b)
	}
}

func TestRejectsInvalidContentHash(t *testing.T) {
	_, err := Encode([]Entry{{Pathname: "/x", ContentHash: "not-a-hash"}})
	assert.Error(t, err)
}

func TestHeaderReservedBytesIgnored(t *testing.T) {
	raw, err := Encode([]Entry{{Pathname: "/x", ContentHash: hashOf("x")}})
	require.NoError(t, err)
	// Corrupt the reserved bytes; lookup must still succeed.
	for i := 8; i < headerSize; i++ {
		raw[i] = 0xFF
	}
	got, ok := Lookup(raw, "/x")
	require.True(t, ok)
	assert.Equal(t, hashOf("x"), got)
}

func TestTruncatedManifestErrors(t *testing.T) {
	_, err := EntryCount([]byte{1, 2, 3})
	assert.Error(t, err)
}
