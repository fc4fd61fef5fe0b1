package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyUpload(t *testing.T) {
	s := New([]byte("secret"))
	tok, err := s.IssueUpload("sess-1", "proj-1")
	require.NoError(t, err)

	claims, ok := s.Verify(tok)
	require.True(t, ok)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "proj-1", claims.ProjectID)
	assert.Equal(t, "upload", claims.Phase)
}

func TestIssueCompletionEmbedsManifest(t *testing.T) {
	s := New([]byte("secret"))
	manifest := map[string]Asset{"/index.html": {Hash: "abc", Size: 5}}
	tok, err := s.IssueCompletion("sess-1", "proj-1", manifest)
	require.NoError(t, err)

	claims, ok := s.Verify(tok)
	require.True(t, ok)
	assert.Equal(t, "complete", claims.Phase)
	assert.Equal(t, manifest, claims.Manifest)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s1 := New([]byte("secret-a"))
	s2 := New([]byte("secret-b"))
	tok, err := s1.IssueUpload("s", "p")
	require.NoError(t, err)

	_, ok := s2.Verify(tok)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	s := New([]byte("secret"))
	for _, tok := range []string{"", "a.b", "a.b.c.d", "not-a-jwt"} {
		_, ok := s.Verify(tok)
		assert.False(t, ok, "token %q should fail verification", tok)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := New([]byte("secret"))
	now := time.Now()
	claims := Claims{
		SessionID: "s", ProjectID: "p", Phase: "upload",
		IssuedAt: now.Add(-2 * time.Hour).Unix(), ExpiresAt: now.Add(-1 * time.Hour).Unix(),
	}
	tok, err := s.sign(claims)
	require.NoError(t, err)

	_, ok := s.Verify(tok)
	assert.False(t, ok)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := New([]byte("secret"))
	tok, err := s.IssueUpload("s", "p")
	require.NoError(t, err)

	parts := splitThree(tok)
	require.NotNil(t, parts)
	tampered := parts[0] + "." + parts[1] + "x" + "." + parts[2]
	_, ok := s.Verify(tampered)
	assert.False(t, ok)
}
