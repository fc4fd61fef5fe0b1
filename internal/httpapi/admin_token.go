package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AdminTokenHolder provides thread-safe access to the control-plane admin
// token with persistence to the data directory, so the token survives
// process restarts and can be rotated at runtime.
type AdminTokenHolder struct {
	mu     sync.RWMutex
	token  string
	digest [32]byte
	dbDSN  string // used to derive the data directory for persistence
}

// NewAdminTokenHolder creates a holder and resolves the initial token using
// the following precedence:
//
//  1. Explicit env/config value (operator-provided, source of truth)
//  2. Previously persisted token from the data directory
//  3. Newly generated random token
//
// The resolved token is always persisted so that future restarts without the
// env var pick up the same token.
func NewAdminTokenHolder(configToken, dbDSN string, logger *slog.Logger) (*AdminTokenHolder, error) {
	h := &AdminTokenHolder{dbDSN: dbDSN}

	switch {
	case configToken != "":
		h.token = configToken
	default:
		if persisted := h.readPersisted(); persisted != "" {
			h.token = persisted
		}
	}

	if h.token == "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		h.token = hex.EncodeToString(tokenBytes)
		logger.Warn("DEPLOYCTL_ADMIN_TOKEN not set — auto-generated token")
	}
	h.digest = sha256.Sum256([]byte(h.token))

	h.persist(logger)
	return h, nil
}

// Get returns the current admin token.
func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// ConstantTimeEqual reports whether provided matches the current admin
// token. Per spec §4.11, the comparison runs over SHA-256 digests of both
// sides rather than the raw token bytes, so that a timing difference in
// the comparison leaks nothing about the token's actual characters — only
// about a 32-byte digest an attacker cannot invert.
func (h *AdminTokenHolder) ConstantTimeEqual(provided string) bool {
	h.mu.RLock()
	want := h.digest
	h.mu.RUnlock()
	got := sha256.Sum256([]byte(provided))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// Rotate generates a new random token, persists it, and returns the new token.
func (h *AdminTokenHolder) Rotate(logger *slog.Logger) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	newToken := hex.EncodeToString(tokenBytes)

	h.mu.Lock()
	h.token = newToken
	h.digest = sha256.Sum256([]byte(newToken))
	h.mu.Unlock()

	h.persist(logger)
	return newToken, nil
}

// dataDir returns the directory derived from the DB DSN, or "" if not applicable.
func (h *AdminTokenHolder) dataDir() string {
	dsn := strings.TrimPrefix(h.dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func (h *AdminTokenHolder) readPersisted() string {
	dir := h.dataDir()
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, ".admin-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist(logger *slog.Logger) {
	dir := h.dataDir()
	if dir == "" {
		return
	}
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()

	if err := os.WriteFile(filepath.Join(dir, "env"), []byte("DEPLOYCTL_ADMIN_TOKEN="+token+"\n"), 0600); err != nil {
		logger.Warn("failed to write state env file", slog.String("error", err.Error()))
	}
	if err := os.WriteFile(filepath.Join(dir, ".admin-token"), []byte(token+"\n"), 0600); err != nil {
		logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}

// extractToken pulls the bearer value out of an Authorization header that
// may or may not carry the "Bearer " prefix (spec §4.11 accepts both).
func extractToken(header string) string {
	if header == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return rest
	}
	return header
}
