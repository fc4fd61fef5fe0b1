// Package jwt implements the compact HMAC-SHA256 tokens spec §4.5 calls
// for: three base64url segments (header.payload.sig), a fixed one-hour
// expiry, and a verify contract that returns nothing on any failure rather
// than a differentiated error — by design, so callers can't distinguish
// "expired" from "forged" from "malformed" by timing or error shape.
//
// This is a direct, intentional translation of the spec's own §9 note
// ("URL-safe base64 / HMAC in crypto.subtle → use the standard crypto
// library of the target with an explicit codec"): stdlib crypto/hmac +
// crypto/sha256, no general-purpose JWT library, because the claim schema
// here is fixed and narrow (two shapes, C6/C7 claims only).
package jwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"
)

// TTL is the fixed lifetime of every token (spec §4.5, §6 limits table).
const TTL = time.Hour

var b64 = base64.RawURLEncoding

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var fixedHeader = header{Alg: "HS256", Typ: "JWT"}

// Claims is the envelope common to both claim shapes used by C6/C7. Phase
// is "upload" or "complete"; Manifest is only populated for "complete"
// tokens, embedding the manifest so finalize never trusts a caller-supplied
// asset set (spec §4.5).
type Claims struct {
	SessionID string            `json:"sessionId"`
	ProjectID string            `json:"projectId"`
	Phase     string            `json:"phase"`
	Manifest  map[string]Asset  `json:"manifest,omitempty"`
	IssuedAt  int64             `json:"iat"`
	ExpiresAt int64             `json:"exp"`
}

// Asset mirrors the upload-session manifest entry shape embedded in
// completion-phase claims.
type Asset struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Signer mints and verifies tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
}

// New returns a Signer using secret as the HMAC key.
func New(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// IssueUpload mints an upload-phase token.
func (s *Signer) IssueUpload(sessionID, projectID string) (string, error) {
	now := time.Now()
	return s.sign(Claims{
		SessionID: sessionID,
		ProjectID: projectID,
		Phase:     "upload",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(TTL).Unix(),
	})
}

// IssueCompletion mints a completion-phase token with the session's full
// manifest embedded.
func (s *Signer) IssueCompletion(sessionID, projectID string, manifest map[string]Asset) (string, error) {
	now := time.Now()
	return s.sign(Claims{
		SessionID: sessionID,
		ProjectID: projectID,
		Phase:     "complete",
		Manifest:  manifest,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(TTL).Unix(),
	})
}

func (s *Signer) sign(c Claims) (string, error) {
	headerJSON, err := json.Marshal(fixedHeader)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	headerSeg := b64.EncodeToString(headerJSON)
	payloadSeg := b64.EncodeToString(payloadJSON)
	signingInput := headerSeg + "." + payloadSeg

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signingInput))
	sigSeg := b64.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sigSeg, nil
}

// Verify splits token into exactly three segments, recomputes the HMAC,
// byte-compares it against the supplied signature, and rejects an expired
// token. On ANY failure it returns (nil, false) — no error is surfaced,
// matching spec §4.5's "return nothing on any failure" contract.
func (s *Signer) Verify(token string) (*Claims, bool) {
	parts := splitThree(token)
	if parts == nil {
		return nil, false
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(headerSeg + "." + payloadSeg))
	expected := mac.Sum(nil)

	got, err := b64.DecodeString(sigSeg)
	if err != nil || !hmac.Equal(expected, got) {
		return nil, false
	}

	payloadJSON, err := b64.DecodeString(payloadSeg)
	if err != nil {
		return nil, false
	}
	var c Claims
	if err := json.Unmarshal(payloadJSON, &c); err != nil {
		return nil, false
	}
	if c.ExpiresAt < time.Now().Unix() {
		return nil, false
	}
	return &c, true
}

// splitThree splits s into exactly three dot-separated, non-empty parts,
// or returns nil if the shape doesn't match.
func splitThree(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) != 3 {
		return nil
	}
	for _, p := range parts {
		if p == "" {
			return nil
		}
	}
	return parts
}
