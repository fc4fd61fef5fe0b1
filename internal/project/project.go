// Package project implements the project store (C4, spec §4.4): CRUD and
// paginated listing of project metadata, the PENDING/READY/ERROR status
// state machine, and upload-session records. Both are just JSON blobs
// under well-known key shapes in the blob store — no separate SQL schema —
// so cascade delete (C4.delete) and the watchdog sweep (C10) only ever
// need to reason about keys, not tables.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/jwt"
)

// Status is the project lifecycle state (spec §3, §4.4).
type Status string

const (
	StatusPending Status = "PENDING"
	StatusReady   Status = "READY"
	StatusError   Status = "ERROR"
)

// PendingTTL is how long a never-finalized project survives before its
// metadata key simply expires out of the blob store (spec §3, §6).
const PendingTTL = time.Hour

// SessionTTL is the upload-session record lifetime (spec §3, §6).
const SessionTTL = time.Hour

// HeaderRule is one C8.h header rule.
type HeaderRule struct {
	Pattern string            `json:"pattern"`
	Set     map[string]string `json:"set,omitempty"`
	Unset   []string          `json:"unset,omitempty"`
}

// RedirectRule is one static or dynamic redirect rule (spec §4.8 Stage A).
type RedirectRule struct {
	Host       string `json:"host,omitempty"`
	Path       string `json:"path"`
	Target     string `json:"target"`
	Status     int    `json:"status"`
	LineNumber int    `json:"lineNumber"`
}

// ServingConfig is a project's optional asset-serving configuration.
type ServingConfig struct {
	HTMLHandling      string         `json:"htmlHandling,omitempty"`      // none|auto-trailing-slash|force-trailing-slash|drop-trailing-slash
	NotFoundHandling  string         `json:"notFoundHandling,omitempty"`  // single-page-application|404-page|none
	HasStaticRouting  bool           `json:"hasStaticRouting,omitempty"`
	Redirects         []RedirectRule `json:"redirects,omitempty"`
	Headers           []HeaderRule   `json:"headers,omitempty"`
	RateLimitRPS      int            `json:"rateLimitRps,omitempty"`
	RateLimitBurst    int            `json:"rateLimitBurst,omitempty"`
}

// RunWorkerFirst is either a bool or a list of glob patterns (spec §3,
// §4.9). It's modeled as a struct rather than interface{} so JSON
// (de)serialization is unambiguous.
type RunWorkerFirst struct {
	Always   bool     `json:"always,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// Metadata is the persisted project record at project/{id}/metadata.
type Metadata struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	HasServerCode   bool            `json:"hasServerCode"`
	AssetsCount     int             `json:"assetsCount"`
	Config          *ServingConfig  `json:"config,omitempty"`
	RunWorkerFirst  *RunWorkerFirst `json:"runWorkerFirst,omitempty"`
}

// Session is the persisted upload-session record at
// upload-session/{projectId}/{sessionId}.
type Session struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"projectId"`
	Manifest        map[string]jwt.Asset `json:"manifest"`
	Buckets         [][]string           `json:"buckets"`
	UploadedHashes  map[string]bool      `json:"uploadedHashes"`
	CreatedAt       time.Time            `json:"createdAt"`
	CompletionToken string               `json:"completionToken,omitempty"`
}

const (
	metadataSuffix = "/metadata"
	projectPrefix  = "project/"
)

func metadataKey(id string) string { return fmt.Sprintf("project/%s/metadata", id) }
func sessionKey(projectID, sessionID string) string {
	return fmt.Sprintf("upload-session/%s/%s", projectID, sessionID)
}
func sessionPrefix(projectID string) string { return fmt.Sprintf("upload-session/%s/", projectID) }
func assetPrefix(projectID string) string   { return fmt.Sprintf("project/%s/asset/", projectID) }
func modulePrefix(projectID string) string  { return fmt.Sprintf("project/%s/module/", projectID) }
func projectNamespace(projectID string) string { return fmt.Sprintf("project/%s/", projectID) }

// Store is the project + upload-session persistence layer.
type Store struct {
	blobs *blob.Store
}

// New wraps a blob.Store as a project Store.
func New(blobs *blob.Store) *Store {
	return &Store{blobs: blobs}
}

// Create generates a UUID, writes PENDING metadata with a one-hour TTL so
// a never-finished project evaporates on its own, and returns the record.
func (s *Store) Create(ctx context.Context, name string) (*Metadata, error) {
	now := time.Now().UTC()
	m := &Metadata{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ttl := PendingTTL
	if err := s.write(ctx, m, &ttl); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) write(ctx context.Context, m *Metadata, ttl *time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("project store: marshal metadata: %w", err)
	}
	if err := s.blobs.Put(ctx, metadataKey(m.ID), data, blob.PutOptions{ContentType: "application/json", TTL: ttl}); err != nil {
		return fmt.Errorf("project store: write metadata: %w", err)
	}
	return nil
}

// Get loads project metadata, or (nil, nil) on miss.
func (s *Store) Get(ctx context.Context, id string) (*Metadata, error) {
	data, _, err := s.blobs.Get(ctx, metadataKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("project store: unmarshal metadata %s: %w", id, err)
	}
	return &m, nil
}

// MarkReady transitions a project to READY, clearing the PENDING TTL
// (spec §4.4, §4.7 step 5). Callers must have already validated the
// transition is legal (status != READY).
func (s *Store) MarkReady(ctx context.Context, m *Metadata) error {
	m.Status = StatusReady
	m.UpdatedAt = time.Now().UTC()
	return s.write(ctx, m, nil)
}

// MarkError transitions a project to ERROR (spec §4.7 step 6). The TTL is
// left unset; ERROR projects are reaped by the watchdog (C10) after 30
// minutes, not by blob expiry.
func (s *Store) MarkError(ctx context.Context, m *Metadata) error {
	m.Status = StatusError
	m.UpdatedAt = time.Now().UTC()
	return s.write(ctx, m, nil)
}

// Update persists arbitrary metadata field changes the caller already
// applied to m (used by C7's commit step for name/assetsCount/config/etc).
func (s *Store) Update(ctx context.Context, m *Metadata) error {
	m.UpdatedAt = time.Now().UTC()
	return s.write(ctx, m, nil)
}

// ListPage is one page of a project listing.
type ListPage struct {
	Projects   []Metadata
	NextCursor string
}

// listCursor is the cursor List actually walks: the underlying store's
// page cursor plus a skip offset into that page's keys. A plain store
// cursor alone can't represent "stopped partway through an oversized
// store page" — the store page mixes metadata keys with session/asset
// keys and is typically far larger than the caller's limit, so List
// often has to stop before exhausting it. Resuming at the store's
// NextCursor (the last key of the *whole* page) would skip every
// unconsumed key after the stopping point; encoding the skip offset
// alongside the page's own starting cursor lets the next call re-fetch
// the same store page and continue exactly where it left off (spec
// §4.4's "no duplicates / no drops across pages" invariant).
type listCursor struct {
	storeCursor string
	skip        int
}

func encodeListCursor(c listCursor) string {
	if c.storeCursor == "" && c.skip == 0 {
		return ""
	}
	return strconv.Itoa(c.skip) + ":" + c.storeCursor
}

func decodeListCursor(s string) listCursor {
	if s == "" {
		return listCursor{}
	}
	skipStr, storeCursor, found := strings.Cut(s, ":")
	if !found {
		return listCursor{storeCursor: s}
	}
	skip, err := strconv.Atoi(skipStr)
	if err != nil {
		return listCursor{storeCursor: s}
	}
	return listCursor{storeCursor: storeCursor, skip: skip}
}

// List returns up to limit projects (clamped to [1,100] per spec §4.4)
// under the project/ prefix, filtered to /metadata keys, starting after
// cursor. The cursor is opaque to callers — internally it walks
// underlying store pages (which include non-metadata keys like sessions
// and assets) until it accumulates `limit` metadata hits or the store is
// exhausted, so callers never see duplicates or drops across pages even
// though the store's raw pages mix key kinds and are usually much larger
// than limit.
func (s *Store) List(ctx context.Context, limit int, cursor string) (*ListPage, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	const storePageSize = 200
	cur := decodeListCursor(cursor)
	var out []Metadata

	for {
		page, err := s.blobs.List(ctx, projectPrefix, cur.storeCursor, storePageSize)
		if err != nil {
			return nil, fmt.Errorf("project store: list: %w", err)
		}

		skip := cur.skip
		if skip > len(page.Keys) {
			skip = len(page.Keys)
		}
		consumed := skip
		for _, k := range page.Keys[skip:] {
			consumed++
			if !strings.HasSuffix(k, metadataSuffix) {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(k, projectPrefix), metadataSuffix)
			m, err := s.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if m == nil {
				continue // evaporated between list and get
			}
			out = append(out, *m)
			if len(out) == limit {
				break
			}
		}

		if len(out) == limit {
			if consumed < len(page.Keys) {
				// Stopped mid-page: resume at this same store page, skipping
				// what's already been consumed from it.
				next := encodeListCursor(listCursor{storeCursor: cur.storeCursor, skip: consumed})
				return &ListPage{Projects: out, NextCursor: next}, nil
			}
			if page.Complete {
				return &ListPage{Projects: out, NextCursor: ""}, nil
			}
			next := encodeListCursor(listCursor{storeCursor: page.NextCursor, skip: 0})
			return &ListPage{Projects: out, NextCursor: next}, nil
		}

		if page.Complete || len(page.Keys) == 0 {
			return &ListPage{Projects: out, NextCursor: ""}, nil
		}
		cur = listCursor{storeCursor: page.NextCursor, skip: 0}
	}
}

// Delete cascades: asset blobs, server-code modules (if any), any leftover
// upload sessions, then the metadata key itself (spec §4.4).
func (s *Store) Delete(ctx context.Context, id string) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if _, err := s.blobs.DeleteAllByPrefix(ctx, assetPrefix(id)); err != nil {
		return fmt.Errorf("project store: delete assets: %w", err)
	}
	if m.HasServerCode {
		if _, err := s.blobs.DeleteAllByPrefix(ctx, modulePrefix(id)); err != nil {
			return fmt.Errorf("project store: delete modules: %w", err)
		}
	}
	if _, err := s.blobs.DeleteAllByPrefix(ctx, sessionPrefix(id)); err != nil {
		return fmt.Errorf("project store: delete sessions: %w", err)
	}
	if err := s.blobs.Delete(ctx, metadataKey(id)); err != nil {
		return fmt.Errorf("project store: delete metadata: %w", err)
	}
	return nil
}

// CreateSession writes a new upload-session record with a one-hour TTL.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	sess.CreatedAt = time.Now().UTC()
	return s.writeSession(ctx, sess)
}

// GetSession loads a session record, or (nil, nil) on miss.
func (s *Store) GetSession(ctx context.Context, projectID, sessionID string) (*Session, error) {
	data, _, err := s.blobs.Get(ctx, sessionKey(projectID, sessionID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("project store: unmarshal session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// UpdateSession writes sess back with the TTL reset to one hour, per the
// read-modify-write contract in spec §4.6 phase 2 step 4.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	return s.writeSession(ctx, sess)
}

func (s *Store) writeSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("project store: marshal session: %w", err)
	}
	ttl := SessionTTL
	if err := s.blobs.Put(ctx, sessionKey(sess.ProjectID, sess.ID), data, blob.PutOptions{ContentType: "application/json", TTL: &ttl}); err != nil {
		return fmt.Errorf("project store: write session: %w", err)
	}
	return nil
}

// DeleteSession removes a session record (single-use consumption, spec
// §4.7 step 3c).
func (s *Store) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	return s.blobs.Delete(ctx, sessionKey(projectID, sessionID))
}

// Age returns how long ago t was, clamped to zero for future timestamps.
func Age(t time.Time) time.Duration {
	d := time.Since(t)
	if d < 0 {
		return 0
	}
	return d
}
