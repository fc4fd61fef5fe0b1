// Package upload implements the three-phase deduplicating upload protocol
// (C6, spec §4.6): manifest validation, dedup check against existing
// blobs, bucket assignment, per-chunk upload with integrity checks, and
// completion-token minting. Phase 3 (finalize) lives in package deploy,
// which consumes the session records this package writes.
package upload

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/deployctl/deployctl/internal/apierr"
	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/content"
	"github.com/deployctl/deployctl/internal/jwt"
	"github.com/deployctl/deployctl/internal/project"
)

// Engine runs the upload-session protocol against a project store and
// blob store, minting JWTs with the given signer.
type Engine struct {
	blobs    *blob.Store
	projects *project.Store
	signer   *jwt.Signer
	locks    *sessionLocks
}

// New builds an Engine.
func New(blobs *blob.Store, projects *project.Store, signer *jwt.Signer) *Engine {
	return &Engine{blobs: blobs, projects: projects, signer: signer, locks: newSessionLocks()}
}

// Stop releases background resources (the per-session lock pruner).
func (e *Engine) Stop() { e.locks.Stop() }

// ManifestEntry is one path's declared hash/size in a phase-1 request.
type ManifestEntry struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// CreateSessionResult is the phase-1 response (spec §4.6 phase 1).
type CreateSessionResult struct {
	SessionID string     `json:"sessionId"`
	JWT       string     `json:"jwt"`
	Buckets   [][]string `json:"buckets"`
}

// CreateSession implements phase 1: validate the manifest, compute the
// set of hashes not already present in the blob store, split the work
// into buckets of up to 10 hashes, and mint either an upload token (more
// work to do) or a completion token (full cache hit).
func (e *Engine) CreateSession(ctx context.Context, projectID string, manifest map[string]ManifestEntry) (*CreateSessionResult, error) {
	if err := validateManifest(manifest); err != nil {
		return nil, err
	}

	uniqueHashes := make(map[string]bool)
	for _, entry := range manifest {
		uniqueHashes[entry.Hash] = true
	}
	hashList := make([]string, 0, len(uniqueHashes))
	for h := range uniqueHashes {
		hashList = append(hashList, h)
	}
	sort.Strings(hashList) // deterministic bucket order

	keys := make([]string, len(hashList))
	for i, h := range hashList {
		keys[i] = assetKey(projectID, h)
	}
	present, err := e.blobs.BatchExists(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("upload session: check existing blobs: %w", err)
	}

	var workSet []string
	for i, h := range hashList {
		if !present[keys[i]] {
			workSet = append(workSet, h)
		}
	}

	var buckets [][]string
	for i := 0; i < len(workSet); i += BucketSize {
		end := i + BucketSize
		if end > len(workSet) {
			end = len(workSet)
		}
		buckets = append(buckets, workSet[i:end])
	}

	jwtManifest := make(map[string]jwt.Asset, len(manifest))
	for path, entry := range manifest {
		jwtManifest[path] = jwt.Asset{Hash: entry.Hash, Size: entry.Size}
	}

	sess := &project.Session{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Manifest:       jwtManifest,
		Buckets:        buckets,
		UploadedHashes: map[string]bool{},
	}

	var token string
	if len(buckets) == 0 {
		token, err = e.signer.IssueCompletion(sess.ID, projectID, jwtManifest)
		if err != nil {
			return nil, fmt.Errorf("upload session: mint completion token: %w", err)
		}
		sess.CompletionToken = token
	} else {
		token, err = e.signer.IssueUpload(sess.ID, projectID)
		if err != nil {
			return nil, fmt.Errorf("upload session: mint upload token: %w", err)
		}
	}

	if err := e.projects.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("upload session: create: %w", err)
	}

	return &CreateSessionResult{SessionID: sess.ID, JWT: token, Buckets: buckets}, nil
}

func validateManifest(manifest map[string]ManifestEntry) error {
	if len(manifest) > MaxManifestEntries {
		return apierr.New(apierr.Validation, "manifest has %d entries, exceeds max of %d", len(manifest), MaxManifestEntries)
	}
	for path, entry := range manifest {
		if !isValidPathname(path) {
			return apierr.New(apierr.Validation, "invalid pathname %q", path)
		}
		if !content.IsValidContentHash(entry.Hash) {
			return apierr.New(apierr.Validation, "invalid content hash for %q", path)
		}
		if entry.Size < 0 || entry.Size > MaxAssetFileSize {
			return apierr.New(apierr.Validation, "invalid size for %q", path)
		}
	}
	return nil
}

func assetKey(projectID, hash string) string {
	return fmt.Sprintf("project/%s/asset/%s", projectID, hash)
}

// UploadChunkResult is the phase-2 response (spec §4.6 phase 2 step 5).
type UploadChunkResult struct {
	Status int
	JWT    string // empty when the session is not yet complete
}

// UploadChunk implements phase 2: verify the bearer token, validate and
// integrity-check each entry in the chunk, store new blobs, and mint a
// completion token once every hash across every bucket has been uploaded.
func (e *Engine) UploadChunk(ctx context.Context, projectID, bearerToken string, chunk map[string]string) (*UploadChunkResult, error) {
	claims, ok := e.signer.Verify(bearerToken)
	if !ok || claims.Phase != "upload" || claims.ProjectID != projectID {
		return nil, apierr.New(apierr.Auth, "invalid or expired upload token")
	}
	if len(chunk) > MaxChunkEntries {
		return nil, apierr.New(apierr.Validation, "chunk has %d entries, exceeds max of %d", len(chunk), MaxChunkEntries)
	}

	unlock := e.locks.Lock(sessionLockKey(projectID, claims.SessionID))
	defer unlock()

	sess, err := e.projects.GetSession(ctx, projectID, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("upload chunk: load session: %w", err)
	}
	if sess == nil {
		return nil, apierr.New(apierr.NotFound, "upload session not found")
	}

	pathByHash := make(map[string]string, len(sess.Manifest))
	for path, asset := range sess.Manifest {
		if _, exists := pathByHash[asset.Hash]; !exists {
			pathByHash[asset.Hash] = path
		}
	}

	for hash, b64 := range chunk {
		declaredPath, inManifest := pathByHash[hash]
		if !inManifest {
			return nil, apierr.New(apierr.Validation, "hash %s not present in session manifest", hash)
		}
		if sess.UploadedHashes[hash] {
			return nil, apierr.New(apierr.Validation, "hash %s already uploaded in this session", hash)
		}

		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, apierr.New(apierr.Validation, "invalid base64 for hash %s", hash)
		}
		actual := content.Hash(raw)
		if subtle.ConstantTimeCompare([]byte(actual), []byte(hash)) != 1 {
			return nil, apierr.New(apierr.Validation, "content hash mismatch for %s", hash)
		}
		if entry, ok := sess.Manifest[declaredPath]; ok && entry.Size != 0 && int64(len(raw)) != entry.Size {
			return nil, apierr.New(apierr.Validation, "size mismatch for %s", declaredPath)
		}

		ct := content.GuessContentType(declaredPath)
		if err := e.blobs.Put(ctx, assetKey(projectID, hash), raw, blob.PutOptions{ContentType: ct}); err != nil {
			return nil, fmt.Errorf("upload chunk: store blob: %w", err)
		}
		sess.UploadedHashes[hash] = true
	}

	if err := e.projects.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("upload chunk: update session: %w", err)
	}

	if allUploaded(sess) {
		token, err := e.signer.IssueCompletion(sess.ID, projectID, sess.Manifest)
		if err != nil {
			return nil, fmt.Errorf("upload chunk: mint completion token: %w", err)
		}
		sess.CompletionToken = token
		if err := e.projects.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("upload chunk: persist completion token: %w", err)
		}
		return &UploadChunkResult{Status: 201, JWT: token}, nil
	}
	return &UploadChunkResult{Status: 200}, nil
}

func allUploaded(sess *project.Session) bool {
	for _, bucket := range sess.Buckets {
		for _, hash := range bucket {
			if !sess.UploadedHashes[hash] {
				return false
			}
		}
	}
	return true
}

func sessionLockKey(projectID, sessionID string) string {
	return projectID + "/" + sessionID
}
