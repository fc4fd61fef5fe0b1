// Package deploy implements the deployment finalizer (C7, spec §4.7):
// asset-manifest finalization from a completed upload session,
// server-code module finalization, and the commit step that flips a
// project to READY. It is the one place a project transitions out of
// PENDING, so every step before the commit is validate-only — nothing
// is written that can't be cleanly abandoned if a later step fails.
//
// Grounded on internal/app/server.go's validate-everything-then-commit
// sequencing style: gather and check all inputs first, mutate nothing
// until the point of no return, and on any failure before that point
// mark the project ERROR rather than leaving it silently PENDING.
package deploy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/deployctl/deployctl/internal/apierr"
	"github.com/deployctl/deployctl/internal/blob"
	"github.com/deployctl/deployctl/internal/content"
	"github.com/deployctl/deployctl/internal/jwt"
	"github.com/deployctl/deployctl/internal/manifest"
	"github.com/deployctl/deployctl/internal/project"
)

// Limits enforced on a deploy payload, per spec §6.
const (
	MaxServerModules  = 500
	MaxModuleFileSize = 10 * 1024 * 1024 // 10 MiB
	DefaultCompatDate = "2025-11-09"
)

// ModuleInput is one entry of a deploy payload's server.modules map: either
// a raw base64 string, or an explicit {content,type} pair (spec §4.7 step
// 4a, "base64 string *or* {content, type}").
type ModuleInput struct {
	Content string
	Type    string // optional; inferred from path extension when empty
}

// Server is the server-code portion of a deploy payload.
type Server struct {
	Entrypoint string
	Modules    map[string]ModuleInput
}

// Request is the full deploy payload (spec §4.7 input).
type Request struct {
	ProjectName    string
	CompletionJWT  string
	Server         *Server
	Config         *project.ServingConfig
	RunWorkerFirst *project.RunWorkerFirst
	Env            map[string]string
	AssetsCount    int
}

// Finalizer runs the deploy protocol against a project and blob store.
type Finalizer struct {
	blobs    *blob.Store
	projects *project.Store
	signer   *jwt.Signer
}

// New builds a Finalizer.
func New(blobs *blob.Store, projects *project.Store, signer *jwt.Signer) *Finalizer {
	return &Finalizer{blobs: blobs, projects: projects, signer: signer}
}

func assetKey(projectID, hash string) string  { return fmt.Sprintf("project/%s/asset/%s", projectID, hash) }
func moduleKey(projectID, hash string) string { return fmt.Sprintf("project/%s/module/%s", projectID, hash) }
func manifestKey(projectID string) string     { return fmt.Sprintf("project/%s/manifest", projectID) }
func moduleManifestKey(projectID string) string {
	return fmt.Sprintf("project/%s/module/MANIFEST", projectID)
}

// Result is the outcome of a successful Finalize call: the committed
// project plus the dedup counts from asset finalization (spec §4.7 step
// 3e / Testable Properties scenario E). NewAssets/SkippedAssets are zero
// when the deploy carried no completion token (server-code-only redeploy).
type Result struct {
	Project       *project.Metadata
	NewAssets     int
	SkippedAssets int
}

// Finalize runs spec §4.7 steps 1-6: load/validate, asset finalization,
// server-code finalization, then commit (or mark ERROR on failure).
func (f *Finalizer) Finalize(ctx context.Context, projectID string, req Request) (*Result, error) {
	meta, err := f.projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("deploy: load project: %w", err)
	}
	if meta == nil {
		return nil, apierr.New(apierr.NotFound, "project not found")
	}
	if meta.Status == project.StatusReady {
		return nil, apierr.New(apierr.Conflict, "project is already deployed")
	}

	if err := validate(req); err != nil {
		return nil, err
	}

	hasServerCode := meta.HasServerCode
	var newAssets, skippedAssets int
	if req.CompletionJWT != "" {
		newAssets, skippedAssets, err = f.finalizeAssets(ctx, projectID, req.CompletionJWT)
		if err != nil {
			f.markError(ctx, projectID)
			return nil, err
		}
	}
	if req.Server != nil {
		if err := f.finalizeServerCode(ctx, projectID, req.Server, req.Env); err != nil {
			f.markError(ctx, projectID)
			return nil, err
		}
		hasServerCode = true
	}

	committed, err := f.commit(ctx, projectID, req, hasServerCode)
	if err != nil {
		return nil, err
	}
	return &Result{Project: committed, NewAssets: newAssets, SkippedAssets: skippedAssets}, nil
}

func validate(req Request) error {
	if req.Server == nil {
		return nil
	}
	if len(req.Server.Modules) > MaxServerModules {
		return apierr.New(apierr.Validation, "server has %d modules, exceeds max of %d", len(req.Server.Modules), MaxServerModules)
	}
	for path, m := range req.Server.Modules {
		raw, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			return apierr.New(apierr.Validation, "invalid base64 for module %q", path)
		}
		if len(raw) > MaxModuleFileSize {
			return apierr.NewWithStatus(apierr.Validation, 413, "module %q exceeds max size of %d bytes", path, MaxModuleFileSize)
		}
	}
	return nil
}

// finalizeAssets implements spec §4.7 step 3: verify the completion JWT,
// re-check it against the session's own record (blocking replay after
// session expiry or a parallel deploy), consume the session, and write
// the binary asset manifest.
func (f *Finalizer) finalizeAssets(ctx context.Context, projectID, completionJWT string) (newAssets, skippedAssets int, err error) {
	claims, ok := f.signer.Verify(completionJWT)
	if !ok || claims.Phase != "complete" || claims.ProjectID != projectID {
		return 0, 0, apierr.New(apierr.Auth, "invalid or expired completion token")
	}

	sess, err := f.projects.GetSession(ctx, projectID, claims.SessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("deploy: load session: %w", err)
	}
	if sess == nil || sess.CompletionToken != completionJWT {
		return 0, 0, apierr.New(apierr.Auth, "completion token does not match an active session")
	}

	// The session's bucket assignment from phase 1 is exactly the set of
	// hashes that were NOT already present in the blob store at session
	// creation (spec §4.6 phase 1); everything else was a dedup hit.
	uploaded := make(map[string]bool)
	for _, bucket := range sess.Buckets {
		for _, h := range bucket {
			uploaded[h] = true
		}
	}
	uniqueHashes := make(map[string]bool, len(claims.Manifest))
	for _, asset := range claims.Manifest {
		uniqueHashes[asset.Hash] = true
	}
	newAssets = len(uploaded)
	skippedAssets = len(uniqueHashes) - newAssets

	if err := f.projects.DeleteSession(ctx, projectID, sess.ID); err != nil {
		return 0, 0, fmt.Errorf("deploy: consume session: %w", err)
	}

	entries := make([]manifest.Entry, 0, len(claims.Manifest))
	keys := make([]string, 0, len(claims.Manifest))
	for path, asset := range claims.Manifest {
		if !content.IsValidContentHash(asset.Hash) {
			return 0, 0, apierr.New(apierr.Validation, "invalid content hash for %q in completion token", path)
		}
		entries = append(entries, manifest.Entry{Pathname: path, ContentHash: asset.Hash})
		keys = append(keys, assetKey(projectID, asset.Hash))
	}

	// A missing blob here is advisory only (spec §4.7 step 3e): a client
	// reaching finalize should have already completed phase 2. The
	// presence result is not inspected: a missing blob does not stop the
	// deploy, and only a store error from the check aborts it.
	if _, err := f.blobs.BatchExists(ctx, keys); err != nil {
		return 0, 0, fmt.Errorf("deploy: check asset presence: %w", err)
	}

	encoded, err := manifest.Encode(entries)
	if err != nil {
		return 0, 0, fmt.Errorf("deploy: encode asset manifest: %w", err)
	}
	if err := f.blobs.Put(ctx, manifestKey(projectID), encoded, blob.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		return 0, 0, fmt.Errorf("deploy: write asset manifest: %w", err)
	}
	return newAssets, skippedAssets, nil
}

// finalizeServerCode implements spec §4.7 step 4: decode each module,
// dedup against already-stored modules for this project (so redeploying
// unchanged code costs nothing), and write the module manifest.
func (f *Finalizer) finalizeServerCode(ctx context.Context, projectID string, server *Server, env map[string]string) error {
	type decoded struct {
		path string
		raw  []byte
		typ  content.ModuleType
		hash string
	}
	entries := make([]decoded, 0, len(server.Modules))
	keys := make([]string, 0, len(server.Modules))
	for path, m := range server.Modules {
		raw, err := base64.StdEncoding.DecodeString(m.Content)
		if err != nil {
			return apierr.New(apierr.Validation, "invalid base64 for module %q", path)
		}
		typ := content.ModuleType(m.Type)
		if typ == "" || !content.ValidModuleTypes[typ] {
			typ = content.InferModuleType(path)
		}
		hash := content.Hash(raw)
		entries = append(entries, decoded{path: path, raw: raw, typ: typ, hash: hash})
		keys = append(keys, moduleKey(projectID, hash))
	}

	present, err := f.blobs.BatchExists(ctx, keys)
	if err != nil {
		return fmt.Errorf("deploy: check module presence: %w", err)
	}

	moduleRefs := make(map[string]moduleManifestEntry, len(entries))
	for i, e := range entries {
		if !present[keys[i]] {
			if err := f.blobs.Put(ctx, keys[i], e.raw, blob.PutOptions{ContentType: "application/octet-stream"}); err != nil {
				return fmt.Errorf("deploy: write module %q: %w", e.path, err)
			}
		}
		moduleRefs[e.path] = moduleManifestEntry{Hash: e.hash, Type: string(e.typ)}
	}

	mm := serverCodeManifest{
		Entrypoint:        server.Entrypoint,
		Modules:           moduleRefs,
		CompatibilityDate: DefaultCompatDate,
		Env:               env,
	}
	data, err := json.Marshal(mm)
	if err != nil {
		return fmt.Errorf("deploy: marshal module manifest: %w", err)
	}
	if err := f.blobs.Put(ctx, moduleManifestKey(projectID), data, blob.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("deploy: write module manifest: %w", err)
	}
	return nil
}

// commit implements spec §4.7 step 5: re-fetch metadata (bailing out if the
// project vanished mid-deploy, "no resurrection"), apply the requested
// fields, and transition to READY.
func (f *Finalizer) commit(ctx context.Context, projectID string, req Request, hasServerCode bool) (*project.Metadata, error) {
	meta, err := f.projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("deploy: re-load project: %w", err)
	}
	if meta == nil {
		return nil, apierr.New(apierr.NotFound, "project was deleted during deployment")
	}

	if req.ProjectName != "" {
		meta.Name = req.ProjectName
	}
	if req.AssetsCount > 0 {
		meta.AssetsCount = req.AssetsCount
	}
	if req.Config != nil {
		meta.Config = req.Config
	}
	if req.RunWorkerFirst != nil {
		meta.RunWorkerFirst = req.RunWorkerFirst
	}
	meta.HasServerCode = hasServerCode

	if err := f.projects.MarkReady(ctx, meta); err != nil {
		return nil, fmt.Errorf("deploy: commit: %w", err)
	}
	return meta, nil
}

// markError implements spec §4.7 step 6: best-effort transition to ERROR.
// Failure to do so is ignored, not logged or surfaced — the original
// deploy error is what matters to the client.
func (f *Finalizer) markError(ctx context.Context, projectID string) {
	meta, err := f.projects.Get(ctx, projectID)
	if err != nil || meta == nil {
		return
	}
	_ = f.projects.MarkError(ctx, meta)
}

type moduleManifestEntry struct {
	Hash string `json:"hash"`
	Type string `json:"type"`
}

type serverCodeManifest struct {
	Entrypoint        string                         `json:"entrypoint"`
	Modules           map[string]moduleManifestEntry `json:"modules"`
	CompatibilityDate string                         `json:"compatibilityDate"`
	Env               map[string]string              `json:"env,omitempty"`
}

