package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/deployctl/deployctl/internal/apierr"
	"github.com/deployctl/deployctl/internal/deploy"
	"github.com/deployctl/deployctl/internal/events"
	"github.com/deployctl/deployctl/internal/project"
	temporalpkg "github.com/deployctl/deployctl/internal/temporal"
	"github.com/deployctl/deployctl/internal/upload"
)

// maxProjectNameLen is the spec §6 limits-table cap on project names.
const maxProjectNameLen = 128

type successEnvelope struct {
	Success bool `json:"success"`
}

type createProjectRequest struct {
	Name *string `json:"name"`
}

type projectResponse struct {
	Success bool              `json:"success"`
	Project *project.Metadata `json:"project"`
}

// ProjectsCreateHandler implements POST /__api/projects.
func ProjectsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProjectRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				apierr.Write(w, apierr.New(apierr.Validation, "malformed request body: %s", err))
				return
			}
		}
		name := ""
		if req.Name != nil {
			name = *req.Name
			if name == "" {
				apierr.Write(w, apierr.New(apierr.Validation, "name must not be empty when provided"))
				return
			}
			if len(name) > maxProjectNameLen {
				apierr.Write(w, apierr.New(apierr.Validation, "name exceeds max length of %d", maxProjectNameLen))
				return
			}
		}

		m, err := d.Projects.Create(r.Context(), name)
		if err != nil {
			apierr.Write(w, wrapInternal("create project", err))
			return
		}
		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{Type: events.EventProjectCreated, ProjectID: m.ID, ProjectName: m.Name})
		}
		apierr.WriteJSON(w, http.StatusCreated, projectResponse{Success: true, Project: m})
	}
}

type listProjectsResponse struct {
	Success    bool               `json:"success"`
	Projects   []project.Metadata `json:"projects"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// ProjectsListHandler implements GET /__api/projects?limit=&cursor=.
func ProjectsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		cursor := r.URL.Query().Get("cursor")

		page, err := d.Projects.List(r.Context(), limit, cursor)
		if err != nil {
			apierr.Write(w, wrapInternal("list projects", err))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, listProjectsResponse{
			Success:    true,
			Projects:   page.Projects,
			NextCursor: page.NextCursor,
		})
	}
}

// ProjectsGetHandler implements GET /__api/projects/{id}.
func ProjectsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, err := d.Projects.Get(r.Context(), id)
		if err != nil {
			apierr.Write(w, wrapInternal("get project", err))
			return
		}
		if m == nil {
			apierr.Write(w, apierr.New(apierr.NotFound, "project not found"))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, projectResponse{Success: true, Project: m})
	}
}

// ProjectsDeleteHandler implements DELETE /__api/projects/{id}.
func ProjectsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Projects.Delete(r.Context(), id); err != nil {
			apierr.Write(w, wrapInternal("delete project", err))
			return
		}
		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{Type: events.EventProjectDeleted, ProjectID: id})
		}
		apierr.WriteJSON(w, http.StatusOK, successEnvelope{Success: true})
	}
}

type uploadSessionRequest struct {
	Manifest map[string]upload.ManifestEntry `json:"manifest"`
}

type uploadSessionResponse struct {
	Success   bool       `json:"success"`
	SessionID string     `json:"sessionId"`
	JWT       string     `json:"jwt"`
	Buckets   [][]string `json:"buckets"`
}

// UploadSessionHandler implements POST /__api/projects/{id}/assets-upload-session.
func UploadSessionHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req uploadSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.Write(w, apierr.New(apierr.Validation, "malformed request body: %s", err))
			return
		}
		res, err := d.Upload.CreateSession(r.Context(), id, req.Manifest)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		apierr.WriteJSON(w, http.StatusOK, uploadSessionResponse{
			Success:   true,
			SessionID: res.SessionID,
			JWT:       res.JWT,
			Buckets:   res.Buckets,
		})
	}
}

type uploadChunkResponse struct {
	Success bool   `json:"success"`
	JWT     string `json:"jwt,omitempty"`
}

// UploadChunkHandler implements POST /__api/projects/{id}/assets/upload.
// This is the one route spec §4.11 exempts from admin-token auth — it
// authenticates with the phase-2 JWT carried in the Authorization header
// instead (spec §4.6 phase 2).
func UploadChunkHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		token := extractToken(r.Header.Get("Authorization"))
		if token == "" {
			apierr.Write(w, apierr.New(apierr.Auth, "missing upload token"))
			return
		}
		var chunk map[string]string
		if err := json.NewDecoder(r.Body).Decode(&chunk); err != nil {
			apierr.Write(w, apierr.New(apierr.Validation, "malformed request body: %s", err))
			return
		}
		res, err := d.Upload.UploadChunk(r.Context(), id, token, chunk)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		apierr.WriteJSON(w, res.Status, uploadChunkResponse{Success: true, JWT: res.JWT})
	}
}

// moduleWire decodes a deploy payload's server.modules entry, which is
// either a raw base64 string or an explicit {content,type} object (spec
// §4.7 step 4a).
type moduleWire struct {
	Content string
	Type    string
}

func (m *moduleWire) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Content = s
		return nil
	}
	var obj struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.Content, m.Type = obj.Content, obj.Type
	return nil
}

type serverWire struct {
	Entrypoint string                `json:"entrypoint"`
	Modules    map[string]moduleWire `json:"modules"`
}

type deployRequest struct {
	Name           string                 `json:"name,omitempty"`
	CompletionJWT  string                 `json:"completionJwt,omitempty"`
	Server         *serverWire            `json:"server,omitempty"`
	Config         *project.ServingConfig `json:"config,omitempty"`
	RunWorkerFirst json.RawMessage        `json:"runWorkerFirst,omitempty"`
	Env            map[string]string      `json:"env,omitempty"`
	AssetsCount    int                    `json:"assetsCount,omitempty"`
}

// parseRunWorkerFirst decodes the union type spec §3/§4.9 allows: a bare
// bool (`true` means "always run the worker first") or a list of glob
// patterns.
func parseRunWorkerFirst(raw json.RawMessage) (*project.RunWorkerFirst, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &project.RunWorkerFirst{Always: b}, nil
	}
	var patterns []string
	if err := json.Unmarshal(raw, &patterns); err != nil {
		return nil, apierr.New(apierr.Validation, "runWorkerFirst must be a bool or a list of patterns")
	}
	return &project.RunWorkerFirst{Patterns: patterns}, nil
}

type deployResponse struct {
	Success       bool              `json:"success"`
	Project       *project.Metadata `json:"project"`
	NewAssets     int               `json:"newAssets"`
	SkippedAssets int               `json:"skippedAssets"`
}

// deployAcceptedResponse is returned for ?async=true once the deploy has
// been handed to Temporal instead of run inline.
type deployAcceptedResponse struct {
	Success    bool   `json:"success"`
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

// DeployHandler implements POST /__api/projects/{id}/deploy. With
// ?async=true and Temporal configured, the finalize step runs as a
// DeployWorkflow instead of inline, and the handler returns 202 with the
// workflow/run ID rather than waiting on the result.
func DeployHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var wire deployRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			apierr.Write(w, apierr.New(apierr.Validation, "malformed request body: %s", err))
			return
		}

		runWorkerFirst, err := parseRunWorkerFirst(wire.RunWorkerFirst)
		if err != nil {
			apierr.Write(w, err)
			return
		}

		req := deploy.Request{
			ProjectName:    wire.Name,
			CompletionJWT:  wire.CompletionJWT,
			Config:         wire.Config,
			RunWorkerFirst: runWorkerFirst,
			Env:            wire.Env,
			AssetsCount:    wire.AssetsCount,
		}
		if wire.Server != nil {
			modules := make(map[string]deploy.ModuleInput, len(wire.Server.Modules))
			for path, m := range wire.Server.Modules {
				modules[path] = deploy.ModuleInput{Content: m.Content, Type: m.Type}
			}
			req.Server = &deploy.Server{Entrypoint: wire.Server.Entrypoint, Modules: modules}
		}

		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{Type: events.EventDeployStarted, ProjectID: id})
		}

		if d.Temporal != nil && r.URL.Query().Get("async") == "true" {
			opts := temporalclient.StartWorkflowOptions{
				ID:        fmt.Sprintf("deploy-%s-%d", id, time.Now().UnixNano()),
				TaskQueue: d.Temporal.TaskQueue(),
			}
			run, err := d.Temporal.Client().ExecuteWorkflow(r.Context(), opts, temporalpkg.DeployWorkflow, temporalpkg.DeployInput{ProjectID: id, Request: req})
			if err != nil {
				if d.EventBus != nil {
					d.EventBus.Publish(events.Event{Type: events.EventDeployFailed, ProjectID: id, ErrorMsg: err.Error()})
				}
				apierr.Write(w, wrapInternal("dispatch deploy workflow", err))
				return
			}
			apierr.WriteJSON(w, http.StatusAccepted, deployAcceptedResponse{
				Success:    true,
				WorkflowID: run.GetID(),
				RunID:      run.GetRunID(),
			})
			return
		}

		result, err := d.Deploy.Finalize(r.Context(), id, req)
		if err != nil {
			if d.EventBus != nil {
				d.EventBus.Publish(events.Event{Type: events.EventDeployFailed, ProjectID: id, ErrorMsg: err.Error()})
			}
			apierr.Write(w, err)
			return
		}
		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{Type: events.EventDeploySucceeded, ProjectID: id, NewAssets: result.NewAssets, SkippedAssets: result.SkippedAssets})
		}
		apierr.WriteJSON(w, http.StatusOK, deployResponse{
			Success:       true,
			Project:       result.Project,
			NewAssets:     result.NewAssets,
			SkippedAssets: result.SkippedAssets,
		})
	}
}

// wrapInternal matches spec §7's propagation policy: non-validation,
// non-auth errors are wrapped as "<operation> failed: <message>" before
// reaching the client.
func wrapInternal(op string, err error) error {
	if _, ok := err.(*apierr.Error); ok {
		return err
	}
	return apierr.New(apierr.Internal, "%s failed: %s", op, err.Error())
}
