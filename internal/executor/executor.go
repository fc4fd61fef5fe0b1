// Package executor defines the "server-code executor" collaborator named
// in spec §1/§9: a component that compiles and invokes uploaded server
// code. It is deliberately out of scope for the core — the core only
// depends on the one-method interface spec §9 names ("Dynamic worker
// loading via host → abstract server-code executor interface with one
// method run(manifest, moduleBytesByPath, request, bindings) → Response.
// The core never interprets module bytes itself.") — so this package
// holds only the interface, the ASSETS-binding loopback shape, and a stub
// implementation a real executor would replace.
package executor

import (
	"context"
	"fmt"
	"net/http"
)

// ModuleRef is one entry of a server-code manifest's modules map.
type ModuleRef struct {
	Hash string
	Type string
}

// Manifest is the server-code manifest the executor is handed alongside
// module bytes (spec §3's ServerCodeManifest, minus the storage detail of
// where each module's bytes actually live).
type Manifest struct {
	Entrypoint        string
	Modules           map[string]ModuleRef
	CompatibilityDate string
	Env               map[string]string
}

// Assets is the loopback binding server code uses to fall through to the
// asset pipeline (spec §4.9 step 10, "ASSETS binding that loops back into
// the asset pipeline for this project/config"). C9's router supplies the
// concrete implementation.
type Assets interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// Bindings are the host capabilities exposed to executed server code.
type Bindings struct {
	Assets Assets
	Env    map[string]string
}

// Executor runs a project's server code against one request. The core
// hands it a manifest plus raw module bytes and expects back a complete
// HTTP response; it never parses or executes module bytes itself.
type Executor interface {
	Run(ctx context.Context, manifest Manifest, moduleBytes map[string][]byte, r *http.Request, bindings Bindings) (*http.Response, error)
}

// Unconfigured is the default Executor used when no real executor has
// been wired in (e.g. local development without a worker runtime). It
// always fails, which the caller treats the same as a circuit-broken
// collaborator: assets-only serving continues, server-code paths 501.
type Unconfigured struct{}

func (Unconfigured) Run(ctx context.Context, manifest Manifest, moduleBytes map[string][]byte, r *http.Request, bindings Bindings) (*http.Response, error) {
	return nil, fmt.Errorf("server-code executor not configured")
}
