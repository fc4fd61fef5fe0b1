package router

import (
	"encoding/json"
	"fmt"

	"github.com/deployctl/deployctl/internal/executor"
)

// wireManifest is the JSON shape package deploy writes to
// project/{id}/module/MANIFEST (spec §4.7 step 4c). It's decoded here
// rather than shared as an exported type from deploy, since the router
// only ever reads it back — deploy is a write-only producer of this key.
type wireManifest struct {
	Entrypoint        string                    `json:"entrypoint"`
	Modules           map[string]wireModuleRef  `json:"modules"`
	CompatibilityDate string                    `json:"compatibilityDate"`
	Env               map[string]string         `json:"env,omitempty"`
}

type wireModuleRef struct {
	Hash string `json:"hash"`
	Type string `json:"type"`
}

func decodeServerManifest(data []byte) (*executor.Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("router: decode module manifest: %w", err)
	}
	modules := make(map[string]executor.ModuleRef, len(w.Modules))
	for path, ref := range w.Modules {
		modules[path] = executor.ModuleRef{Hash: ref.Hash, Type: ref.Type}
	}
	return &executor.Manifest{
		Entrypoint:        w.Entrypoint,
		Modules:           modules,
		CompatibilityDate: w.CompatibilityDate,
		Env:               w.Env,
	}, nil
}
