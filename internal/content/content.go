// Package content implements content addressing: hashing, path-hash
// truncation, and extension-based content/module type inference.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// HashSize is the length in bytes of a full SHA-256 content hash.
const HashSize = sha256.Size

// PathHashSize is the length in bytes of a truncated path hash.
const PathHashSize = 16

// Hash returns the lowercase hex-encoded SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the raw 32-byte SHA-256 digest of b.
func HashBytes(b []byte) [HashSize]byte {
	return sha256.Sum256(b)
}

// PathHash returns the first 16 bytes of the SHA-256 digest of the UTF-8
// encoding of pathname. It is used as the sort/lookup key in the binary
// asset manifest (see package manifest).
func PathHash(pathname string) [PathHashSize]byte {
	sum := sha256.Sum256([]byte(pathname))
	var out [PathHashSize]byte
	copy(out[:], sum[:PathHashSize])
	return out
}

// IsValidContentHash reports whether s is exactly 64 lowercase hex chars.
func IsValidContentHash(s string) bool {
	if len(s) != HashSize*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DecodeContentHash decodes a 64-char hex content hash into 32 raw bytes.
func DecodeContentHash(s string) ([HashSize]byte, bool) {
	var out [HashSize]byte
	if !IsValidContentHash(s) {
		return out, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// contentTypes is the closed extension → MIME type lookup table from §4.2.
var contentTypes = map[string]string{
	".html":  "text/html",
	".css":   "text/css",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".json":  "application/json",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".xml":   "application/xml",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".txt":   "text/plain",
	".md":    "text/markdown",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".otf":   "font/otf",
}

// GuessContentType returns the MIME type for pathname's extension, or ""
// if the extension is missing from the closed list (unknown).
func GuessContentType(pathname string) string {
	ext := strings.ToLower(path.Ext(pathname))
	return contentTypes[ext]
}

// ModuleType enumerates the server-code module kinds from §3.
type ModuleType string

const (
	ModuleJS   ModuleType = "js"
	ModuleCJS  ModuleType = "cjs"
	ModulePY   ModuleType = "py"
	ModuleText ModuleType = "text"
	ModuleJSON ModuleType = "json"
	ModuleData ModuleType = "data"
	ModuleWasm ModuleType = "wasm"
)

// ValidModuleTypes accepts every type named in §3, including the
// newer-schema `data`/`wasm` types per the §9 open-question decision.
var ValidModuleTypes = map[ModuleType]bool{
	ModuleJS:   true,
	ModuleCJS:  true,
	ModulePY:   true,
	ModuleText: true,
	ModuleJSON: true,
	ModuleData: true,
	ModuleWasm: true,
}

// InferModuleType maps a module path extension to a ModuleType, defaulting
// to "js" for anything unrecognized (per §4.2).
func InferModuleType(pathname string) ModuleType {
	switch strings.ToLower(path.Ext(pathname)) {
	case ".js", ".mjs":
		return ModuleJS
	case ".cjs":
		return ModuleCJS
	case ".py":
		return ModulePY
	case ".txt", ".html":
		return ModuleText
	case ".json":
		return ModuleJSON
	case ".bin":
		return ModuleData
	case ".wasm":
		return ModuleWasm
	default:
		return ModuleJS
	}
}

// assetExtensions is the closed set of extensions path-rewriting (C9) treats
// as rewritable asset references inside HTML/JS bodies.
var assetExtensions = map[string]bool{
	".html": true, ".css": true, ".js": true, ".mjs": true, ".json": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".xml": true, ".pdf": true, ".zip": true, ".txt": true,
	".md": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".otf": true,
}

// IsAssetExtension reports whether pathname's extension is a known asset
// extension, used to decide whether a quoted string inside a script body is
// a rewritable asset reference.
func IsAssetExtension(pathname string) bool {
	return assetExtensions[strings.ToLower(path.Ext(pathname))]
}
