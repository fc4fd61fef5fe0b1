// Package apierr maps the small error taxonomy from spec §7 to HTTP
// status codes and the {"success":false,"error":{...}} JSON envelope
// every control-plane route uses. It exists because this port has many
// more HTTP call sites than the teacher's handlers did (every route in
// C11, plus C6's phase-2 upload and C9's router); one shared mapping
// keeps each handler's error path to a single line instead of
// reimplementing the envelope per route.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is the taxonomy category from spec §7.
type Kind string

const (
	Validation  Kind = "validation"
	Auth        Kind = "auth"
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	RateLimited Kind = "rate_limited"
	Internal    Kind = "internal"
)

var statusByKind = map[Kind]int{
	Validation:  http.StatusBadRequest,
	Auth:        http.StatusUnauthorized,
	NotFound:    http.StatusNotFound,
	Conflict:    http.StatusConflict,
	RateLimited: http.StatusTooManyRequests,
	Internal:    http.StatusInternalServerError,
}

// Error is a typed control-plane error. Validation and Auth messages are
// surfaced verbatim (spec §7); everything else should be wrapped with
// fmt.Errorf("%s: %w", op, err) before reaching here so Message already
// reads as "<operation> failed: <message>".
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// New builds an Error of the given kind with a status looked up from the
// taxonomy table (http.StatusRequestEntityTooLarge is used for size-limit
// validation errors; call NewWithStatus directly for that case).
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: statusByKind[kind], Message: fmt.Sprintf(format, args...)}
}

// NewWithStatus builds an Error with an explicit status code, for cases
// like 413 (size limit) that share the Validation kind but not its default
// status.
func NewWithStatus(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// envelope is the wire shape of an error response.
type envelope struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Write serializes err as the standard JSON error envelope. If err is not
// an *Error, it is treated as an unwrapped internal failure (500) with its
// message surfaced verbatim — callers are expected to have already wrapped
// anything that shouldn't leak raw internal detail.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if e, ok := err.(*Error); ok {
		apiErr = e
	} else {
		apiErr = &Error{Kind: Internal, Status: http.StatusInternalServerError, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   errorDetail{Kind: apiErr.Kind, Message: apiErr.Message},
	})
}

// WriteJSON writes status with a JSON content type and encodes v as given.
// It adds no envelope: callers that want {"success":true,...} pass a value
// that already carries its own Success field.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
