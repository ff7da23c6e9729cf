package router

import (
	"errors"
	"fmt"
)

// ErrUnknownAlias is returned by [Router.Generate] when the requested alias is
// not present in the model roster. This is a configuration error: the roster
// is static, so an unknown alias can never succeed later.
var ErrUnknownAlias = errors.New("router: unknown model alias")

// ErrBackendUnavailable indicates a transport-level failure reaching the
// inference server (connection refused, DNS failure, reset).
var ErrBackendUnavailable = errors.New("router: backend unavailable")

// ErrBackendTimeout indicates the per-call deadline elapsed before the
// backend produced a response.
var ErrBackendTimeout = errors.New("router: backend timeout")

// BackendError is a non-2xx response from an inference server, or a 2xx
// response the router could not use (e.g. empty choices). The router never
// retries these; the orchestrator decides.
type BackendError struct {
	// Alias is the logical model that failed.
	Alias string

	// Status is the HTTP status code, or 0 for malformed-response errors.
	Status int

	// Snippet is a bounded excerpt of the response body for diagnostics.
	Snippet string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("router: backend %s returned %d: %s", e.Alias, e.Status, e.Snippet)
	}
	return fmt.Sprintf("router: backend %s: %s", e.Alias, e.Snippet)
}
