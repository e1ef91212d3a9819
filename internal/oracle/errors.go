// internal/oracle/errors.go
package oracle

import (
	"errors"
)

var (
	// ErrAuthentication is returned when a reading's signature cannot be
	// verified against an active registered node
	ErrAuthentication = errors.New("authentication failed")

	// ErrMalformedInput is returned for input rejected before the pipeline
	ErrMalformedInput = errors.New("malformed input")

	// ErrNotFound is returned when no certificate exists for an inference id
	ErrNotFound = errors.New("not found")

	// ErrPersistence is returned when the store stays unavailable after retries
	ErrPersistence = errors.New("persistence unavailable")
)

// Stable error codes reported across the external interface.
const (
	CodeAuthentication = "authentication_failed"
	CodeMalformedInput = "malformed_input"
	CodeNotFound       = "not_found"
	CodePersistence    = "persistence_unavailable"
	CodeInternal       = "internal_error"
)

// Code maps err to its stable code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrMalformedInput):
		return CodeMalformedInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}

// Message returns the client-safe message for err. Only malformed input
// echoes detail, since that detail describes the caller's own request.
func Message(err error) string {
	switch Code(err) {
	case CodeAuthentication:
		return "reading signature could not be verified"
	case CodeMalformedInput:
		return err.Error()
	case CodeNotFound:
		return "record not found"
	case CodePersistence:
		return "certificate store unavailable, retry later"
	default:
		return "internal error"
	}
}
