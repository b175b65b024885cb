package errors

import (
	"errors"
	"net/http"
)

// Machine-readable codes surfaced alongside human-readable messages.
const (
	CodeMissingSignature = "MISSING_SIGNATURE"
	CodeMalformedPrefix  = "MALFORMED_PREFIX"
	CodeInvalidEncoding  = "INVALID_ENCODING"
	CodeMissingCodeID    = "MISSING_CODE_ID"
	CodeKeyNotConfigured = "KEY_NOT_CONFIGURED"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeExpiredCode      = "EXPIRED_CODE"
	CodeNetworkError     = "NETWORK_ERROR"
	CodeRemoteRejected   = "REMOTE_REJECTED"
	CodeNotActivated     = "NOT_ACTIVATED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Format errors: the code string itself is malformed. Always terminal,
// the user needs a new code.
var (
	ErrMissingSignature = errors.New("invite code is missing its signature segment")
	ErrMalformedPrefix  = errors.New("invite code prefix is malformed")
	ErrInvalidEncoding  = errors.New("invite code contains invalid base64url data")
	ErrMissingCodeID    = errors.New("invite code payload is missing a code id")
)

// Crypto errors: terminal, logged distinctly from format errors.
var (
	ErrKeyNotConfigured = errors.New("entitlement public key is not configured")
	ErrInvalidSignature = errors.New("invite code signature verification failed")
)

// ErrExpiredCode marks a code whose own validity window has passed. The
// signature may still be valid; the code is rejected regardless.
var ErrExpiredCode = errors.New("invite code has expired")

// Reconciliation errors. ErrNetwork is never terminal for an already
// granted entitlement; ErrRemoteRejected is the only network-sourced
// error permitted to downgrade a tier.
var (
	ErrNetwork        = errors.New("entitlement server unreachable")
	ErrRemoteRejected = errors.New("entitlement rejected by server")
)

// ErrNotActivated is returned when an operation requires an active
// entitlement and none exists.
var ErrNotActivated = errors.New("no entitlement activated")

// CodeForError maps a domain error to its machine-readable code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return CodeMissingSignature
	case errors.Is(err, ErrMalformedPrefix):
		return CodeMalformedPrefix
	case errors.Is(err, ErrInvalidEncoding):
		return CodeInvalidEncoding
	case errors.Is(err, ErrMissingCodeID):
		return CodeMissingCodeID
	case errors.Is(err, ErrKeyNotConfigured):
		return CodeKeyNotConfigured
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrExpiredCode):
		return CodeExpiredCode
	case errors.Is(err, ErrNetwork):
		return CodeNetworkError
	case errors.Is(err, ErrRemoteRejected):
		return CodeRemoteRejected
	case errors.Is(err, ErrNotActivated):
		return CodeNotActivated
	default:
		return CodeInternal
	}
}

// IsTerminal reports whether an activation error means the code can
// never succeed. Network errors are the only retryable class.
func IsTerminal(err error) bool {
	return !errors.Is(err, ErrNetwork)
}

// HTTPStatusForError maps a domain error to the status the local HTTP
// surface responds with.
func HTTPStatusForError(err error) int {
	switch {
	case errors.Is(err, ErrMissingSignature),
		errors.Is(err, ErrMalformedPrefix),
		errors.Is(err, ErrInvalidEncoding),
		errors.Is(err, ErrMissingCodeID):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrExpiredCode),
		errors.Is(err, ErrRemoteRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrKeyNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNetwork):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotActivated):
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}
