package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapEntitlementError maps domain errors to HTTP problem details
func MapEntitlementError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/entitlement#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrMissingSignature):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/missing-signature",
			"Invalid Invite Code",
			"The invite code is missing its signature. Check that the full code was entered.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeMissingSignature)

	case errors.Is(err, ErrMalformedPrefix):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/malformed-prefix",
			"Invalid Invite Code",
			"The invite code prefix is malformed. Codes look like PREFIX-TIER-PAYLOAD.SIGNATURE.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeMalformedPrefix)

	case errors.Is(err, ErrInvalidEncoding):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-encoding",
			"Invalid Invite Code",
			"The invite code contains invalid characters and could not be decoded.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeInvalidEncoding)

	case errors.Is(err, ErrMissingCodeID):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/missing-code-id",
			"Invalid Invite Code",
			"The invite code payload is incomplete. Please request a new code.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeMissingCodeID)

	case errors.Is(err, ErrKeyNotConfigured):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/key-not-configured",
			"Activation Unavailable",
			"Invite code activation is not configured on this installation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeKeyNotConfigured)

	case errors.Is(err, ErrInvalidSignature):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/invalid-signature",
			"Invalid Invite Code",
			"The invite code could not be verified. Please request a new code.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeInvalidSignature)

	case errors.Is(err, ErrExpiredCode):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/expired-code",
			"Invite Code Expired",
			"This invite code has expired. Please request a new code.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeExpiredCode)

	case errors.Is(err, ErrRemoteRejected):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/remote-rejected",
			"Entitlement Revoked",
			"The entitlement server has revoked this invite code.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeRemoteRejected)

	case errors.Is(err, ErrNetwork):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/network-error",
			"Network Error",
			"Unable to reach the entitlement server. Please check your connection.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeNetworkError)

	case errors.Is(err, ErrNotActivated):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/not-activated",
			"Not Activated",
			"No entitlement has been activated on this installation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeNotActivated)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeInternal)
	}
}
