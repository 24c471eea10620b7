package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	writeRaw(w, status, data)
}

// writeRaw writes an already encoded JSON document.
func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusForError maps an error kind to its HTTP status and client message.
// This is the only place error kinds become status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, model.ErrRotationConflict):
		return http.StatusConflict, "rotation already active for cluster"
	case errors.Is(err, model.ErrLockContention):
		return http.StatusServiceUnavailable, "cluster busy, retry later"
	case errors.Is(err, model.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable, "registry unavailable, retry later"
	case errors.Is(err, model.ErrAdapterRejected), errors.Is(err, model.ErrMalformedAccountName),
		errors.Is(err, model.ErrConflictAlreadyExists):
		return http.StatusBadGateway, "registry rejected request"
	case errors.Is(err, model.ErrInvariantViolation):
		return http.StatusInternalServerError, "invariant violation"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeServiceError logs err and writes the mapped response. Client errors
// are logged at warn, everything else at error.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string, attrs ...any) {
	status, message := statusForError(err)

	args := append([]any{"op", op, "status", status, "error", err}, attrs...)
	if status < http.StatusInternalServerError {
		h.logger.Warn("request failed", args...)
	} else {
		h.logger.Error("request failed", args...)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusBadRequest {
		message = err.Error()
	}
	writeError(w, status, message)
}

// GeneratePullSecretRequest is the JSON body of POST .../pull-secret.
type GeneratePullSecretRequest struct {
	Provider           string   `json:"provider"`
	Region             string   `json:"region"`
	ExternalResourceID string   `json:"external_resource_id"`
	Registries         []string `json:"registries"`
	ForceNew           bool     `json:"force_new"`
}

// StartRotationRequest is the JSON body of POST .../rotations.
type StartRotationRequest struct {
	Reason         string `json:"reason"`
	ForceImmediate bool   `json:"force_immediate"`
}

// RotationResponse is the JSON representation of a rotation request.
type RotationResponse struct {
	ID             string   `json:"id"`
	ClusterID      string   `json:"cluster_id"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason"`
	ForceImmediate bool     `json:"force_immediate"`
	Registries     []string `json:"registries,omitempty"`
	Attempts       int      `json:"attempts"`
	LastError      string   `json:"last_error,omitempty"`
	CreatedAt      string   `json:"created_at"`
	StartedAt      *string  `json:"started_at"`
	ConfirmedAt    *string  `json:"confirmed_at"`
	CompletedAt    *string  `json:"completed_at"`
}

// CredentialResponse is the JSON representation of a credential. The token
// is never included.
type CredentialResponse struct {
	ID                 string `json:"id"`
	RegistryID         string `json:"registry_id"`
	ExternalName       string `json:"external_name"`
	State              string `json:"state"`
	ExternalResourceID string `json:"external_resource_id,omitempty"`
	RotationID         string `json:"rotation_id,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// HealthResponse is the JSON representation of a health check.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func toRotationResponse(r model.RotationRequest) RotationResponse {
	return RotationResponse{
		ID:             r.ID,
		ClusterID:      r.ClusterID,
		Status:         string(r.Status),
		Reason:         string(r.Reason),
		ForceImmediate: r.ForceImmediate,
		Registries:     r.Registries,
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:      formatOptionalTime(r.StartedAt),
		ConfirmedAt:    formatOptionalTime(r.ConfirmedAt),
		CompletedAt:    formatOptionalTime(r.CompletedAt),
	}
}

func toCredentialResponse(c model.ClassifiedCredential) CredentialResponse {
	return CredentialResponse{
		ID:                 c.ID,
		RegistryID:         c.RegistryID,
		ExternalName:       c.ExternalName,
		State:              string(c.State),
		ExternalResourceID: c.ExternalResourceID,
		RotationID:         c.RotationID,
		CreatedAt:          c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
