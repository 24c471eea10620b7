package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/regcreds/internal/application"
	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// PullSecretService is the subset of the access-token service the API uses.
type PullSecretService interface {
	GeneratePullSecret(ctx context.Context, req application.GenerateRequest) ([]byte, error)
	GetCurrentPullSecret(ctx context.Context, clusterID string) ([]byte, error)
	DeletePullSecret(ctx context.Context, clusterID string) error
	ListCredentials(ctx context.Context, clusterID string) ([]model.ClassifiedCredential, error)
}

// RotationService is the subset of the rotation reconciler the API uses.
type RotationService interface {
	StartRotation(ctx context.Context, req application.StartRotationRequest) (model.RotationRequest, error)
	GetRotationStatus(ctx context.Context, id string) (*model.RotationRequest, error)
	ListRotations(ctx context.Context, clusterID string) ([]model.RotationRequest, error)
	ConfirmRotation(ctx context.Context, id string) (*model.RotationRequest, error)
}

// PoolService reports pool occupancy.
type PoolService interface {
	PoolStatus(ctx context.Context) ([]application.PoolStat, error)
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	secrets   PullSecretService
	rotations RotationService
	pool      PoolService
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	secrets PullSecretService,
	rotations RotationService,
	pool PoolService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		secrets:   secrets,
		rotations: rotations,
		pool:      pool,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware. gatherer backs /metrics; nil skips
// the route.
func NewServeMux(h *Handler, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/clusters/{cluster_id}/pull-secret", h.GeneratePullSecret)
	mux.HandleFunc("GET /api/v1/clusters/{cluster_id}/pull-secret", h.GetPullSecret)
	mux.HandleFunc("DELETE /api/v1/clusters/{cluster_id}/pull-secret", h.DeletePullSecret)
	mux.HandleFunc("GET /api/v1/clusters/{cluster_id}/credentials", h.ListCredentials)
	mux.HandleFunc("POST /api/v1/clusters/{cluster_id}/rotations", h.StartRotation)
	mux.HandleFunc("GET /api/v1/clusters/{cluster_id}/rotations", h.ListRotations)
	mux.HandleFunc("GET /api/v1/rotations/{id}", h.GetRotation)
	mux.HandleFunc("POST /api/v1/rotations/{id}/confirm", h.ConfirmRotation)
	mux.HandleFunc("GET /api/v1/pool", h.PoolStatus)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// GeneratePullSecret creates or returns the cluster's pull secret. The body
// carries the owner context; it may be empty for a cluster seen before.
func (h *Handler) GeneratePullSecret(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("cluster_id")

	var req GeneratePullSecretRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc, err := h.secrets.GeneratePullSecret(r.Context(), application.GenerateRequest{
		Cluster: model.Cluster{
			ID:                 clusterID,
			Provider:           req.Provider,
			Region:             req.Region,
			ExternalResourceID: req.ExternalResourceID,
		},
		Registries: req.Registries,
		ForceNew:   req.ForceNew,
	})
	if err != nil {
		h.writeServiceError(w, err, "generate pull secret", "cluster_id", clusterID)
		return
	}

	writeRaw(w, http.StatusOK, doc)
}

// GetPullSecret returns the pull secret built from current credentials.
func (h *Handler) GetPullSecret(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("cluster_id")

	doc, err := h.secrets.GetCurrentPullSecret(r.Context(), clusterID)
	if err != nil {
		h.writeServiceError(w, err, "get pull secret", "cluster_id", clusterID)
		return
	}

	writeRaw(w, http.StatusOK, doc)
}

// DeletePullSecret tears down every credential of the cluster.
func (h *Handler) DeletePullSecret(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("cluster_id")

	if err := h.secrets.DeletePullSecret(r.Context(), clusterID); err != nil {
		h.writeServiceError(w, err, "delete pull secret", "cluster_id", clusterID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListCredentials returns credential metadata for the cluster. Tokens are
// never included.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("cluster_id")

	creds, err := h.secrets.ListCredentials(r.Context(), clusterID)
	if err != nil {
		h.writeServiceError(w, err, "list credentials", "cluster_id", clusterID)
		return
	}

	resp := make([]CredentialResponse, 0, len(creds))
	for _, c := range creds {
		resp = append(resp, toCredentialResponse(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

// StartRotation creates a rotation request for the cluster.
func (h *Handler) StartRotation(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("cluster_id")

	var req StartRotationRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reason := model.RotationReason(req.Reason)
	if reason != "" && !reason.Valid() {
		writeError(w, http.StatusBadRequest, "invalid rotation reason: expected scheduled, compromise or manual")
		return
	}

	rot, err := h.rotations.StartRotation(r.Context(), application.StartRotationRequest{
		ClusterID:      clusterID,
		Reason:         reason,
		ForceImmediate: req.ForceImmediate,
	})
	if err != nil {
		h.writeServiceError(w, err, "start rotation", "cluster_id", clusterID)
		return
	}

	writeJSON(w, http.StatusAccepted, toRotationResponse(rot))
}

// ListRotations returns the cluster's rotation history, newest first.
func (h *Handler) ListRotations(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("cluster_id")

	rots, err := h.rotations.ListRotations(r.Context(), clusterID)
	if err != nil {
		h.writeServiceError(w, err, "list rotations", "cluster_id", clusterID)
		return
	}

	resp := make([]RotationResponse, 0, len(rots))
	for _, rot := range rots {
		resp = append(resp, toRotationResponse(rot))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRotation returns one rotation request.
func (h *Handler) GetRotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rot, err := h.rotations.GetRotationStatus(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get rotation", "rotation_id", id)
		return
	}

	writeJSON(w, http.StatusOK, toRotationResponse(*rot))
}

// ConfirmRotation records that the cluster now uses the new credential set.
func (h *Handler) ConfirmRotation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rot, err := h.rotations.ConfirmRotation(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "confirm rotation", "rotation_id", id)
		return
	}

	writeJSON(w, http.StatusOK, toRotationResponse(*rot))
}

// PoolStatus returns unassigned counts per pooled registry.
func (h *Handler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pool.PoolStatus(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "pool status")
		return
	}
	if stats == nil {
		stats = []application.PoolStat{}
	}

	writeJSON(w, http.StatusOK, stats)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// decodeOptionalBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
