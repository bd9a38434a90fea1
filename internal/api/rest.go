// Package api exposes the agent's admin HTTP surface: session control,
// checkout triggers and a status snapshot for the operator dashboard.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/models"
	"github.com/cropsight/edge-agent/internal/uploader"
)

// Handler serves the admin endpoints.
type Handler struct {
	sessions  Sessions
	checkouts Checkouts
	status    StatusSource
	log       zerolog.Logger
}

// Sessions drives the session state machine.
type Sessions interface {
	StartSession(operatorID string) (*models.Session, error)
	StopSession() error
	HeartbeatSession(sessionID string) error
	CurrentSession() *models.Session
}

// Checkouts triggers the upload protocol.
type Checkouts interface {
	CheckoutOne(resultID string) (*models.UploadBatch, error)
	CheckoutAll() (*models.UploadBatch, error)
}

// StatusSource provides the orchestrator and platform snapshot.
type StatusSource interface {
	ServiceStates() map[string]models.ServiceState
	ActiveEndpoint() string
}

// NewHandler wires the admin mux.
func NewHandler(sessions Sessions, checkouts Checkouts, status StatusSource, log zerolog.Logger) http.Handler {
	h := &Handler{sessions: sessions, checkouts: checkouts, status: status, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/session/start", h.handleSessionStart)
	mux.HandleFunc("/session/stop", h.handleSessionStop)
	mux.HandleFunc("/session/heartbeat", h.handleSessionHeartbeat)
	mux.HandleFunc("/checkout", h.handleCheckout)
	mux.HandleFunc("/checkout/bulk", h.handleCheckoutBulk)
	mux.HandleFunc("/status", h.handleStatus)
	RegisterMetrics(mux)

	return mux
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		OperatorID string `json:"operator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.OperatorID == "" {
		h.writeError(w, http.StatusBadRequest, "operator_id required")
		return
	}

	sess, err := h.sessions.StartSession(req.OperatorID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := h.sessions.StopSession(); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	if err := h.sessions.HeartbeatSession(req.SessionID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		ResultID string `json:"result_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.ResultID == "" {
		h.writeError(w, http.StatusBadRequest, "result_id required")
		return
	}
	batch, err := h.checkouts.CheckoutOne(req.ResultID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) handleCheckoutBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	batch, err := h.checkouts.CheckoutAll()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":          h.status.ServiceStates(),
		"session":           h.sessions.CurrentSession(),
		"platform_endpoint": h.status.ActiveEndpoint(),
	})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsConflict(err):
		h.writeError(w, http.StatusConflict, err.Error())
	case errdefs.IsHardware(err):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, errdefs.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, uploader.ErrNothingPending):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Error().Err(err).Msg("internal error")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.log.Debug().Int("status", status).Str("error", msg).Msg("request rejected")
}
