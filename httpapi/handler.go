// Package httpapi exposes the job lifecycle operations over HTTP: enqueue,
// status lookup and cancellation. Authentication is upstream; the caller
// identity arrives in X-User-ID / X-Admin headers set by the gateway.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/courseforge/coursejobs"
)

// Handler serves the job endpoints.
type Handler struct {
	svc *coursejobs.Service
}

// NewHandler creates a Handler over svc.
func NewHandler(svc *coursejobs.Service) *Handler {
	return &Handler{svc: svc}
}

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Message: msg})
}

type enqueueDTO struct {
	Type     coursejobs.JobType `json:"type"`
	Payload  json.RawMessage    `json:"payload"`
	Priority *int               `json:"priority,omitempty"`
	DelayMs  int                `json:"delayMs,omitempty"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

// EnqueueJob validates the payload against the declared type and creates
// the job.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var dto enqueueDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	payload, err := coursejobs.DecodePayload(dto.Type, dto.Payload)
	if err != nil {
		if errors.Is(err, coursejobs.ErrUnknownJobType) {
			writeError(w, http.StatusBadRequest, "unknown job type")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var opts []coursejobs.Option
	if dto.Priority != nil {
		opts = append(opts, coursejobs.WithPriority(*dto.Priority))
	}
	if dto.DelayMs > 0 {
		opts = append(opts, coursejobs.WithDelay(millis(dto.DelayMs)))
	}

	id, err := h.svc.Enqueue(r.Context(), dto.Type, payload, opts...)
	if err != nil {
		var verr *coursejobs.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		if errors.Is(err, coursejobs.ErrDuplicateJob) {
			writeError(w, http.StatusConflict, "job already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusCreated, enqueueResp{ID: id})
}

// GetJob returns the status record.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, coursejobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// CancelJob requests cooperative cancellation on behalf of the caller
// identity from the request headers.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity := callerIdentity(r)
	if identity.UserID == "" {
		writeError(w, http.StatusUnauthorized, "caller identity required")
		return
	}

	result, err := h.svc.RequestCancellation(r.Context(), id, identity.UserID, identity.Admin)
	if err != nil {
		switch {
		case errors.Is(err, coursejobs.ErrNotFound):
			writeError(w, http.StatusNotFound, result.Message)
		case errors.Is(err, coursejobs.ErrAlreadyTerminal):
			writeError(w, http.StatusConflict, result.Message)
		case errors.Is(err, coursejobs.ErrForbidden):
			writeError(w, http.StatusForbidden, result.Message)
		default:
			writeError(w, http.StatusInternalServerError, "cancellation failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
