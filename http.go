package leasequeue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Canceller cancels jobs by tracking ID. Client and Server implement it.
type Canceller interface {
	Cancel(ctx context.Context, trackingID uuid.UUID) error
}

type enqueueRequest struct {
	Queue        string          `json:"queue"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Delay        string          `json:"delay,omitempty"`
	TTL          string          `json:"ttl,omitempty"`
	ExecuteAfter *time.Time      `json:"execute_after,omitempty"`
	ExpireOn     *time.Time      `json:"expire_on,omitempty"`
	TrackingID   *uuid.UUID      `json:"tracking_id,omitempty"`
}

type enqueueResponse struct {
	ID uuid.UUID `json:"id"`
}

type jobView struct {
	ID           uuid.UUID       `json:"id"`
	Queue        string          `json:"queue"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ExecuteAfter time.Time       `json:"execute_after"`
	ExpireOn     time.Time       `json:"expire_on"`
	IsComplete   bool            `json:"is_complete"`
	DequeueAfter *time.Time      `json:"dequeue_after,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	FailureCount int             `json:"failure_count"`
}

func newJobView(r *JobRecord) jobView {
	v := jobView{
		ID:           r.TrackingID,
		Queue:        r.QueueID,
		Kind:         r.Command.Kind,
		ExecuteAfter: r.ExecuteAfter,
		ExpireOn:     r.ExpireOn,
		IsComplete:   r.IsComplete,
		EnqueuedAt:   r.EnqueuedAt,
		FailureCount: r.FailureCount,
	}
	// Non-JSON payloads are shown base64-encoded.
	if json.Valid(r.Command.Payload) {
		v.Payload = json.RawMessage(r.Command.Payload)
	} else if len(r.Command.Payload) > 0 {
		encoded, _ := json.Marshal(r.Command.Payload)
		v.Payload = encoded
	}
	if !r.DequeueAfter.IsZero() {
		leased := r.DequeueAfter
		v.DequeueAfter = &leased
	}
	return v
}

type httpHandler struct {
	client    *Client
	canceller Canceller
	logger    *zap.Logger
}

// NewHTTPHandler exposes enqueue, lookup and cancellation over HTTP:
//
//	POST   /jobs       enqueue, returns {"id": ...}
//	GET    /jobs/{id}  stored state of a job
//	DELETE /jobs/{id}  cancel a job
func NewHTTPHandler(client *Client, canceller Canceller, logger *zap.Logger) http.Handler {
	if canceller == nil {
		canceller = client
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &httpHandler{client: client, canceller: canceller, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/jobs", h.enqueue)
	r.Get("/jobs/{id}", h.get)
	r.Delete("/jobs/{id}", h.cancel)
	return r
}

func (h *httpHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Queue == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "queue and kind are required")
		return
	}

	var opts []EnqueueOption
	if req.Delay != "" {
		d, err := parseDuration(req.Delay)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, WithDelay(d))
	}
	if req.TTL != "" {
		d, err := parseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, WithTTL(d))
	}
	if req.ExecuteAfter != nil {
		opts = append(opts, WithExecuteAfter(*req.ExecuteAfter))
	}
	if req.ExpireOn != nil {
		opts = append(opts, WithExpireOn(*req.ExpireOn))
	}
	if req.TrackingID != nil {
		opts = append(opts, WithTrackingID(*req.TrackingID))
	}

	id, err := h.client.Enqueue(r.Context(), req.Queue, Command{Kind: req.Kind, Payload: []byte(req.Payload)}, opts...)
	switch {
	case errors.Is(err, ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrDuplicateJob):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to enqueue job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

func (h *httpHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTrackingID(w, r)
	if !ok {
		return
	}
	record, err := h.client.Get(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", zap.Stringer("trackingID", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(record))
}

func (h *httpHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTrackingID(w, r)
	if !ok {
		return
	}
	err := h.canceller.Cancel(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to cancel job", zap.Stringer("trackingID", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTrackingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
