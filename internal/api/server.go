// Package api is the producer/control-plane HTTP surface: broadcast
// admission, device control, and queue monitoring.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"broadcast-fleet/internal/config"
	"broadcast-fleet/internal/lifecycle"
	"broadcast-fleet/internal/models"
	"broadcast-fleet/internal/queue"
	"broadcast-fleet/internal/ratelimit"
	"broadcast-fleet/internal/store"
	"broadcast-fleet/internal/telemetry"
)

// Store is the persistence surface the API needs.
type Store interface {
	CreateBroadcast(ctx context.Context, p store.CreateBroadcastParams) (models.Broadcast, bool, error)
	GetBroadcast(ctx context.Context, id string) (models.Broadcast, error)
	CountBroadcastsByStatus(ctx context.Context) (map[string]int64, error)
	AppendAudit(ctx context.Context, broadcastID, event, detail string) error
	CreateDevice(ctx context.Context, tenantID, name string) (models.Device, error)
	GetDevice(ctx context.Context, id string) (models.Device, error)
	SetDeviceStatus(ctx context.Context, id, status string) error
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	store    Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	bucket   *ratelimit.AdmissionBucket
	pairings *lifecycle.Pairings
	log      zerolog.Logger
}

// New constructs the API server. bucket, limiter, and pairings may be
// nil in tests; the corresponding gates are then open.
func New(cfg config.Config, st Store, q *queue.Queue, limiter *ratelimit.Limiter, bucket *ratelimit.AdmissionBucket, pairings *lifecycle.Pairings, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		bucket:   bucket,
		pairings: pairings,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.apiQuota)
		r.Post("/broadcasts", s.handleEnqueue)
		r.Get("/broadcasts/{id}", s.handleGetBroadcast)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/dlq", s.handleDLQ)
		r.Post("/devices", s.handleCreateDevice)
		r.Get("/devices/{id}", s.handleGetDevice)
		r.Post("/devices/{id}/connect", s.handleConnectDevice)
		r.Post("/devices/{id}/disconnect", s.handleDisconnectDevice)
		r.Get("/devices/{id}/pairing", s.handlePairing)
	})
	return r
}

// apiQuota enforces the per-tenant API call ceiling.
func (s *Server) apiQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			dec, err := s.limiter.CheckLimit(r.Context(), tenantFromRequest(r), ratelimit.APICallPerHour)
			if err == nil && !dec.Allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "plan limit reached")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	DeviceID       string        `json:"device_id"`
	Message        string        `json:"message"`
	MediaRef       string        `json:"media_ref"`
	Contacts       []string      `json:"contacts"`
	Pacing         models.Pacing `json:"pacing"`
	Priority       int           `json:"priority"`
	IdempotencyKey string        `json:"idempotency_key"`
	MaxAttempts    int           `json:"max_attempts"`
}

type enqueueResponse struct {
	Broadcast  models.Broadcast `json:"broadcast"`
	Idempotent bool             `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.Message == "" && req.MediaRef == "" {
		writeError(w, http.StatusBadRequest, "message or media_ref is required")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	tenant := tenantFromRequest(r)

	// Global throughput cap first, then the tenant's daily quota.
	if s.bucket != nil {
		adm, err := s.bucket.Allow(r.Context(), "admission:broadcast")
		if err == nil && !adm.Allowed {
			writeError(w, http.StatusTooManyRequests, "admission rate exceeded")
			return
		}
	}
	if s.limiter != nil {
		dec, err := s.limiter.CheckLimit(r.Context(), tenant, ratelimit.BroadcastPerDay)
		if err == nil && !dec.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "plan limit reached")
			return
		}
	}

	b, idempotent, err := s.store.CreateBroadcast(r.Context(), store.CreateBroadcastParams{
		TenantID:       tenant,
		DeviceID:       req.DeviceID,
		Message:        req.Message,
		MediaRef:       req.MediaRef,
		Contacts:       req.Contacts,
		Pacing:         req.Pacing,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("broadcast create failed")
		writeError(w, http.StatusInternalServerError, "broadcast create failed")
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), b.ID, b.Priority, b.CreatedAt); err != nil {
			s.log.Error().Err(err).Str("job_id", b.ID).Msg("enqueue failed")
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		_ = s.store.AppendAudit(r.Context(), b.ID, "enqueued",
			fmt.Sprintf("tenant=%s priority=%d contacts=%d", tenant, b.Priority, len(b.Contacts)))
		telemetry.BroadcastsEnqueued.Inc()
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Broadcast: b, Idempotent: idempotent})
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.store.GetBroadcast(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type queueStats struct {
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Status    string `json:"status"`
}

// handleQueueStats reports queue counts and a derived health status:
// healthy while the failure ratio stays under 10%.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	waiting, active, delayed, err := s.queue.Depths(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	counts, err := s.store.CountBroadcastsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	stats := queueStats{
		Waiting:   waiting,
		Active:    active,
		Delayed:   delayed,
		Completed: counts[models.BroadcastCompleted],
		Failed:    counts[models.BroadcastFailed],
		Status:    "healthy",
	}
	if done := stats.Completed + stats.Failed; done > 0 {
		if float64(stats.Failed)/float64(done) >= 0.10 {
			stats.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := s.store.CreateDevice(r.Context(), tenantFromRequest(r), req.Name)
	if err != nil {
		s.log.Error().Err(err).Msg("device create failed")
		writeError(w, http.StatusInternalServerError, "device create failed")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleConnectDevice marks the device as wanting a session; a worker's
// next reconcile pass picks it up.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDevice(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := s.store.SetDeviceStatus(r.Context(), id, models.DeviceConnecting); err != nil {
		writeError(w, http.StatusInternalServerError, "device update failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": models.DeviceConnecting})
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDevice(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := s.store.SetDeviceStatus(r.Context(), id, models.DeviceDisconnected); err != nil {
		writeError(w, http.StatusInternalServerError, "device update failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": models.DeviceDisconnected})
}

// handlePairing hands the latest pairing code to the client that asked
// for the connection.
func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	if s.pairings == nil {
		writeError(w, http.StatusNotFound, "pairing not available")
		return
	}
	code, found, err := s.pairings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pairing lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no pairing code issued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
