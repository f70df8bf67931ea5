package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"broadcast-fleet/internal/models"
)

// WorkerRegistry is the slice of the health registry a worker writes
// about itself.
type WorkerRegistry interface {
	RegisterWorker(ctx context.Context, w models.Worker) error
	Heartbeat(ctx context.Context, id string, load, responseTimeMs int) error
	DeactivateWorker(ctx context.Context, id string) error
}

// LoadSource reports this worker's current device load.
type LoadSource interface {
	HandleCount() int
}

// HeartbeatRunner registers this worker and keeps its liveness row
// fresh. Readers judge staleness themselves; a crashed worker simply
// stops beating.
type HeartbeatRunner struct {
	registry WorkerRegistry
	worker   models.Worker
	load     LoadSource
	interval time.Duration
	log      zerolog.Logger

	lastWriteMs int
}

// NewHeartbeatRunner builds the runner for one worker identity.
func NewHeartbeatRunner(registry WorkerRegistry, worker models.Worker, load LoadSource, interval time.Duration, log zerolog.Logger) *HeartbeatRunner {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatRunner{
		registry: registry,
		worker:   worker,
		load:     load,
		interval: interval,
		log:      log,
	}
}

// Run registers, beats until cancellation, then deactivates gracefully.
func (h *HeartbeatRunner) Run(ctx context.Context) error {
	if err := h.registry.RegisterWorker(ctx, h.worker); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	h.log.Info().Str("worker_id", h.worker.ID).Int("capacity", h.worker.Capacity).
		Msg("worker registered")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Fresh context: the run context is already cancelled.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.registry.DeactivateWorker(dctx, h.worker.ID); err != nil {
				h.log.Warn().Err(err).Msg("deactivate on shutdown failed")
			}
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			err := h.registry.Heartbeat(ctx, h.worker.ID, h.load.HandleCount(), h.lastWriteMs)
			if err != nil {
				// Skip and retry next tick; readers tolerate a gap up to
				// the staleness threshold.
				h.log.Warn().Err(err).Msg("heartbeat write failed")
				continue
			}
			h.lastWriteMs = int(time.Since(start).Milliseconds())
		}
	}
}
