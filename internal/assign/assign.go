// Package assign decides which worker owns which device. Ownership is
// advisory and self-correcting: claims live in the shared registry and
// are re-judged on every read against heartbeat staleness, so any live
// worker can pick up devices orphaned by a dead one without a
// coordinator issuing reassignments.
package assign

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"broadcast-fleet/internal/models"
)

// WorkerSource reads the worker health registry.
type WorkerSource interface {
	GetWorker(ctx context.Context, id string) (models.Worker, bool, error)
	ListWorkers(ctx context.Context) ([]models.Worker, error)
}

// Assigner evaluates device ownership for one worker process.
type Assigner struct {
	workers   WorkerSource
	selfID    string
	staleness time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// New builds an assigner for the worker identified by selfID.
func New(workers WorkerSource, selfID string, staleness time.Duration, log zerolog.Logger) *Assigner {
	if staleness == 0 {
		staleness = 5 * time.Minute
	}
	return &Assigner{
		workers:   workers,
		selfID:    selfID,
		staleness: staleness,
		log:       log,
		now:       time.Now,
	}
}

// ShouldHandleDevice reports whether this worker may act on the device:
// true when the device is unclaimed, claimed by this worker, or claimed
// by a worker that is inactive, unregistered, or whose heartbeat exceeds
// the staleness threshold. Registry read failures fail closed: acting
// on a guess risks duplicate live sessions, and the next pass retries.
func (a *Assigner) ShouldHandleDevice(ctx context.Context, device models.Device) bool {
	if device.AssignedWorkerID == nil || *device.AssignedWorkerID == "" {
		return true
	}
	if *device.AssignedWorkerID == a.selfID {
		return true
	}

	owner, found, err := a.workers.GetWorker(ctx, *device.AssignedWorkerID)
	if err != nil {
		a.log.Warn().Err(err).Str("device_id", device.ID).Msg("worker registry unreachable, declining device")
		return false
	}
	if !found {
		// Claim points at a worker that no longer exists.
		return true
	}
	if !owner.Active || owner.Stale(a.now(), a.staleness) {
		return true
	}
	return false
}

// SelectBestWorker picks the healthiest eligible worker for an
// unassigned device: highest priority weight first, then lowest
// load/capacity ratio, then lowest response time. Returns false when no
// worker qualifies or the registry is unreachable; assignment is simply
// deferred to the next polling cycle.
func (a *Assigner) SelectBestWorker(ctx context.Context) (string, bool) {
	workers, err := a.workers.ListWorkers(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("worker registry unreachable, deferring assignment")
		return "", false
	}

	now := a.now()
	eligible := workers[:0]
	for _, w := range workers {
		if w.Eligible(now, a.staleness) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		ri, rj := eligible[i].LoadRatio(), eligible[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		return eligible[i].ResponseTimeMs < eligible[j].ResponseTimeMs
	})
	return eligible[0].ID, true
}

// SelfID returns the worker id this assigner evaluates for.
func (a *Assigner) SelfID() string { return a.selfID }
