// Package scheduler expands recurring-broadcast rows into normal queue
// jobs on their cron schedule. Expansion always goes through the durable
// queue so fires get the same retry/backoff treatment as direct
// broadcasts; idempotency keys collapse the same tick fired by several
// workers into one job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"broadcast-fleet/internal/models"
	"broadcast-fleet/internal/queue"
	"broadcast-fleet/internal/store"
	"broadcast-fleet/internal/telemetry"
)

// Store is the persistence surface the runner needs.
type Store interface {
	ListActiveRecurrences(ctx context.Context) ([]models.Recurrence, error)
	CreateBroadcast(ctx context.Context, p store.CreateBroadcastParams) (models.Broadcast, bool, error)
}

// Runner keeps a cron schedule in sync with the active recurrence rows.
type Runner struct {
	store          Store
	queue          *queue.Queue
	refresh        time.Duration
	idempotencyTTL time.Duration
	log            zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New builds the runner. refresh bounds how long a recurrence edit takes
// to be picked up.
func New(st Store, q *queue.Queue, refresh, idempotencyTTL time.Duration, log zerolog.Logger) *Runner {
	if refresh == 0 {
		refresh = time.Minute
	}
	return &Runner{
		store:          st,
		queue:          q,
		refresh:        refresh,
		idempotencyTTL: idempotencyTTL,
		log:            log,
	}
}

// Run reloads the schedule on an interval until cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		if err := r.reload(ctx); err != nil {
			r.log.Warn().Err(err).Msg("recurrence reload failed")
		}
		select {
		case <-ctx.Done():
			r.stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) reload(ctx context.Context) error {
	recs, err := r.store.ListActiveRecurrences(ctx)
	if err != nil {
		return fmt.Errorf("list recurrences: %w", err)
	}

	c := cron.New()
	for _, rec := range recs {
		rec := rec
		if _, err := c.AddFunc(rec.CronExpr, func() { r.fire(rec) }); err != nil {
			r.log.Warn().Err(err).Str("recurrence_id", rec.ID).Str("expr", rec.CronExpr).
				Msg("invalid cron expression, recurrence skipped")
		}
	}

	r.mu.Lock()
	old := r.cron
	r.cron = c
	r.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	c.Start()
	return nil
}

func (r *Runner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
}

// fire creates and enqueues one broadcast for this tick. The key is the
// recurrence id plus the minute, so concurrent workers firing the same
// tick reuse one row.
func (r *Runner) fire(rec models.Recurrence) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tick := time.Now().UTC().Truncate(time.Minute)
	key := fmt.Sprintf("recur:%s:%d", rec.ID, tick.Unix())

	b, reused, err := r.store.CreateBroadcast(ctx, store.CreateBroadcastParams{
		TenantID:       rec.TenantID,
		DeviceID:       rec.DeviceID,
		Message:        rec.Message,
		MediaRef:       deref(rec.MediaRef),
		Contacts:       rec.Contacts,
		Pacing:         rec.Pacing,
		IdempotencyKey: key,
		IdempotencyTTL: r.idempotencyTTL,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("recurrence_id", rec.ID).Msg("recurrence broadcast create failed")
		return
	}
	if reused {
		r.log.Debug().Str("recurrence_id", rec.ID).Str("job_id", b.ID).Msg("tick already fired elsewhere")
		return
	}

	if err := r.queue.Enqueue(ctx, b.ID, b.Priority, time.Now()); err != nil {
		r.log.Warn().Err(err).Str("job_id", b.ID).Msg("recurrence enqueue failed")
		return
	}
	telemetry.BroadcastsEnqueued.Inc()
	r.log.Info().Str("recurrence_id", rec.ID).Str("job_id", b.ID).Msg("recurring broadcast enqueued")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
