// Package delivery drains admitted broadcast jobs through the session
// handles this worker owns, with batching, pacing, and partial-failure
// accounting. Jobs for the same device are not serialized: callers who
// need strict ordering must avoid overlapping broadcasts on one device.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"broadcast-fleet/internal/config"
	"broadcast-fleet/internal/models"
	"broadcast-fleet/internal/queue"
	"broadcast-fleet/internal/ratelimit"
	"broadcast-fleet/internal/session"
	"broadcast-fleet/internal/telemetry"
)

// JobStore is the broadcast mirror the engine reads and writes.
type JobStore interface {
	GetBroadcast(ctx context.Context, id string) (models.Broadcast, error)
	MarkBroadcastProcessing(ctx context.Context, id string) error
	UpdateBroadcastProgress(ctx context.Context, id string, sent, failed int) error
	CompleteBroadcast(ctx context.Context, id string, sent, failed int) error
	FailBroadcast(ctx context.Context, id string, lastError string) error
	UpdateBroadcastAttempts(ctx context.Context, id string, attempts int, lastErr string) error
	AppendAudit(ctx context.Context, broadcastID, event, detail string) error
}

// HandleSource resolves this worker's live session handle for a device.
type HandleSource interface {
	Handle(deviceID string) (session.Handle, bool)
}

// MediaFetcher resolves a media reference. Fetch failures downgrade the
// broadcast to text-only, they never fail the job.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) (*session.Media, error)
}

// QuotaChecker gates individual sends against tenant quotas.
type QuotaChecker interface {
	CheckLimit(ctx context.Context, tenantID string, category ratelimit.Category) (ratelimit.Decision, error)
}

// Processor drives the delivery worker pool.
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	store    JobStore
	handles  HandleSource
	media    MediaFetcher
	quotas   QuotaChecker
	smoother *rate.Limiter
	workerID string
	log      zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// wait is swapped out in tests to skip real pacing sleeps.
	wait func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires the engine for one worker process.
func NewProcessor(cfg config.Config, q *queue.Queue, st JobStore, handles HandleSource, fetcher MediaFetcher, quotas QuotaChecker, workerID string, log zerolog.Logger) *Processor {
	p := &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handles:  handles,
		media:    fetcher,
		quotas:   quotas,
		workerID: workerID,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.AdmissionPerSec > 0 {
		p.smoother = rate.NewLimiter(rate.Limit(cfg.AdmissionPerSec), maxInt(cfg.AdmissionBurst, 1))
	}
	p.wait = sleepCtx
	return p
}

// Run starts the maintenance loop plus the fixed-size worker pool and
// blocks until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	p.maintainLoop(ctx)
	wg.Wait()
	return ctx.Err()
}

// maintainLoop promotes due retries, reclaims expired leases, and keeps
// the depth gauges current.
func (p *Processor) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		_, _ = p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
			p.log.Info().Int("count", len(reclaimed)).Msg("reclaimed stalled broadcast leases")
		}
		if waiting, active, _, err := p.queue.Depths(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(waiting))
			telemetry.InFlightGauge.Set(float64(active))
		}
	}
}

func (p *Processor) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			if err != nil {
				p.log.Warn().Err(err).Msg("dequeue failed")
			}
			if werr := p.wait(ctx, p.cfg.WorkerPollInterval); werr != nil {
				return
			}
			continue
		}
		p.handleJob(ctx, jobID)
	}
}

func (p *Processor) handleJob(ctx context.Context, jobID string) {
	b, err := p.store.GetBroadcast(ctx, jobID)
	if err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("broadcast lookup failed, dropping lease")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if b.Terminal() {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	_ = p.store.MarkBroadcastProcessing(ctx, b.ID)
	log := p.log.With().Str("job_id", b.ID).Str("device_id", b.DeviceID).Str("tenant", b.TenantID).Logger()

	err = p.process(ctx, log, b)
	if err == nil {
		_ = p.queue.Ack(ctx, b.ID)
		_ = p.store.AppendAudit(ctx, b.ID, "completed", "delivery finished")
		telemetry.BroadcastsDone.Inc()
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown mid-job: leave the lease to expire so another worker
		// resumes from the persisted counters.
		log.Info().Msg("delivery interrupted, leaving job for redelivery")
		return
	}

	attempts := b.Attempts + 1
	_ = p.store.UpdateBroadcastAttempts(ctx, b.ID, attempts, err.Error())

	if attempts >= b.MaxAttempts || attempts >= p.cfg.MaxAttempts {
		_ = p.store.FailBroadcast(ctx, b.ID, err.Error())
		_ = p.queue.Ack(ctx, b.ID)
		_ = p.queue.DLQPush(ctx, b.ID)
		_ = p.store.AppendAudit(ctx, b.ID, "dead_letter", err.Error())
		telemetry.BroadcastsDead.Inc()
		log.Warn().Err(err).Int("attempts", attempts).Msg("broadcast permanently failed")
		return
	}

	backoff := retryBackoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.queue.Ack(ctx, b.ID)
	_ = p.queue.Schedule(ctx, b.ID, b.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, b.ID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.BroadcastsRetried.Inc()
	log.Warn().Err(err).Int("attempts", attempts).Dur("backoff", backoff).Msg("broadcast retry scheduled")
}

// process runs the per-contact send loop. It returns nil once the job
// reaches a terminal completed state and an error when the whole job
// must be retried.
func (p *Processor) process(ctx context.Context, log zerolog.Logger, b models.Broadcast) error {
	if err := validateBroadcast(b); err != nil {
		return err
	}

	handle, ok := p.handles.Handle(b.DeviceID)
	if !ok || !handle.Authenticated() {
		return ErrDeviceNotConnected
	}

	total := len(b.Contacts)
	sent, failed := b.SentCount, b.FailedCount
	// Redelivery after a crash resumes from the persisted counters.
	// Contacts inside the last unpersisted batch may be re-sent:
	// at-least-once, not exactly-once.
	offset := sent + failed
	if offset >= total {
		return p.store.CompleteBroadcast(ctx, b.ID, sent, failed)
	}

	var med *session.Media
	if b.MediaRef != nil && *b.MediaRef != "" {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.MediaTimeout)
		m, err := p.media.Fetch(fctx, *b.MediaRef)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("media_ref", *b.MediaRef).Msg("media fetch failed, sending text only")
		} else {
			med = m
		}
	}

	delay := baseDelay(b.Pacing.DelayMode, b.Pacing.DelaySeconds, total)
	pause := time.Duration(b.Pacing.PauseMs) * time.Millisecond
	sendsInBatch := 0

	for i := offset; i < total; i++ {
		if i > offset {
			if err := p.wait(ctx, p.jitter(delay, b.Pacing.Randomize)); err != nil {
				p.persistProgress(b.ID, sent, failed, log)
				return err
			}
		}

		contact := b.Contacts[i]
		switch {
		case !validContact(contact):
			failed++
			telemetry.MessagesFailed.Inc()
			log.Debug().Str("target", contact).Msg("invalid phone number, counted as failed")
		case !p.sendAllowed(ctx, b.TenantID):
			failed++
			telemetry.MessagesFailed.Inc()
			telemetry.RateLimitRejects.Inc()
			log.Debug().Str("target", contact).Msg("plan limit reached, counted as failed")
		default:
			if p.smoother != nil {
				if err := p.smoother.Wait(ctx); err != nil {
					p.persistProgress(b.ID, sent, failed, log)
					return err
				}
			}
			msg := session.Message{Text: b.Message, Media: med}
			if err := handle.Send(ctx, contact, msg); err != nil {
				failed++
				telemetry.MessagesFailed.Inc()
				log.Debug().Err(err).Str("target", contact).Msg("send failed, continuing")
			} else {
				sent++
				telemetry.MessagesSent.Inc()
			}
		}

		sendsInBatch++
		if b.Pacing.BatchSize > 0 && sendsInBatch >= b.Pacing.BatchSize && i+1 < total {
			sendsInBatch = 0
			p.persistProgress(b.ID, sent, failed, log)
			_ = p.queue.ExtendLease(ctx, b.ID, p.cfg.VisibilityTimeout)
			if err := p.wait(ctx, pause); err != nil {
				return err
			}
		}
	}

	if err := p.store.CompleteBroadcast(ctx, b.ID, sent, failed); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	log.Info().Int("sent", sent).Int("failed", failed).Int("total", total).Msg("broadcast completed")
	return nil
}

// sendAllowed checks the per-message tenant quota. A nil checker means
// sends are ungated.
func (p *Processor) sendAllowed(ctx context.Context, tenantID string) bool {
	if p.quotas == nil {
		return true
	}
	dec, err := p.quotas.CheckLimit(ctx, tenantID, ratelimit.MessagePerDay)
	if err != nil {
		return true
	}
	return dec.Allowed
}

// persistProgress is best-effort: a miss only widens the re-send window
// on redelivery.
func (p *Processor) persistProgress(id string, sent, failed int, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateBroadcastProgress(ctx, id, sent, failed); err != nil {
		log.Warn().Err(err).Msg("progress persist failed")
	}
}

func (p *Processor) jitter(d time.Duration, randomize bool) time.Duration {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return withJitter(d, randomize, p.rng)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
