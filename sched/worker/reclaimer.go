package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quirehq/quire/sched/queue"
)

// ReclaimerConfig tunes the lease watchdog.
type ReclaimerConfig struct {
	Interval     time.Duration // how often to scan for expired leases
	LeaseTimeout time.Duration // heartbeat age after which a claim is abandoned
	RetryLimit   int           // attempts before an abandoned job is parked as stuck
}

// DefaultReclaimerConfig returns sensible defaults. The lease timeout
// must comfortably exceed the pool's heartbeat interval.
func DefaultReclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{
		Interval:     time.Minute,
		LeaseTimeout: 2 * time.Minute,
		RetryLimit:   3,
	}
}

// Reclaimer is the watchdog for jobs abandoned by crashed or partitioned
// workers. A claimed job whose lease heartbeat has gone stale is either
// made claimable again or, once its retry budget is spent, parked as
// stuck for an operator to look at.
type Reclaimer struct {
	store  *queue.Store
	cfg    ReclaimerConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewReclaimer creates a lease watchdog.
func NewReclaimer(ctx context.Context, store *queue.Store, cfg ReclaimerConfig, logger *zap.SugaredLogger) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReclaimerConfig().Interval
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultReclaimerConfig().LeaseTimeout
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultReclaimerConfig().RetryLimit
	}

	reclaimerCtx, cancel := context.WithCancel(ctx)
	return &Reclaimer{
		store:  store,
		cfg:    cfg,
		ctx:    reclaimerCtx,
		cancel: cancel,
		logger: logger,
	}
}

// Start begins the scan loop.
func (r *Reclaimer) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Infow("Lease reclaimer started",
		"interval", r.cfg.Interval, "lease_timeout", r.cfg.LeaseTimeout)
}

// Stop gracefully stops the scan loop.
func (r *Reclaimer) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Lease reclaimer stopped")
}

func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Reclaim(r.ctx, time.Now().UTC())
		}
	}
}

// Reclaim runs one watchdog pass.
func (r *Reclaimer) Reclaim(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.cfg.LeaseTimeout)
	stuck, err := r.store.FindStuck(ctx, cutoff)
	if err != nil {
		r.logger.Errorw("Failed to find expired leases", "error", err)
		return
	}

	for _, job := range stuck {
		log := r.logger.With("id", job.ID, "task", job.Task, "worker", job.WorkerID)

		if job.Retries >= r.cfg.RetryLimit {
			if err := r.store.MarkStuck(ctx, job.ID); err != nil {
				log.Warnw("Failed to park abandoned job", "error", err)
				continue
			}
			log.Errorw("Abandoned job parked as stuck, retries exhausted",
				"retries", job.Retries)
			continue
		}

		if err := r.store.ResetToWaiting(ctx, job.ID); err != nil {
			log.Warnw("Failed to reclaim abandoned job", "error", err)
			continue
		}
		log.Warnw("Reclaimed abandoned job", "retries", job.Retries)
	}
}
