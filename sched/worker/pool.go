package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
)

// PoolConfig contains configuration for the worker pool.
type PoolConfig struct {
	Workers           int           `json:"workers"`            // concurrent execution slots
	PollInterval      time.Duration `json:"poll_interval"`      // how often idle slots check for jobs
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // lease renewal period
	RetryLimit        int           `json:"retry_limit"`        // max attempts per job
	StopTimeout       time.Duration `json:"stop_timeout"`       // grace period for running jobs on Stop
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:           2,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		RetryLimit:        3,
		StopTimeout:       30 * time.Second,
	}
}

// Pool claims and executes jobs. Each slot polls on its own interval
// and can be woken early through Poke, typically from the HTTP wakeup
// endpoint.
type Pool struct {
	store    *queue.Store
	registry *Registry
	codecs   *codec.Registry
	nodeID   string
	cfg      PoolConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	poke     chan struct{}
	logger   *zap.SugaredLogger
}

// NewPool creates a worker pool. Handlers must be registered before
// Start; the registry's task names are the pool's claim capabilities.
func NewPool(ctx context.Context, store *queue.Store, registry *Registry, codecs *codec.Registry, nodeID string, cfg PoolConfig, logger *zap.SugaredLogger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultPoolConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPoolConfig().PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultPoolConfig().HeartbeatInterval
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultPoolConfig().RetryLimit
	}

	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		store:    store,
		registry: registry,
		codecs:   codecs,
		nodeID:   nodeID,
		cfg:      cfg,
		ctx:      poolCtx,
		cancel:   cancel,
		poke:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// Start launches the execution slots.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.slot(i)
	}
	p.logger.Infow("Worker pool started",
		"node", p.nodeID,
		"workers", p.cfg.Workers,
		"capabilities", p.registry.Capabilities())
}

// Stop cancels all slots and waits up to StopTimeout for running jobs
// to wind down. Jobs interrupted mid-run go back to waiting.
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.cfg.StopTimeout > 0 {
		select {
		case <-done:
		case <-time.After(p.cfg.StopTimeout):
			p.logger.Warnw("Worker pool stop timed out, abandoning running jobs",
				"timeout", p.cfg.StopTimeout)
			return
		}
	} else {
		<-done
	}
	p.logger.Infow("Worker pool stopped", "node", p.nodeID)
}

// Poke wakes an idle slot immediately. Non-blocking; a pending poke is
// enough, extra ones coalesce.
func (p *Pool) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

func (p *Pool) slot(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before going back to sleep.
		for p.claimAndRun() {
			if p.ctx.Err() != nil {
				return
			}
		}

		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.poke:
		}
	}
}

// claimAndRun claims one job and executes it. Returns false when the
// queue had nothing for this node.
func (p *Pool) claimAndRun() bool {
	capabilities := p.registry.Capabilities()
	if len(capabilities) == 0 {
		return false
	}

	jobs, err := p.store.NextJobs(p.ctx, p.nodeID, capabilities, 1)
	if err != nil && p.ctx.Err() == nil {
		p.logger.Errorw("Failed to claim job", "error", err)
	}
	// A claim round that errored can still have claimed jobs before the
	// failure. Run them; abandoning them would strand them in Scheduled
	// until the lease times out.
	if len(jobs) == 0 {
		return false
	}

	p.run(jobs[0])
	return true
}

func (p *Pool) run(job *queue.Job) {
	log := p.logger.With("id", job.ID, "task", job.Task, "collective", job.Collective)

	if err := p.store.MarkRunning(p.ctx, job.ID, p.nodeID); err != nil {
		log.Warnw("Lost claim before execution", "error", err)
		return
	}

	stopBeat := p.startHeartbeat(job.ID, log)
	defer stopBeat()

	args, err := p.codecs.Decode(job.Task, job.Args)
	if err != nil {
		// A payload this node cannot decode will not decode on retry
		// either. Fail the job, leave the rest of the queue alone.
		log.Errorw("Failed to decode job payload", "error", err)
		p.finishFailed(job.ID, err, false, log)
		return
	}

	handler := p.registry.Get(job.Task)
	if handler == nil {
		p.finishFailed(job.ID, errors.Wrapf(errors.ErrUnknownTask, "task %q", job.Task), false, log)
		return
	}

	log.Infow("Job started", "attempt", job.Retries+1)
	start := time.Now()
	err = handler.Execute(p.ctx, job, args)
	stopBeat()

	switch {
	case err == nil:
		if markErr := p.store.MarkSuccess(context.Background(), job.ID); markErr != nil {
			log.Errorw("Failed to record job success", "error", markErr)
			return
		}
		log.Infow("Job finished", "duration", time.Since(start))

	case p.ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown, not failure. Hand the job back untouched.
		if resetErr := p.store.ResetToWaiting(context.Background(), job.ID); resetErr != nil {
			log.Warnw("Failed to release job on shutdown", "error", resetErr)
			return
		}
		log.Infow("Job released on shutdown")

	default:
		p.finishFailed(job.ID, err, !IsPermanent(err), log)
	}
}

func (p *Pool) finishFailed(jobID string, jobErr error, retryable bool, log *zap.SugaredLogger) {
	// Use a fresh context so the transition lands even during shutdown.
	outcome, err := p.store.MarkFailed(context.Background(), jobID, p.nodeID, jobErr, retryable, p.cfg.RetryLimit)
	if err != nil {
		log.Errorw("Failed to record job failure", "error", err)
		return
	}
	switch outcome {
	case queue.RetryScheduled:
		log.Warnw("Job failed, retry scheduled", "error", jobErr)
	case queue.FailedTerminal:
		log.Errorw("Job failed permanently", "error", jobErr)
	}
}

// startHeartbeat renews the lease until the returned stop function is
// called. Safe to call stop more than once.
func (p *Pool) startHeartbeat(jobID string, log *zap.SugaredLogger) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.UpdateHeartbeat(ctx, jobID, p.nodeID); err != nil {
					log.Warnw("Heartbeat failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
