package usertask

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quirehq/quire/sched/queue"
)

// Driver periodically scans for due recurring definitions and feeds
// them into the job queue. The enqueued job's dedup subject is the
// definition's identifier, so overlapping fire windows never produce a
// second job for the same definition.
type Driver struct {
	store    *Store
	queue    *queue.Queue
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
	ticks      int64
}

// DriverConfig contains configuration for the schedule driver.
type DriverConfig struct {
	Interval time.Duration // how often to scan for due definitions
}

// DefaultDriverConfig returns sensible defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{Interval: 30 * time.Second}
}

// NewDriver creates a schedule driver.
func NewDriver(ctx context.Context, store *Store, q *queue.Queue, cfg DriverConfig, logger *zap.SugaredLogger) *Driver {
	driverCtx, cancel := context.WithCancel(ctx)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDriverConfig().Interval
	}
	return &Driver{
		store:    store,
		queue:    q,
		interval: cfg.Interval,
		ctx:      driverCtx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start begins the scan loop.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Infow("Schedule driver started", "interval", d.interval)
}

// Stop gracefully stops the scan loop.
func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Infow("Schedule driver stopped")
}

func (d *Driver) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case tickTime := <-ticker.C:
			d.mu.Lock()
			d.lastTickAt = tickTime
			d.ticks++
			d.mu.Unlock()

			d.Tick(d.ctx, tickTime.UTC())
		}
	}
}

// Tick runs one scan pass. A failure on one definition is logged and
// does not stop the others from firing.
func (d *Driver) Tick(ctx context.Context, now time.Time) {
	due, err := d.store.ListDue(ctx, now)
	if err != nil {
		d.logger.Errorw("Failed to list due tasks", "error", err)
		return
	}

	for _, task := range due {
		if err := d.fire(ctx, task, now); err != nil {
			d.logger.Errorw("Failed to fire scheduled task",
				"id", task.ID,
				"task", task.Task,
				"subject", task.Subject,
				"error", err)
		}
	}
}

func (d *Driver) fire(ctx context.Context, task *UserTask, now time.Time) error {
	job, err := queue.NewJob(task.Task, task.Scope.Collective, "", task.Args)
	if err != nil {
		return err
	}
	job.Subject = task.ID

	result, err := d.queue.Submit(ctx, job)
	if err != nil {
		return err
	}
	if result == queue.SkippedDuplicate {
		d.logger.Debugw("Scheduled task still in flight, skipping",
			"id", task.ID, "task", task.Task)
	}

	// The next fire time advances from now, not from the nominal slot,
	// so a long outage yields one catch-up run instead of a backlog.
	next, err := NextRun(task.Schedule, now)
	if err != nil {
		return err
	}
	return d.store.UpdateAfterRun(ctx, task.ID, now, next)
}
