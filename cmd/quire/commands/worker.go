package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/notify"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
	"github.com/quirehq/quire/sched/usertask"
	"github.com/quirehq/quire/sched/worker"
)

// Handlers is the registry worker nodes claim jobs through. The
// embedding application registers its task handlers here before the
// worker command runs; tasks without a handler on this node are left
// for nodes that have one.
var Handlers = worker.NewRegistry()

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker node: claims and executes jobs, fires due recurring
tasks, reclaims leases abandoned by crashed nodes, and listens for
wakeup notifications from peers.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Logger
	codecs := codec.NewRegistry()
	emitter := notify.NewEmitter(log)
	defer emitter.Close()

	store := queue.NewStore(conn)
	q := queue.NewQueue(store, emitter, log)
	tasks := usertask.NewStore(conn, q, codecs, log)
	nodes := notify.NewNodeStore(conn)

	pool := worker.NewPool(ctx, store, Handlers, codecs, cfg.Node.ID, worker.PoolConfig{
		Workers:           cfg.Worker.Workers,
		PollInterval:      time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatIntervalSeconds) * time.Second,
		RetryLimit:        cfg.Worker.RetryLimit,
	}, log)

	driver := usertask.NewDriver(ctx, tasks, q, usertask.DriverConfig{
		Interval: time.Duration(cfg.Schedule.TickIntervalSeconds) * time.Second,
	}, log)

	reclaimer := worker.NewReclaimer(ctx, store, worker.ReclaimerConfig{
		LeaseTimeout: time.Duration(cfg.Worker.LeaseTimeoutSeconds) * time.Second,
		RetryLimit:   cfg.Worker.RetryLimit,
	}, log)

	notifier := notify.NewNotifier(ctx, nodes, emitter, notify.NotifierConfig{
		MinInterval:    time.Duration(cfg.Notify.MinIntervalSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.Notify.RequestTimeoutSeconds) * time.Second,
	}, log)

	if err := registerNode(ctx, nodes, cfg.Node.ID, cfg.Node.URL, cfg.Node.Port); err != nil {
		return err
	}
	go heartbeatLoop(ctx, nodes, cfg.Node.ID, log)

	pool.Start()
	driver.Start()
	reclaimer.Start()
	notifier.Start()

	server := wakeupServer(cfg.Node.Port, pool, log)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Wakeup listener failed", "error", err)
		}
	}()

	log.Infow("Worker node running",
		"node", cfg.Node.ID,
		"port", cfg.Node.Port,
		"capabilities", Handlers.Capabilities())

	<-ctx.Done()
	log.Infow("Shutting down worker node")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Wakeup listener shutdown failed", "error", err)
	}

	notifier.Stop()
	reclaimer.Stop()
	driver.Stop()
	pool.Stop()

	if err := nodes.Remove(shutdownCtx, cfg.Node.ID); err != nil {
		log.Warnw("Failed to deregister node", "error", err)
	}
	return nil
}

func registerNode(ctx context.Context, nodes *notify.NodeStore, id, url string, port int) error {
	if url == "" {
		url = fmt.Sprintf("http://localhost:%d", port)
	}
	return nodes.Register(ctx, id, url)
}

// heartbeatLoop keeps this node in the active set other nodes notify.
func heartbeatLoop(ctx context.Context, nodes *notify.NodeStore, id string, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nodes.Heartbeat(ctx, id); err != nil {
				log.Warnw("Node heartbeat failed", "error", err)
			}
		}
	}
}

func wakeupServer(port int, pool *worker.Pool, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(notify.WakeupPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		pool.Poke()
		log.Debugw("Wakeup received", "from", r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
