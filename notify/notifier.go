package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quirehq/quire/internal/httpclient"
)

// WakeupPath is the endpoint a worker node exposes for poll hints.
const WakeupPath = "/api/v1/notify/wakeup"

// NotifierConfig tunes broadcast behavior.
type NotifierConfig struct {
	MinInterval    time.Duration // floor between broadcasts; bursts coalesce
	RequestTimeout time.Duration // per-node HTTP timeout
	NodeMaxAge     time.Duration // nodes seen longer ago are skipped
}

// DefaultNotifierConfig returns sensible defaults.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		MinInterval:    2 * time.Second,
		RequestTimeout: 3 * time.Second,
		NodeMaxAge:     5 * time.Minute,
	}
}

// Notifier listens for change events and pokes every active worker
// node to poll the queue immediately. Bursts of events collapse into a
// single broadcast, and a slow or dead node never blocks the caller or
// the other nodes.
type Notifier struct {
	nodes   *NodeStore
	events  <-chan Event
	client  *httpclient.SaferClient
	limiter *rate.Limiter
	cfg     NotifierConfig
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger
}

// NewNotifier creates a notifier subscribed to the emitter.
func NewNotifier(ctx context.Context, nodes *NodeStore, emitter *Emitter, cfg NotifierConfig, logger *zap.SugaredLogger) *Notifier {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultNotifierConfig().MinInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultNotifierConfig().RequestTimeout
	}
	if cfg.NodeMaxAge <= 0 {
		cfg.NodeMaxAge = DefaultNotifierConfig().NodeMaxAge
	}

	notifierCtx, cancel := context.WithCancel(ctx)
	return &Notifier{
		nodes:   nodes,
		events:  emitter.Subscribe(),
		client:  httpclient.New(cfg.RequestTimeout, httpclient.Options{}),
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		cfg:     cfg,
		ctx:     notifierCtx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start begins the broadcast loop.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
	n.logger.Infow("Node notifier started", "min_interval", n.cfg.MinInterval)
}

// Stop gracefully stops the broadcast loop.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.logger.Infow("Node notifier stopped")
}

func (n *Notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case event, ok := <-n.events:
			if !ok {
				return
			}
			// Honor the broadcast floor, then fold in everything that
			// arrived while waiting.
			if err := n.limiter.Wait(n.ctx); err != nil {
				return
			}
			n.drain()
			n.NotifyAllNodes(n.ctx, event)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case _, ok := <-n.events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// NotifyAllNodes pokes every active node once. Failures are logged and
// swallowed; workers poll on their own interval anyway.
func (n *Notifier) NotifyAllNodes(ctx context.Context, event Event) {
	nodes, err := n.nodes.ListActive(ctx, n.cfg.NodeMaxAge)
	if err != nil {
		n.logger.Warnw("Failed to list nodes for notification", "error", err)
		return
	}
	if len(nodes) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Warnw("Failed to encode notification", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			n.poke(ctx, node, payload)
		}(node)
	}
	wg.Wait()
}

func (n *Notifier) poke(ctx context.Context, node *Node, payload []byte) {
	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		node.URL+WakeupPath, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warnw("Failed to build wakeup request", "node", node.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warnw("Node wakeup failed", "node", node.ID, "url", node.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warnw("Node wakeup rejected", "node", node.ID, "status", resp.StatusCode)
		return
	}
	n.logger.Debugw("Node woken", "node", node.ID)
}
