package embedcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"

	"github.com/forummod/embedwatch/embedcheck/ledger"
)

// ErrClosed is returned by [Checker.Enqueue] once shutdown has begun.
var ErrClosed = errors.New("embed checker is shut down")

var ErrNilBatch = errors.New("nil embed batch")

type Config struct {
	// number of worker goroutines, each with its own probe client
	Workers int
	// batches which may wait for a worker before Enqueue blocks
	QueueSize int
	Factors   Factors
	// maximum number of redirects followed before a chain is treated as abusive
	RedirectLimit int
	// total attempts per request, when the connection is reset or closed early
	MaxFetchAttempts int
	Transport        TransportConfig
	// requests per second across all workers; zero means unlimited
	ProbeRateLimit float64
}

func DefaultConfig() Config {
	return Config{
		Workers:          8,
		QueueSize:        10_000,
		Factors:          DefaultFactors(),
		RedirectLimit:    20,
		MaxFetchAttempts: 5,
		Transport:        DefaultTransportConfig(),
	}
}

// Services are the collaborators a [Checker] is wired to. Logger, Metrics and Notifier are
// optional.
type Services struct {
	Logger   *slog.Logger
	Metrics  *Metrics
	Ledger   ledger.Ledger
	Filter   *Filter
	Matcher  Matcher
	Router   ActionRouter
	Reporter Reporter
	Notifier Notifier
}

// Checker runs embed batches through a fixed pool of workers.
type Checker struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	ledger   ledger.Ledger
	filter   *Filter
	matcher  Matcher
	router   ActionRouter
	reporter Reporter
	notifier Notifier
	limiter  *rate.Limiter

	queue     chan *Batch
	closing   chan struct{}
	closeOnce sync.Once

	// held for reading while sending to queue, and for writing when closing it
	lk      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewChecker(cfg Config, svc Services) (*Checker, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("invalid worker count: %d", cfg.Workers)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("invalid queue size: %d", cfg.QueueSize)
	}
	if cfg.RedirectLimit < 0 {
		return nil, fmt.Errorf("invalid redirect limit: %d", cfg.RedirectLimit)
	}
	if cfg.MaxFetchAttempts < 1 {
		cfg.MaxFetchAttempts = 1
	}
	if svc.Ledger == nil {
		return nil, fmt.Errorf("embed checker requires a ledger")
	}
	if svc.Filter == nil {
		return nil, fmt.Errorf("embed checker requires a filter")
	}
	if svc.Matcher == nil {
		return nil, fmt.Errorf("embed checker requires a matcher")
	}
	if svc.Router == nil {
		return nil, fmt.Errorf("embed checker requires an action router")
	}
	if svc.Reporter == nil {
		return nil, fmt.Errorf("embed checker requires a reporter")
	}

	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := svc.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	c := &Checker{
		cfg:      cfg,
		logger:   logger.With("system", "embed-checker"),
		metrics:  metrics,
		ledger:   svc.Ledger,
		filter:   svc.Filter,
		matcher:  svc.Matcher,
		router:   svc.Router,
		reporter: svc.Reporter,
		notifier: svc.Notifier,
		queue:    make(chan *Batch, cfg.QueueSize),
		closing:  make(chan struct{}),
	}
	if cfg.ProbeRateLimit > 0 {
		burst := max(1, int(cfg.ProbeRateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ProbeRateLimit), burst)
	}
	return c, nil
}

// Enqueue submits a batch for processing. It blocks while the queue is full, until ctx is done
// or shutdown begins.
func (c *Checker) Enqueue(ctx context.Context, b *Batch) error {
	if b == nil {
		return ErrNilBatch
	}
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	c.lk.RLock()
	defer c.lk.RUnlock()
	if c.closed {
		return ErrClosed
	}

	c.metrics.backlog.Inc()
	select {
	case c.queue <- b:
		return nil
	case <-ctx.Done():
		c.metrics.backlog.Dec()
		return ctx.Err()
	case <-c.closing:
		c.metrics.backlog.Dec()
		return ErrClosed
	}
}

// Start launches the worker pool. Cancelling ctx stops workers immediately, aborting in-flight
// probes; use [Checker.Shutdown] to drain instead.
func (c *Checker) Start(ctx context.Context) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return fmt.Errorf("embed checker already started")
	}
	c.started = true

	c.logger.Info("starting embed checker", "workers", c.cfg.Workers, "queueSize", c.cfg.QueueSize)
	for i := range c.cfg.Workers {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	return nil
}

// Shutdown stops accepting batches and waits for workers to process everything already
// queued, or for ctx to be done.
func (c *Checker) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down embed checker")
	c.closeOnce.Do(func() { close(c.closing) })

	c.lk.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	started := c.started
	c.lk.Unlock()

	if !started {
		if n := len(c.queue); n > 0 {
			return fmt.Errorf("embed checker was never started: %d batches unprocessed", n)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		// workers exit early when the Start context is cancelled
		if n := len(c.queue); n > 0 {
			c.metrics.backlog.Sub(float64(n))
			return fmt.Errorf("embed checker stopped: %d batches unprocessed", n)
		}
		c.logger.Info("embed checker shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checker) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	client, stop := NewProbeClient(c.cfg.Transport)
	defer stop()

	for {
		if ctx.Err() != nil {
			c.logger.Debug("embed worker stopping", "worker", id, "err", ctx.Err())
			return
		}
		select {
		case <-ctx.Done():
			c.logger.Debug("embed worker stopping", "worker", id, "err", ctx.Err())
			return
		case b, ok := <-c.queue:
			if !ok {
				return
			}
			c.metrics.backlog.Dec()
			c.ProcessBatch(ctx, client, b)
		}
	}
}

// ProcessBatch dispatches every embed of b, in order. A panic while processing the batch is
// logged and counted, and does not propagate.
func (c *Checker) ProcessBatch(ctx context.Context, client *http.Client, b *Batch) {
	if b == nil {
		return
	}
	repo, path := b.Repo, b.Path
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while processing embed batch", "repo", repo, "path", path, "panic", r, "stack", string(debug.Stack()))
			c.metrics.Inc(ComponentChecker, EventBatchPanic)
		}
	}()
	for _, e := range b.Embeds {
		c.Dispatch(ctx, client, b.Repo, b.Path, e)
	}
}
