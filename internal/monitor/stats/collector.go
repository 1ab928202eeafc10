// Package stats polls the broker for destination depth on a fixed interval
// and serves the latest snapshot to any number of concurrent readers.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Naming       models.NamingConvention
	PollInterval time.Duration
	PollTimeout  time.Duration
	// SnapshotTTL bounds how fresh ForceUpdate must keep the snapshot.
	SnapshotTTL time.Duration
}

// Health describes the collector's recent polling outcome.
type Health struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   string
	Stale       bool
}

// Listener is called after every successful snapshot swap.
type Listener func(*models.StatsSnapshot)

type Collector struct {
	admin broker.Admin
	cfg   Config
	now   func() time.Time

	snapshot atomic.Pointer[models.StatsSnapshot]

	mu          sync.Mutex
	listeners   []Listener
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
	onFailure   func(error)

	pollMu  sync.Mutex // serialises poll cycles
	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(admin broker.Admin, cfg Config) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.PollTimeout <= 0 || cfg.PollTimeout > cfg.PollInterval {
		cfg.PollTimeout = cfg.PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		admin:  admin,
		cfg:    cfg,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.snapshot.Store(models.EmptySnapshot())
	return c
}

// RegisterListener adds fn to the listeners notified after each swap.
func (c *Collector) RegisterListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnFailure sets a hook invoked for every failed poll cycle.
func (c *Collector) OnFailure(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = fn
}

// Start polls once immediately and then every PollInterval. Calling Start
// more than once has no effect.
func (c *Collector) Start() {
	if c.closed.Load() || !c.started.CompareAndSwap(false, true) {
		return
	}
	log.Info().Dur("interval", c.cfg.PollInterval).Msg("Starting broker stats collector")
	go c.run()
}

func (c *Collector) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	_ = c.poll(c.ctx)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.poll(c.ctx)
		}
	}
}

// CurrentSnapshot returns the latest snapshot without touching the broker.
func (c *Collector) CurrentSnapshot() *models.StatsSnapshot {
	return c.snapshot.Load()
}

// ForceUpdate polls synchronously when the current snapshot is older than
// SnapshotTTL, and otherwise returns the cached snapshot.
func (c *Collector) ForceUpdate(ctx context.Context) (*models.StatsSnapshot, error) {
	current := c.snapshot.Load()
	if !current.CapturedAt().IsZero() && current.Age(c.now()) < c.cfg.SnapshotTTL {
		return current, nil
	}
	if err := c.poll(ctx); err != nil {
		return c.snapshot.Load(), err
	}
	return c.snapshot.Load(), nil
}

// Health reports the last poll outcome and whether the snapshot is stale,
// meaning older than twice the poll interval.
func (c *Collector) Health() Health {
	c.mu.Lock()
	h := Health{LastAttempt: c.lastAttempt, LastSuccess: c.lastSuccess}
	if c.lastErr != nil {
		h.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	snap := c.snapshot.Load()
	h.Stale = snap.CapturedAt().IsZero() || snap.Age(c.now()) > 2*c.cfg.PollInterval
	return h
}

// Close stops polling, abandons an in-flight poll and closes the admin handle.
// It is safe to call more than once.
func (c *Collector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
	log.Info().Msg("Broker stats collector stopped")
	return c.admin.Close()
}

type listResult struct {
	queues []broker.QueueInfo
	err    error
}

// poll runs one cycle. The admin call runs in its own goroutine so a hung
// broker call is abandoned when PollTimeout expires.
func (c *Collector) poll(parent context.Context) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, c.cfg.PollTimeout)
	defer cancel()

	started := c.now()
	c.mu.Lock()
	c.lastAttempt = started
	c.mu.Unlock()

	results := make(chan listResult, 1)
	go func() {
		queues, err := c.admin.ListQueues(ctx)
		results <- listResult{queues: queues, err: err}
	}()

	var res listResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = fmt.Errorf("poll abandoned after %s: %w", c.cfg.PollTimeout, ctx.Err())
	}
	if res.err != nil {
		c.fail(res.err)
		return res.err
	}

	snap := c.build(c.now(), res.queues)
	c.snapshot.Store(snap)

	c.mu.Lock()
	c.lastSuccess = snap.CapturedAt()
	c.lastErr = nil
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	log.Debug().Int("destinations", snap.Len()).Int("dlq_total", snap.TotalDLQ()).Dur("took", c.now().Sub(started)).Msg("Broker stats updated")
	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

func (c *Collector) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	hook := c.onFailure
	c.mu.Unlock()
	if errors.Is(err, context.Canceled) && c.closed.Load() {
		return
	}
	log.Warn().Err(err).Msg("Broker stats poll failed, serving last known snapshot")
	if hook != nil {
		hook(err)
	}
}

func (c *Collector) build(at time.Time, queues []broker.QueueInfo) *models.StatsSnapshot {
	stats := make(map[models.Destination]models.QueueStats, len(queues))
	for _, q := range queues {
		d, ok := c.cfg.Naming.Classify(q.Name)
		if !ok {
			continue
		}
		qs := models.QueueStats{
			QueueSize:     q.Messages,
			InFlightCount: q.Unacked,
		}
		if d.IsDLQ() {
			qs.DLQSize = q.Messages
		}
		stats[d] = qs
	}
	return models.NewStatsSnapshot(at, stats)
}
