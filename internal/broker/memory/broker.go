// Package memory is an in-process broker used by tests and by the embedded
// mode of the CLI. It honours the same contract as a real broker: browsing
// never consumes, sessions are transactional, and failed deliveries are
// dead-lettered after a bounded number of redeliveries.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ottermq/ottermon/internal/broker"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DLQPrefix       string
	MaxRedeliveries int
	RedeliveryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		DLQPrefix:       "DLQ.",
		MaxRedeliveries: 1,
		RedeliveryDelay: 10 * time.Millisecond,
	}
}

// FaultFunc lets tests make an operation fail or hang. op is one of
// "list", "session", "browse", "take", "publish", "commit", "consume".
type FaultFunc func(ctx context.Context, op string) error

type Broker struct {
	mu     sync.Mutex
	cfg    Config
	queues map[string]*queue
	fault  FaultFunc
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queue struct {
	name      string
	ready     []broker.Message
	unacked   int
	consumers int
	wake      chan struct{}
}

func newQueue(name string) *queue {
	return &queue{name: name, wake: make(chan struct{})}
}

// signal wakes every consumer waiting on the queue. Caller holds the broker lock.
func (q *queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func New(cfg Config) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:    cfg,
		queues: make(map[string]*queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetFault installs a fault hook; nil removes it.
func (b *Broker) SetFault(fn FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

func (b *Broker) checkFault(ctx context.Context, op string) error {
	b.mu.Lock()
	fn := b.fault
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: broker closed", broker.ErrBrokerUnavailable)
	}
	if fn == nil {
		return nil
	}
	return fn(ctx, op)
}

// DeclareQueue creates the queue if it does not exist.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getOrCreateQueue(name)
}

func (b *Broker) getOrCreateQueue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
		log.Debug().Str("queue", name).Msg("Queue declared")
	}
	return q
}

// Publish places msg on the queue immediately, outside any transaction.
func (b *Broker) Publish(ctx context.Context, queueName string, msg broker.Message) error {
	if err := b.checkFault(ctx, "publish"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(queueName, msg)
	return nil
}

func (b *Broker) enqueueLocked(queueName string, msg broker.Message) {
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = GenerateMessageID()
	}
	msg.Queue = queueName
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	q := b.getOrCreateQueue(queueName)
	q.ready = append(q.ready, msg)
	q.signal()
}

// Depth returns ready and unacked counts for a queue.
func (b *Broker) Depth(queueName string) (ready, unacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, 0
	}
	return len(q.ready), q.unacked
}

// ListQueues implements broker.Admin.
func (b *Broker) ListQueues(ctx context.Context) ([]broker.QueueInfo, error) {
	if err := b.checkFault(ctx, "list"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]broker.QueueInfo, 0, len(b.queues))
	for _, q := range b.queues {
		infos = append(infos, broker.QueueInfo{
			Name:      q.name,
			Messages:  len(q.ready),
			Unacked:   q.unacked,
			Consumers: q.consumers,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Session implements broker.Connector.
func (b *Broker) Session(ctx context.Context) (broker.Session, error) {
	if err := b.checkFault(ctx, "session"); err != nil {
		return nil, err
	}
	return &session{b: b}, nil
}

// Close stops all consumers. Further operations fail with ErrBrokerUnavailable.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}

// Admin returns a view whose Close leaves the broker running, for callers
// that own their admin handle but not the broker.
func (b *Broker) Admin() broker.Admin {
	return borrowed{b}
}

// Connector returns a broker.Connector view whose Close leaves the broker running.
func (b *Broker) Connector() broker.Connector {
	return borrowed{b}
}

type borrowed struct {
	*Broker
}

func (borrowed) Close() error { return nil }

func GenerateMessageID() string {
	return uuid.NewString()
}
