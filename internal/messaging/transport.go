package messaging

import (
	"context"
	"fmt"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/broker/memory"
	"github.com/ottermq/ottermon/internal/core/models"
)

// Handler processes one envelope. A returned error triggers redelivery and
// finally dead-lettering.
type Handler func(ctx context.Context, env Envelope) error

type Subscription interface {
	Cancel()
}

// Transport moves envelopes between endpoints. Send delivers all envelopes in
// one transaction.
type Transport interface {
	Send(ctx context.Context, envs ...Envelope) error
	Subscribe(ctx context.Context, endpointID string, concurrency int, h Handler) (Subscription, error)
	Close() error
}

// MemoryTransport runs endpoints on the in-memory broker.
type MemoryTransport struct {
	broker *memory.Broker
	naming models.NamingConvention
}

func NewMemoryTransport(b *memory.Broker, naming models.NamingConvention) *MemoryTransport {
	return &MemoryTransport{broker: b, naming: naming}
}

func (t *MemoryTransport) Send(ctx context.Context, envs ...Envelope) error {
	sess, err := t.broker.Session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	for _, env := range envs {
		msg, err := env.toMessage()
		if err != nil {
			return err
		}
		if err := sess.Publish(ctx, t.naming.QueueName(env.To), msg); err != nil {
			_ = sess.Rollback()
			return fmt.Errorf("failed to send to '%s': %w", env.To, err)
		}
	}
	return sess.Commit()
}

func (t *MemoryTransport) Subscribe(ctx context.Context, endpointID string, concurrency int, h Handler) (Subscription, error) {
	consumer, err := t.broker.Consume(ctx, t.naming.QueueName(endpointID), concurrency, func(ctx context.Context, m broker.Message) error {
		env, err := fromMessage(m)
		if err != nil {
			return err
		}
		return h(ctx, env)
	})
	if err != nil {
		return nil, err
	}
	return consumer, nil
}

// Close leaves the broker running; it is owned by the caller.
func (t *MemoryTransport) Close() error {
	return nil
}
