package memory

import (
	"context"
	"strconv"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/rs/zerolog/log"
)

// Handler processes one delivery. A returned error triggers redelivery, and
// dead-lettering once MaxRedeliveries is exceeded.
type Handler func(ctx context.Context, msg broker.Message) error

// Consumer is a running subscription.
type Consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the consumer and waits for in-flight handlers to return.
func (c *Consumer) Cancel() {
	c.cancel()
	<-c.done
}

// Consume starts concurrency workers pulling from the queue. Deliveries are
// handled concurrently, so no ordering is guaranteed between messages.
func (b *Broker) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) (*Consumer, error) {
	if err := b.checkFault(ctx, "consume"); err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	b.mu.Lock()
	q := b.getOrCreateQueue(queueName)
	q.consumers += concurrency
	b.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	c := &Consumer{cancel: cancel, done: make(chan struct{})}

	workers := make(chan struct{}, concurrency)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(c.done)
		for i := 0; i < concurrency; i++ {
			go func() {
				b.consumeLoop(cctx, queueName, handler)
				workers <- struct{}{}
			}()
		}
		for i := 0; i < concurrency; i++ {
			<-workers
		}
		b.mu.Lock()
		q.consumers -= concurrency
		b.mu.Unlock()
	}()
	return c, nil
}

func (b *Broker) consumeLoop(ctx context.Context, queueName string, handler Handler) {
	for {
		msg, ok := b.next(ctx, queueName)
		if !ok {
			return
		}
		err := handler(ctx, msg.Clone())
		b.settle(queueName, msg, err)
	}
}

// next blocks until a message is ready or ctx or the broker is done.
func (b *Broker) next(ctx context.Context, queueName string) (broker.Message, bool) {
	for {
		b.mu.Lock()
		q := b.getOrCreateQueue(queueName)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked++
			b.mu.Unlock()
			return msg, true
		}
		wake := q.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return broker.Message{}, false
		case <-b.ctx.Done():
			return broker.Message{}, false
		case <-wake:
		}
	}
}

func (b *Broker) settle(queueName string, msg broker.Message, handlerErr error) {
	if handlerErr == nil {
		b.mu.Lock()
		b.queues[queueName].unacked--
		b.mu.Unlock()
		return
	}

	msg.RedeliveryCount++
	if msg.RedeliveryCount <= b.cfg.MaxRedeliveries {
		log.Debug().Str("queue", queueName).Str("id", msg.ID).Int("redelivery", msg.RedeliveryCount).Err(handlerErr).Msg("Redelivering message")
		if b.cfg.RedeliveryDelay > 0 {
			select {
			case <-time.After(b.cfg.RedeliveryDelay):
			case <-b.ctx.Done():
			}
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.queues[queueName].unacked--
		q := b.queues[queueName]
		q.ready = append(q.ready, msg)
		q.signal()
		return
	}

	log.Warn().Str("queue", queueName).Str("id", msg.ID).Err(handlerErr).Msg("Dead-lettering message")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queueName].unacked--
	b.deadLetterLocked(queueName, msg, handlerErr.Error())
}

// deadLetterLocked moves msg to the queue's DLQ keeping its id, so a browse
// before and after dead-lettering refers to the same message.
func (b *Broker) deadLetterLocked(queueName string, msg broker.Message, reason string) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[broker.HeaderOriginalDestination] = queueName
	msg.Headers[broker.HeaderDeathReason] = reason
	msg.Headers[broker.HeaderDeliveryCount] = strconv.Itoa(msg.RedeliveryCount)
	msg.EnqueuedAt = time.Now().UTC()
	b.enqueueLocked(b.cfg.DLQPrefix+queueName, msg)
}
