package messaging

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/broker/amqpbroker"
	"github.com/ottermq/ottermon/internal/core/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQPTransport runs endpoints on an AMQP 0-9-1 broker. Every endpoint has a
// durable queue and a paired DLQ; failed deliveries are republished with an
// incremented delivery count and moved to the DLQ after MaxRedeliveries.
type AMQPTransport struct {
	connector       *amqpbroker.Connector
	naming          models.NamingConvention
	maxRedeliveries int

	mu       sync.Mutex
	declared map[string]struct{}
}

func NewAMQPTransport(connector *amqpbroker.Connector, naming models.NamingConvention, maxRedeliveries int) *AMQPTransport {
	if maxRedeliveries < 0 {
		maxRedeliveries = 0
	}
	return &AMQPTransport{
		connector:       connector,
		naming:          naming,
		maxRedeliveries: maxRedeliveries,
		declared:        make(map[string]struct{}),
	}
}

func (t *AMQPTransport) channel() (*amqp.Channel, error) {
	conn, err := t.connector.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	return ch, nil
}

// declare makes sure the endpoint queue and its DLQ exist.
func (t *AMQPTransport) declare(ch *amqp.Channel, endpointID string) error {
	t.mu.Lock()
	_, done := t.declared[endpointID]
	t.mu.Unlock()
	if done {
		return nil
	}
	for _, name := range []string{t.naming.QueueName(endpointID), t.naming.DLQName(endpointID)} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare '%s': %w", name, err)
		}
	}
	t.mu.Lock()
	t.declared[endpointID] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *AMQPTransport) Send(ctx context.Context, envs ...Envelope) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	for _, env := range envs {
		if err := t.declare(ch, env.To); err != nil {
			return err
		}
	}
	if err := ch.Tx(); err != nil {
		return err
	}
	for _, env := range envs {
		msg, err := env.toMessage()
		if err != nil {
			_ = ch.TxRollback()
			return err
		}
		if err := ch.PublishWithContext(ctx, "", t.naming.QueueName(env.To), false, false, publishing(msg)); err != nil {
			_ = ch.TxRollback()
			return fmt.Errorf("failed to send to '%s': %w", env.To, err)
		}
	}
	return ch.TxCommit()
}

func publishing(m broker.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   m.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: m.CorrelationID,
		MessageId:     m.ID,
		Timestamp:     time.Now().UTC(),
		Body:          m.Body,
	}
}

type amqpSubscription struct {
	cancel context.CancelFunc
	ch     *amqp.Channel
	tag    string
	wg     sync.WaitGroup
}

func (s *amqpSubscription) Cancel() {
	s.cancel()
	_ = s.ch.Cancel(s.tag, false)
	s.wg.Wait()
	_ = s.ch.Close()
}

func (t *AMQPTransport) Subscribe(ctx context.Context, endpointID string, concurrency int, h Handler) (Subscription, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	ch, err := t.channel()
	if err != nil {
		return nil, err
	}
	if err := t.declare(ch, endpointID); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	queue := t.naming.QueueName(endpointID)
	tag := endpointID + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume '%s': %w", queue, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	sub := &amqpSubscription{cancel: cancel, ch: ch, tag: tag}
	for i := 0; i < concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for d := range deliveries {
				t.handle(cctx, ch, endpointID, d, h)
			}
		}()
	}
	log.Debug().Str("endpoint", endpointID).Int("concurrency", concurrency).Msg("Subscribed")
	return sub, nil
}

func (t *AMQPTransport) handle(ctx context.Context, ch *amqp.Channel, endpointID string, d amqp.Delivery, h Handler) {
	env, err := fromMessage(broker.Message{ID: d.MessageId, Body: d.Body})
	if err == nil {
		err = h(ctx, env)
	}
	if err == nil {
		_ = d.Ack(false)
		return
	}

	count := deliveryCount(d) + 1
	target := t.naming.QueueName(endpointID)
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[broker.HeaderDeliveryCount] = strconv.Itoa(count)
	if count > t.maxRedeliveries {
		target = t.naming.DLQName(endpointID)
		headers[broker.HeaderOriginalDestination] = t.naming.QueueName(endpointID)
		headers[broker.HeaderDeathReason] = err.Error()
		log.Warn().Str("endpoint", endpointID).Str("id", d.MessageId).Err(err).Msg("Dead-lettering message")
	} else {
		log.Debug().Str("endpoint", endpointID).Str("id", d.MessageId).Int("redelivery", count).Err(err).Msg("Redelivering message")
	}

	pub := amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	}
	// publish before ack: a crash in between redelivers rather than loses
	if pubErr := ch.PublishWithContext(context.WithoutCancel(ctx), "", target, false, false, pub); pubErr != nil {
		log.Error().Err(pubErr).Str("id", d.MessageId).Msg("Failed to requeue message, returning it to the broker")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func deliveryCount(d amqp.Delivery) int {
	switch v := d.Headers[broker.HeaderDeliveryCount].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

// Close leaves the connector open; it is owned by the caller.
func (t *AMQPTransport) Close() error {
	return nil
}
