package amqpbroker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// session wraps a transactional channel. Take fetches deliveries with basic.get
// until the requested message id appears; everything fetched on the way is
// requeued when the transaction ends. Browse uses its own non-transactional
// channel and closes it, which hands every fetched message back to the queue.
type session struct {
	connector *Connector
	ch        *amqp.Channel

	targets   []amqp.Delivery
	skipped   []amqp.Delivery
	published []bufferedPublish
	closed    bool
}

type bufferedPublish struct {
	queue string
	msg   amqp.Publishing
}

func (s *session) txChannel() (*amqp.Channel, error) {
	if s.closed {
		return nil, broker.ErrSessionClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	conn, err := s.connector.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, mapError(err, "")
	}
	if err := ch.Tx(); err != nil {
		ch.Close()
		return nil, mapError(err, "")
	}
	s.ch = ch
	return ch, nil
}

func (s *session) Browse(ctx context.Context, queue string, limit int, yield func(broker.Message) bool) error {
	if s.closed {
		return broker.ErrSessionClosed
	}
	conn, err := s.connector.Connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return mapError(err, queue)
	}
	// Closing without acking returns every fetched message to the queue.
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, false, false, false, false, nil)
	if err != nil {
		return mapError(err, queue)
	}
	max := q.Messages
	if limit > 0 && limit < max {
		max = limit
	}
	for i := 0; i < max; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return mapError(err, queue)
		}
		if !ok {
			return nil
		}
		if !yield(toMessage(queue, d)) {
			return nil
		}
	}
	return nil
}

func (s *session) Take(ctx context.Context, queue, messageID string) (broker.Message, error) {
	ch, err := s.txChannel()
	if err != nil {
		return broker.Message{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return broker.Message{}, err
		}
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return broker.Message{}, mapError(err, queue)
		}
		if !ok {
			return broker.Message{}, fmt.Errorf("%w: '%s' on '%s'", broker.ErrMessageNotFound, messageID, queue)
		}
		if d.MessageId == messageID {
			s.targets = append(s.targets, d)
			return toMessage(queue, d), nil
		}
		s.skipped = append(s.skipped, d)
	}
}

func (s *session) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if _, err := s.txChannel(); err != nil {
		return err
	}
	s.published = append(s.published, bufferedPublish{queue: queue, msg: toPublishing(msg)})
	return nil
}

func (s *session) Commit() error {
	ch, err := s.txChannel()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range s.published {
		if err := ch.PublishWithContext(ctx, "", p.queue, false, false, p.msg); err != nil {
			return mapError(err, p.queue)
		}
	}
	for _, d := range s.targets {
		if err := d.Ack(false); err != nil {
			return mapError(err, "")
		}
	}
	for _, d := range s.skipped {
		if err := d.Nack(false, true); err != nil {
			return mapError(err, "")
		}
	}
	if err := ch.TxCommit(); err != nil {
		return mapError(err, "")
	}
	s.reset(false)
	return nil
}

// Rollback discards buffered work and closes the channel so that every fetched
// delivery is requeued; the next operation opens a fresh channel.
func (s *session) Rollback() error {
	if s.closed {
		return broker.ErrSessionClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		_ = s.ch.TxRollback()
	}
	s.reset(true)
	return nil
}

func (s *session) reset(closeChannel bool) {
	s.targets = nil
	s.skipped = nil
	s.published = nil
	if closeChannel && s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.reset(true)
	s.closed = true
	return nil
}

func toPublishing(msg broker.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	ts := msg.EnqueuedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.ID,
		Timestamp:     ts,
		Body:          msg.Body,
	}
}

func toMessage(queue string, d amqp.Delivery) broker.Message {
	headers, original, deaths := flattenHeaders(d.Headers)
	msg := broker.Message{
		ID:            d.MessageId,
		Queue:         queue,
		EnqueuedAt:    d.Timestamp,
		Headers:       headers,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		Body:          d.Body,
	}
	if original != "" {
		msg.Headers[broker.HeaderOriginalDestination] = original
	}
	msg.RedeliveryCount = deaths
	if n, err := strconv.Atoi(headers[broker.HeaderDeliveryCount]); err == nil && n > deaths {
		msg.RedeliveryCount = n
	}
	return msg
}

// flattenHeaders stringifies an AMQP table and extracts the origin queue and
// death count from the first x-death entry.
func flattenHeaders(table amqp.Table) (map[string]string, string, int) {
	headers := make(map[string]string, len(table))
	original := ""
	deaths := 0
	for k, v := range table {
		if k == "x-death" {
			if entries, ok := v.([]any); ok && len(entries) > 0 {
				if first, ok := entries[0].(amqp.Table); ok {
					original, _ = first["queue"].(string)
					deaths = toInt(first["count"])
					if reason, ok := first["reason"].(string); ok {
						headers[broker.HeaderDeathReason] = reason
					}
				}
			}
			continue
		}
		headers[k] = fmt.Sprint(v)
	}
	if o, ok := headers[broker.HeaderOriginalDestination]; ok && original == "" {
		original = o
	}
	return headers, original, deaths
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
