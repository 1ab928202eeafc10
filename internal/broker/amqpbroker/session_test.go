package amqpbroker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestToMessage_ExtractsXDeath(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := amqp.Delivery{
		MessageId:     "m-1",
		CorrelationId: "trace-1",
		Timestamp:     ts,
		Body:          []byte(`{"a":1}`),
		Headers: amqp.Table{
			"x-trace-id": "trace-1",
			"x-death": []any{
				amqp.Table{"queue": "mats.SimpleService.simple", "reason": "rejected", "count": int64(3)},
			},
		},
	}

	msg := toMessage("DLQ.mats.SimpleService.simple", d)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "DLQ.mats.SimpleService.simple", msg.Queue)
	assert.Equal(t, ts, msg.EnqueuedAt)
	assert.Equal(t, 3, msg.RedeliveryCount)
	assert.Equal(t, "mats.SimpleService.simple", msg.Headers[broker.HeaderOriginalDestination])
	assert.Equal(t, "rejected", msg.Headers[broker.HeaderDeathReason])
	assert.Equal(t, "trace-1", msg.Headers["x-trace-id"])
	_, hasDeath := msg.Headers["x-death"]
	assert.False(t, hasDeath)
}

func TestToMessage_DeliveryCountHeader(t *testing.T) {
	d := amqp.Delivery{
		MessageId: "m-2",
		Headers: amqp.Table{
			broker.HeaderOriginalDestination: "mats.a",
			broker.HeaderDeliveryCount:       "5",
		},
	}
	msg := toMessage("DLQ.mats.a", d)
	assert.Equal(t, 5, msg.RedeliveryCount)
	assert.Equal(t, "mats.a", msg.Headers[broker.HeaderOriginalDestination])
}

func TestToPublishing_CopiesIdentity(t *testing.T) {
	p := toPublishing(broker.Message{
		ID:            "m-3",
		CorrelationID: "c",
		ReplyTo:       "r",
		Headers:       map[string]string{"k": "v"},
		Body:          []byte("x"),
	})
	assert.Equal(t, "m-3", p.MessageId)
	assert.Equal(t, "c", p.CorrelationId)
	assert.Equal(t, "r", p.ReplyTo)
	assert.Equal(t, "v", p.Headers["k"])
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.False(t, p.Timestamp.IsZero())
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil, "q"))
	assert.ErrorIs(t, mapError(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND"}, "q"), broker.ErrQueueNotFound)
	assert.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", amqp.ErrClosed), "q"), broker.ErrBrokerUnavailable)
	other := errors.New("other")
	assert.ErrorIs(t, mapError(other, "q"), other)
}
