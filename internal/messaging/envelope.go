// Package messaging is a small request/reply layer over the broker: endpoints
// consume JSON envelopes from their queue, replies travel to the ReplyTo
// endpoint together with the state the requester attached.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ottermq/ottermon/internal/broker"
)

const contentType = "application/json"

// Envelope is what travels on the wire.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	TraceID       string          `json:"trace_id"`
	From          string          `json:"from"`
	FromApp       string          `json:"from_app,omitempty"`
	To            string          `json:"to"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	ReplyState    json.RawMessage `json:"reply_state,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        time.Time       `json:"sent_at"`
}

// NewTraceID returns a random trace id.
func NewTraceID() string {
	return "ottermon-" + uuid.NewString()
}

// toMessage wraps env for queue. Trace and origin go to headers as well so
// they show up when a DLQ is browsed.
func (env Envelope) toMessage() (broker.Message, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return broker.Message{}, fmt.Errorf("failed to encode envelope for '%s': %w", env.To, err)
	}
	return broker.Message{
		ID:            env.MessageID,
		CorrelationID: env.CorrelationID,
		ContentType:   contentType,
		Headers: map[string]string{
			broker.HeaderTraceID: env.TraceID,
			broker.HeaderFrom:    env.From,
		},
		Body: body,
	}, nil
}

func fromMessage(m broker.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope %s: %w", m.ID, err)
	}
	if env.MessageID == "" {
		env.MessageID = m.ID
	}
	return env, nil
}

func marshalPart(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func unmarshalPart(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
