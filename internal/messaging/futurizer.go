package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrFuturizeTimeout = errors.New("no reply before timeout")

// Futurizer turns a request into a blocking call: it owns a private reply
// endpoint and matches replies to waiting callers by correlation id. It is
// meant to be long-lived.
type Futurizer struct {
	f        *Factory
	endpoint *Endpoint
	replyTo  string
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan Envelope
}

// NewFuturizer starts the private reply endpoint on f.
func NewFuturizer(f *Factory, timeout time.Duration) (*Futurizer, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fz := &Futurizer{
		f:       f,
		replyTo: f.AppName() + ".private.futurizer." + uuid.NewString()[:8],
		timeout: timeout,
		pending: make(map[string]chan Envelope),
	}
	ep, err := f.register(fz.replyTo, 0, func(_ context.Context, _ ProcessContext, env Envelope) error {
		fz.mu.Lock()
		ch, ok := fz.pending[env.CorrelationID]
		delete(fz.pending, env.CorrelationID)
		fz.mu.Unlock()
		if !ok {
			log.Warn().Str("correlation_id", env.CorrelationID).Str("trace_id", env.TraceID).Msg("Dropping reply nobody waits for")
			return nil
		}
		ch <- env
		return nil
	})
	if err != nil {
		return nil, err
	}
	fz.endpoint = ep
	return fz, nil
}

// Reply is a received reply with its timing.
type Reply[R any] struct {
	Reply       R
	TraceID     string
	From        string
	InitiatedAt time.Time
	ReceivedAt  time.Time
}

// Futurize sends request to endpoint to and waits for the reply, bounded by
// ctx and the futurizer's timeout.
func Futurize[R any](ctx context.Context, fz *Futurizer, traceID, from, to string, request any) (Reply[R], error) {
	correlationID := uuid.NewString()
	ch := make(chan Envelope, 1)
	fz.mu.Lock()
	fz.pending[correlationID] = ch
	fz.mu.Unlock()
	defer func() {
		fz.mu.Lock()
		delete(fz.pending, correlationID)
		fz.mu.Unlock()
	}()

	initiated := time.Now()
	err := fz.f.Initiate(ctx, func(in *Initiation) error {
		return in.Add(Request{
			TraceID:       traceID,
			From:          from,
			To:            to,
			ReplyTo:       fz.replyTo,
			CorrelationID: correlationID,
			Payload:       request,
		})
	})
	if err != nil {
		return Reply[R]{}, err
	}

	timer := time.NewTimer(fz.timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		var out Reply[R]
		if err := json.Unmarshal(env.Payload, &out.Reply); err != nil {
			return Reply[R]{}, fmt.Errorf("failed to decode reply from '%s': %w", env.From, err)
		}
		out.TraceID = env.TraceID
		out.From = env.From
		out.InitiatedAt = initiated
		out.ReceivedAt = time.Now()
		return out, nil
	case <-timer.C:
		return Reply[R]{}, fmt.Errorf("%w: %s waiting for '%s'", ErrFuturizeTimeout, fz.timeout, to)
	case <-ctx.Done():
		return Reply[R]{}, ctx.Err()
	}
}

func (fz *Futurizer) Close() {
	fz.endpoint.Stop()
}
