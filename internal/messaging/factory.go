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

var ErrFactoryClosed = errors.New("messaging factory closed")

type FactoryConfig struct {
	AppName     string
	Concurrency int
}

// Factory creates endpoints and initiates flows over one Transport.
type Factory struct {
	transport Transport
	cfg       FactoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	closed    bool
}

func NewFactory(transport Transport, cfg FactoryConfig) *Factory {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AppName == "" {
		cfg.AppName = "ottermon"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		transport: transport,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[string]*Endpoint),
	}
}

func (f *Factory) AppName() string {
	return f.cfg.AppName
}

// ProcessContext describes the envelope being processed.
type ProcessContext struct {
	EndpointID  string
	MessageID   string
	TraceID     string
	FromStageID string
	FromAppName string
}

// Endpoint is a running consumer on one endpoint id.
type Endpoint struct {
	ID  string
	f   *Factory
	sub Subscription

	once sync.Once
}

// Stop cancels the consumer and waits for in-flight handlers.
func (e *Endpoint) Stop() {
	e.once.Do(func() {
		e.sub.Cancel()
		e.f.mu.Lock()
		delete(e.f.endpoints, e.ID)
		e.f.mu.Unlock()
		log.Debug().Str("endpoint", e.ID).Msg("Endpoint stopped")
	})
}

type rawHandler func(ctx context.Context, pc ProcessContext, env Envelope) error

func (f *Factory) register(endpointID string, concurrency int, h rawHandler) (*Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	if _, dup := f.endpoints[endpointID]; dup {
		return nil, fmt.Errorf("endpoint '%s' already registered", endpointID)
	}
	if concurrency <= 0 {
		concurrency = f.cfg.Concurrency
	}
	sub, err := f.transport.Subscribe(f.ctx, endpointID, concurrency, func(ctx context.Context, env Envelope) error {
		pc := ProcessContext{
			EndpointID:  endpointID,
			MessageID:   env.MessageID,
			TraceID:     env.TraceID,
			FromStageID: env.From,
			FromAppName: env.FromApp,
		}
		return h(ctx, pc, env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start endpoint '%s': %w", endpointID, err)
	}
	ep := &Endpoint{ID: endpointID, f: f, sub: sub}
	f.endpoints[endpointID] = ep
	log.Info().Str("endpoint", endpointID).Int("concurrency", concurrency).Msg("Endpoint started")
	return ep, nil
}

// Terminator registers an endpoint that receives replies: the state the
// requester attached and the reply payload. It never replies itself.
func Terminator[S, R any](f *Factory, endpointID string, fn func(ctx context.Context, pc ProcessContext, state S, reply R) error) (*Endpoint, error) {
	return f.register(endpointID, 0, func(ctx context.Context, pc ProcessContext, env Envelope) error {
		var state S
		if err := unmarshalPart(env.ReplyState, &state); err != nil {
			return fmt.Errorf("bad state for terminator '%s': %w", endpointID, err)
		}
		var reply R
		if err := unmarshalPart(env.Payload, &reply); err != nil {
			return fmt.Errorf("bad reply for terminator '%s': %w", endpointID, err)
		}
		return fn(ctx, pc, state, reply)
	})
}

// Single registers a request/reply endpoint. The reply goes to the request's
// ReplyTo, carrying the requester's state back untouched.
func Single[Req, Rep any](f *Factory, endpointID string, fn func(ctx context.Context, pc ProcessContext, req Req) (Rep, error)) (*Endpoint, error) {
	return f.register(endpointID, 0, func(ctx context.Context, pc ProcessContext, env Envelope) error {
		var req Req
		if err := unmarshalPart(env.Payload, &req); err != nil {
			return fmt.Errorf("bad request for '%s': %w", endpointID, err)
		}
		rep, err := fn(ctx, pc, req)
		if err != nil {
			return err
		}
		if env.ReplyTo == "" {
			return nil
		}
		payload, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("failed to encode reply from '%s': %w", endpointID, err)
		}
		return f.transport.Send(ctx, Envelope{
			MessageID:     uuid.NewString(),
			TraceID:       env.TraceID,
			From:          endpointID,
			FromApp:       f.cfg.AppName,
			To:            env.ReplyTo,
			ReplyState:    env.ReplyState,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
			SentAt:        time.Now().UTC(),
		})
	})
}

// Initiation collects the messages of one Initiate call.
type Initiation struct {
	f    *Factory
	envs []Envelope
}

// Request describes a message to an endpoint. ReplyTo and ReplyState are
// optional; without ReplyTo the message is fire-and-forget.
type Request struct {
	TraceID       string
	From          string
	To            string
	ReplyTo       string
	ReplyState    any
	CorrelationID string
	Payload       any
}

// Add buffers r; nothing is sent until the initiation function returns.
func (in *Initiation) Add(r Request) error {
	if r.To == "" {
		return errors.New("request needs a target endpoint")
	}
	payload, err := marshalPart(r.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode request to '%s': %w", r.To, err)
	}
	state, err := marshalPart(r.ReplyState)
	if err != nil {
		return fmt.Errorf("failed to encode reply state for '%s': %w", r.ReplyTo, err)
	}
	if r.TraceID == "" {
		r.TraceID = NewTraceID()
	}
	in.envs = append(in.envs, Envelope{
		MessageID:     uuid.NewString(),
		TraceID:       r.TraceID,
		From:          r.From,
		FromApp:       in.f.cfg.AppName,
		To:            r.To,
		ReplyTo:       r.ReplyTo,
		ReplyState:    state,
		CorrelationID: r.CorrelationID,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	})
	return nil
}

func (in *Initiation) Len() int {
	return len(in.envs)
}

// Initiate runs fn and sends every buffered message in a single transaction.
// If fn fails nothing is sent.
func (f *Factory) Initiate(ctx context.Context, fn func(*Initiation) error) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrFactoryClosed
	}
	in := &Initiation{f: f}
	if err := fn(in); err != nil {
		return err
	}
	if len(in.envs) == 0 {
		return nil
	}
	if err := f.transport.Send(ctx, in.envs...); err != nil {
		return fmt.Errorf("initiation failed: %w", err)
	}
	log.Debug().Int("messages", len(in.envs)).Msg("Initiated")
	return nil
}

// Close stops every endpoint and the transport.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	endpoints := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		endpoints = append(endpoints, ep)
	}
	f.mu.Unlock()

	f.cancel()
	for _, ep := range endpoints {
		ep.Stop()
	}
	return f.transport.Close()
}
