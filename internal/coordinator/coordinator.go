// Package coordinator fans out requests whose replies all go to one
// terminator and detects the end of the run through a stop-flagged reply.
//
// Completion is signalled by whichever reply carries the stop flag, not by a
// count: replies are unordered, so the stop reply may overtake others, and
// any process consuming the same terminator may swallow it. Only one
// instance per terminator id gives reliable results.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottermq/ottermon/internal/messaging"
	"github.com/ottermq/ottermon/pkg/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrCoordinationTimeout = errors.New("stop reply not received before timeout; another instance may have consumed it")
	ErrNotRegistered       = errors.New("terminator not registered")
	ErrAlreadyRegistered   = errors.New("terminator already registered")
)

type Phase int32

const (
	Idle Phase = iota
	AwaitingReplies
	Completed
	TimedOut
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case AwaitingReplies:
		return "AWAITING_REPLIES"
	case Completed:
		return "COMPLETED"
	case TimedOut:
		return "TIMED_OUT"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// State travels with every request and comes back with its reply.
type State struct {
	StopReceiver bool `json:"stopReceiver"`
}

// Outcome is the result of Await.
type Outcome struct {
	Phase    Phase
	Received int64
	Elapsed  time.Duration
}

// Err is ErrCoordinationTimeout for a timed out run and nil otherwise.
func (o Outcome) Err() error {
	if o.Phase == TimedOut {
		return ErrCoordinationTimeout
	}
	return nil
}

type Config struct {
	TerminatorID string
	From         string
	Timeout      time.Duration
	Metrics      metrics.Recorder
	// OnReply sees every reply; it must not block.
	OnReply func(pc messaging.ProcessContext, state State, reply json.RawMessage)
}

type Coordinator struct {
	factory *messaging.Factory
	cfg     Config

	phase     atomic.Int32
	received  atomic.Int64
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	started   time.Time

	endpoint *messaging.Endpoint
}

func New(factory *messaging.Factory, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.From == "" {
		cfg.From = cfg.TerminatorID + ".init"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &Coordinator{
		factory: factory,
		cfg:     cfg,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Register starts the terminator and moves the coordinator to AWAITING_REPLIES.
func (c *Coordinator) Register() error {
	if !c.phase.CompareAndSwap(int32(Idle), int32(AwaitingReplies)) {
		return ErrAlreadyRegistered
	}
	ep, err := messaging.Terminator(c.factory, c.cfg.TerminatorID, c.onReply)
	if err != nil {
		c.phase.Store(int32(Idle))
		return err
	}
	c.endpoint = ep
	c.started = time.Now()
	return nil
}

func (c *Coordinator) onReply(_ context.Context, pc messaging.ProcessContext, state State, reply json.RawMessage) error {
	n := c.received.Add(1)
	c.cfg.Metrics.RecordReply(c.cfg.TerminatorID, state.StopReceiver)
	log.Debug().Str("from", pc.FromStageID).Str("trace_id", pc.TraceID).Int64("received", n).Msg("Reply received")
	if c.cfg.OnReply != nil {
		c.cfg.OnReply(pc, state, reply)
	}
	if !state.StopReceiver {
		return nil
	}
	// Only a run still awaiting replies can complete; TIMED_OUT is final.
	if c.phase.CompareAndSwap(int32(AwaitingReplies), int32(Completed)) {
		close(c.done)
		log.Info().Int64("received", n).Msg("Got the stop reply")
		return nil
	}
	if Phase(c.phase.Load()) == TimedOut {
		log.Warn().Str("trace_id", pc.TraceID).Msg("Stop reply arrived after the run timed out")
		return nil
	}
	log.Warn().Str("trace_id", pc.TraceID).Msg("Duplicate stop reply, probably left over from an earlier run")
	return nil
}

// Initiate sends requests to endpoint to in one transaction, all replying to
// the terminator. The last request carries the stop flag.
func (c *Coordinator) Initiate(ctx context.Context, to string, requests []any) error {
	if Phase(c.phase.Load()) == Idle {
		return ErrNotRegistered
	}
	if len(requests) == 0 {
		return errors.New("nothing to initiate")
	}
	err := c.factory.Initiate(ctx, func(in *messaging.Initiation) error {
		last := len(requests) - 1
		for i, req := range requests {
			from := c.cfg.From
			if i == last {
				from = c.cfg.TerminatorID + ".stopReceiver"
			}
			if err := in.Add(messaging.Request{
				From:       from,
				To:         to,
				ReplyTo:    c.cfg.TerminatorID,
				ReplyState: State{StopReceiver: i == last},
				Payload:    req,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Int("requests", len(requests)).Str("to", to).Str("reply_to", c.cfg.TerminatorID).Msg("Requests initiated")
	return nil
}

// Await blocks until the stop reply arrives, timeout passes, ctx is done or
// the coordinator is closed. Anything but the stop reply ends TIMED_OUT.
func (c *Coordinator) Await(ctx context.Context, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	start := time.Now()
	switch p := Phase(c.phase.Load()); p {
	case Completed, TimedOut:
		return c.outcome(p, start)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.outcome(Completed, start)
	case <-timer.C:
	case <-ctx.Done():
	case <-c.closing:
	}
	if !c.phase.CompareAndSwap(int32(AwaitingReplies), int32(TimedOut)) {
		// the stop reply won the race, or an earlier Await already decided
		p := Phase(c.phase.Load())
		return c.outcome(p, start)
	}
	log.Error().Dur("timeout", timeout).Int64("received", c.received.Load()).
		Msg("Didn't get the stop reply: timeout (some other concurrently running instance got it?)")
	return c.outcome(TimedOut, start)
}

func (c *Coordinator) outcome(p Phase, start time.Time) Outcome {
	return Outcome{Phase: p, Received: c.received.Load(), Elapsed: time.Since(start)}
}

// Drain keeps the terminator receiving for grace, for example to empty a
// queue holding replies of earlier runs, and returns the total received.
func (c *Coordinator) Drain(ctx context.Context, grace time.Duration) int64 {
	if grace > 0 {
		log.Info().Dur("grace", grace).Msg("Draining terminator")
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		case <-c.closing:
		}
	}
	return c.received.Load()
}

func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Coordinator) Received() int64 {
	return c.received.Load()
}

// Done is closed when the stop reply completes the run.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close stops the terminator. Pending Await calls end TIMED_OUT unless the
// stop reply was already seen.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.endpoint != nil {
			c.endpoint.Stop()
		}
	})
}
