package messaging

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/broker/memory"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var naming = models.NamingConvention{QueuePrefix: "mats.", DLQPrefix: "DLQ."}

type simpleRequest struct {
	Number int    `json:"number"`
	String string `json:"string"`
}

type simpleReply struct {
	Result   string `json:"result"`
	NumChars int    `json:"numChars"`
}

type state struct {
	Tag string `json:"tag"`
}

func setupFactory(t *testing.T) (*memory.Broker, *Factory) {
	t.Helper()
	b := memory.New(memory.DefaultConfig())
	f := NewFactory(NewMemoryTransport(b, naming), FactoryConfig{AppName: "test-app", Concurrency: 2})
	t.Cleanup(func() {
		f.Close()
		b.Close()
	})
	return b, f
}

func simpleService(t *testing.T, f *Factory) {
	t.Helper()
	_, err := Single(f, "SimpleService.simple", func(_ context.Context, _ ProcessContext, req simpleRequest) (simpleReply, error) {
		if req.Number < 0 {
			return simpleReply{}, errors.New("negative numbers are not supported")
		}
		s := strings.Repeat(req.String, req.Number)
		return simpleReply{Result: s, NumChars: len(s)}, nil
	})
	require.NoError(t, err)
}

func TestSingleRepliesToTerminatorWithState(t *testing.T) {
	_, f := setupFactory(t)
	simpleService(t, f)

	got := make(chan string, 1)
	var from string
	_, err := Terminator(f, "Test.terminator", func(_ context.Context, pc ProcessContext, s state, r simpleReply) error {
		from = pc.FromStageID
		got <- s.Tag + ":" + r.Result
		return nil
	})
	require.NoError(t, err)

	err = f.Initiate(context.Background(), func(in *Initiation) error {
		return in.Add(Request{
			From:       "Test.init",
			To:         "SimpleService.simple",
			ReplyTo:    "Test.terminator",
			ReplyState: state{Tag: "first"},
			Payload:    simpleRequest{Number: 2, String: "two"},
		})
	})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "first:twotwo", v)
		assert.Equal(t, "SimpleService.simple", from)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestInitiateSendsNothingWhenBuilderFails(t *testing.T) {
	b, f := setupFactory(t)

	err := f.Initiate(context.Background(), func(in *Initiation) error {
		require.NoError(t, in.Add(Request{To: "Nobody.home", Payload: 1}))
		return errors.New("changed my mind")
	})
	assert.Error(t, err)
	ready, _ := b.Depth("mats.Nobody.home")
	assert.Zero(t, ready)
}

func TestInitiateIsOneTransaction(t *testing.T) {
	b, f := setupFactory(t)
	b.SetFault(func(_ context.Context, op string) error {
		if op == "commit" {
			return broker.ErrBrokerUnavailable
		}
		return nil
	})

	err := f.Initiate(context.Background(), func(in *Initiation) error {
		for i := 0; i < 3; i++ {
			if err := in.Add(Request{To: "Batch.target", Payload: i}); err != nil {
				return err
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, broker.ErrBrokerUnavailable)
	ready, _ := b.Depth("mats.Batch.target")
	assert.Zero(t, ready)
}

func TestFailingHandlerEndsInDLQ(t *testing.T) {
	b, f := setupFactory(t)
	simpleService(t, f)

	var traceID string
	err := f.Initiate(context.Background(), func(in *Initiation) error {
		traceID = NewTraceID()
		return in.Add(Request{TraceID: traceID, From: "Test.init", To: "SimpleService.simple", Payload: simpleRequest{Number: -1}})
	})
	require.NoError(t, err)

	dlq := naming.DLQName("SimpleService.simple")
	require.Eventually(t, func() bool {
		ready, _ := b.Depth(dlq)
		return ready == 1
	}, 2*time.Second, 5*time.Millisecond)

	sess, err := b.Session(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	var dead broker.Message
	require.NoError(t, sess.Browse(context.Background(), dlq, 0, func(m broker.Message) bool {
		dead = m
		return false
	}))
	assert.Equal(t, "mats.SimpleService.simple", dead.Headers[broker.HeaderOriginalDestination])
	assert.Equal(t, traceID, dead.Headers[broker.HeaderTraceID])
	assert.Contains(t, dead.Headers[broker.HeaderDeathReason], "negative numbers")
}

func TestDuplicateEndpointRejected(t *testing.T) {
	_, f := setupFactory(t)
	simpleService(t, f)
	_, err := Single(f, "SimpleService.simple", func(context.Context, ProcessContext, simpleRequest) (simpleReply, error) {
		return simpleReply{}, nil
	})
	assert.Error(t, err)
}

func TestEndpointStopAllowsReRegister(t *testing.T) {
	_, f := setupFactory(t)
	var calls atomic.Int32
	ep, err := Terminator(f, "Test.t", func(context.Context, ProcessContext, state, simpleReply) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	ep.Stop()
	ep.Stop()

	_, err = Terminator(f, "Test.t", func(context.Context, ProcessContext, state, simpleReply) error { return nil })
	assert.NoError(t, err)
}

func TestClosedFactory(t *testing.T) {
	_, f := setupFactory(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	assert.ErrorIs(t, f.Initiate(context.Background(), func(*Initiation) error { return nil }), ErrFactoryClosed)
	_, err := Terminator(f, "Late.t", func(context.Context, ProcessContext, state, simpleReply) error { return nil })
	assert.ErrorIs(t, err, ErrFactoryClosed)
}

func TestFuturizeSingleCall(t *testing.T) {
	_, f := setupFactory(t)
	simpleService(t, f)
	fz, err := NewFuturizer(f, 2*time.Second)
	require.NoError(t, err)
	defer fz.Close()

	reply, err := Futurize[simpleReply](context.Background(), fz, NewTraceID(), "Test.call", "SimpleService.simple", simpleRequest{Number: 3, String: "ab"})
	require.NoError(t, err)
	assert.Equal(t, "ababab", reply.Reply.Result)
	assert.Equal(t, 6, reply.Reply.NumChars)
	assert.Equal(t, "SimpleService.simple", reply.From)
	assert.False(t, reply.ReceivedAt.Before(reply.InitiatedAt))
}

func TestFuturizeTimesOut(t *testing.T) {
	_, f := setupFactory(t)
	fz, err := NewFuturizer(f, 50*time.Millisecond)
	require.NoError(t, err)
	defer fz.Close()

	start := time.Now()
	_, err = Futurize[simpleReply](context.Background(), fz, "", "Test.call", "Nobody.listens", simpleRequest{})
	assert.ErrorIs(t, err, ErrFuturizeTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := marshalPart(simpleRequest{Number: 1, String: "x"})
	require.NoError(t, err)
	env := Envelope{MessageID: "id-1", TraceID: "t", From: "a", To: "b", Payload: payload}

	msg, err := env.toMessage()
	require.NoError(t, err)
	assert.Equal(t, "id-1", msg.ID)
	assert.Equal(t, "t", msg.Headers[broker.HeaderTraceID])

	back, err := fromMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, env.To, back.To)
	assert.JSONEq(t, string(payload), string(back.Payload))

	_, err = fromMessage(broker.Message{ID: "x", Body: []byte("not json")})
	assert.Error(t, err)
}
