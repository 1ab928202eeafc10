package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ottermq/ottermon/internal/broker"
)

type takenMessage struct {
	queue string
	index int
	msg   broker.Message
}

type bufferedPublish struct {
	queue string
	msg   broker.Message
}

// session buffers publishes and holds taken messages invisible to consumers
// until Commit or Rollback.
type session struct {
	b *Broker

	mu        sync.Mutex
	taken     []takenMessage
	published []bufferedPublish
	closed    bool
}

func (s *session) Browse(ctx context.Context, queueName string, limit int, yield func(broker.Message) bool) error {
	if err := s.usable(ctx, "browse"); err != nil {
		return err
	}
	s.b.mu.Lock()
	q, ok := s.b.queues[queueName]
	if !ok {
		s.b.mu.Unlock()
		return fmt.Errorf("%w: '%s'", broker.ErrQueueNotFound, queueName)
	}
	n := len(q.ready)
	if limit > 0 && n > limit {
		n = limit
	}
	view := make([]broker.Message, n)
	for i := 0; i < n; i++ {
		view[i] = q.ready[i].Clone()
	}
	s.b.mu.Unlock()

	for _, msg := range view {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !yield(msg) {
			return nil
		}
	}
	return nil
}

func (s *session) Take(ctx context.Context, queueName, messageID string) (broker.Message, error) {
	if err := s.usable(ctx, "take"); err != nil {
		return broker.Message{}, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	q, ok := s.b.queues[queueName]
	if !ok {
		return broker.Message{}, fmt.Errorf("%w: '%s'", broker.ErrQueueNotFound, queueName)
	}
	for i, msg := range q.ready {
		if msg.ID != messageID {
			continue
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		s.mu.Lock()
		s.taken = append(s.taken, takenMessage{queue: queueName, index: i, msg: msg})
		s.mu.Unlock()
		return msg.Clone(), nil
	}
	return broker.Message{}, fmt.Errorf("%w: '%s' on '%s'", broker.ErrMessageNotFound, messageID, queueName)
}

func (s *session) Publish(ctx context.Context, queueName string, msg broker.Message) error {
	if err := s.usable(ctx, "publish"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, bufferedPublish{queue: queueName, msg: msg.Clone()})
	return nil
}

func (s *session) Commit() error {
	if err := s.usable(context.Background(), "commit"); err != nil {
		return err
	}
	s.mu.Lock()
	published := s.published
	s.published = nil
	s.taken = nil
	s.mu.Unlock()

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for _, p := range published {
		s.b.enqueueLocked(p.queue, p.msg)
	}
	return nil
}

func (s *session) Rollback() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return broker.ErrSessionClosed
	}
	taken := s.taken
	s.taken = nil
	s.published = nil
	s.mu.Unlock()
	s.restore(taken)
	return nil
}

// restore puts taken messages back where they were, last taken first.
func (s *session) restore(taken []takenMessage) {
	if len(taken) == 0 {
		return
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for i := len(taken) - 1; i >= 0; i-- {
		t := taken[i]
		q := s.b.getOrCreateQueue(t.queue)
		idx := t.index
		if idx > len(q.ready) {
			idx = len(q.ready)
		}
		q.ready = append(q.ready, broker.Message{})
		copy(q.ready[idx+1:], q.ready[idx:])
		q.ready[idx] = t.msg
		q.signal()
	}
}

// Close rolls back anything pending.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	taken := s.taken
	s.taken = nil
	s.published = nil
	s.closed = true
	s.mu.Unlock()
	s.restore(taken)
	return nil
}

func (s *session) usable(ctx context.Context, op string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return broker.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.b.checkFault(ctx, op)
}
