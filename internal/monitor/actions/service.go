// Package actions browses destinations and moves individual dead-lettered
// messages through short-lived broker transactions.
package actions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrServiceClosed = errors.New("action service closed")
	// ErrNoOrigin means neither headers nor the naming convention tell where a
	// dead-lettered message came from.
	ErrNoOrigin = errors.New("original destination unknown")
)

type Config struct {
	Naming        models.NamingConvention
	PoolSize      int
	BrowseLimit   int
	BodyPreview   int
	ActionTimeout time.Duration
}

// Service owns a bounded pool of broker sessions. Each operation borrows one
// session, finishes its transaction and hands the session back.
type Service struct {
	connector broker.Connector
	cfg       Config

	slots chan struct{}
	idle  chan broker.Session

	mu     sync.Mutex
	closed bool
}

func New(connector broker.Connector, cfg Config) *Service {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.BrowseLimit <= 0 {
		cfg.BrowseLimit = 200
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	return &Service{
		connector: connector,
		cfg:       cfg,
		slots:     make(chan struct{}, cfg.PoolSize),
		idle:      make(chan broker.Session, cfg.PoolSize),
	}
}

// Start opens PoolSize sessions ahead of the first request. A failure is
// returned but leaves the service usable; sessions are then opened on demand.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()
	for i := 0; i < s.cfg.PoolSize; i++ {
		sess, err := s.connector.Session(ctx)
		if err != nil {
			return fmt.Errorf("failed to warm session pool: %w", err)
		}
		s.put(sess, true)
	}
	log.Info().Int("sessions", s.cfg.PoolSize).Msg("Session pool ready")
	return nil
}

// Close releases idle sessions and the connector. Sessions still borrowed are
// closed when they are returned. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for {
		select {
		case sess := <-s.idle:
			_ = sess.Close()
		default:
			return s.connector.Close()
		}
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) acquire(ctx context.Context) (broker.Session, error) {
	if s.isClosed() {
		return nil, ErrServiceClosed
	}
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a free session: %w", ctx.Err())
	}
	select {
	case sess := <-s.idle:
		return sess, nil
	default:
	}
	sess, err := s.connector.Session(ctx)
	if err != nil {
		<-s.slots
		return nil, err
	}
	return sess, nil
}

// release returns sess to the pool, or closes it when it saw a broker error
// or the service is shutting down.
func (s *Service) release(sess broker.Session, reusable bool) {
	s.put(sess, reusable)
	<-s.slots
}

func (s *Service) put(sess broker.Session, reusable bool) {
	if !reusable || s.isClosed() {
		_ = sess.Close()
		return
	}
	select {
	case s.idle <- sess:
	default:
		_ = sess.Close()
	}
}

// reusable reports whether a session that failed with err can serve another
// transaction.
func reusable(err error) bool {
	return err == nil || errors.Is(err, broker.ErrMessageNotFound) || errors.Is(err, broker.ErrQueueNotFound)
}

// Browse returns a lazy, non-destructive cursor over destination. Every range
// over the sequence opens its own session; stopping early releases it.
func (s *Service) Browse(ctx context.Context, destination string) iter.Seq2[models.BrowsedMessage, error] {
	return s.browse(ctx, destination, s.cfg.BrowseLimit)
}

func (s *Service) browse(ctx context.Context, destination string, limit int) iter.Seq2[models.BrowsedMessage, error] {
	return func(yield func(models.BrowsedMessage, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
		defer cancel()

		sess, err := s.acquire(ctx)
		if err != nil {
			yield(models.BrowsedMessage{}, err)
			return
		}
		stopped := false
		err = sess.Browse(ctx, destination, limit, func(m broker.Message) bool {
			if !yield(s.toBrowsed(destination, m), nil) {
				stopped = true
				return false
			}
			return true
		})
		s.release(sess, reusable(err))
		if err != nil && !stopped {
			log.Debug().Err(err).Str("destination", destination).Msg("Browse ended with error")
			yield(models.BrowsedMessage{}, err)
		}
	}
}

// BrowsePage collects up to BrowseLimit messages of destination and reports
// whether the destination held messages beyond the limit; it reads one message
// past the limit to find out.
func (s *Service) BrowsePage(ctx context.Context, destination string) ([]models.BrowsedMessage, bool, error) {
	limit := s.cfg.BrowseLimit
	msgs := []models.BrowsedMessage{}
	for m, err := range s.browse(ctx, destination, limit+1) {
		if err != nil {
			return msgs, false, err
		}
		if len(msgs) == limit {
			return msgs, true, nil
		}
		msgs = append(msgs, m)
	}
	return msgs, false, nil
}

// Examine returns a single message by id without consuming it.
func (s *Service) Examine(ctx context.Context, destination, messageID string) (models.BrowsedMessage, error) {
	for m, err := range s.Browse(ctx, destination) {
		if err != nil {
			return models.BrowsedMessage{}, err
		}
		if m.MessageID == messageID {
			return m, nil
		}
	}
	return models.BrowsedMessage{}, fmt.Errorf("%w: '%s' on '%s'", broker.ErrMessageNotFound, messageID, destination)
}

// Reissue moves one message from destination back to its original
// destination in a single transaction.
func (s *Service) Reissue(ctx context.Context, destination, messageID string) models.ActionResult {
	var origin string
	res := s.execute(ctx, models.ActionReissue, destination, messageID, func(ctx context.Context, sess broker.Session) error {
		msg, err := sess.Take(ctx, destination, messageID)
		if err != nil {
			return err
		}
		origin = s.originOf(destination, msg)
		if origin == "" {
			return fmt.Errorf("%w: message '%s' on '%s'", ErrNoOrigin, messageID, destination)
		}
		return sess.Publish(ctx, origin, reissued(destination, msg))
	})
	if res.Status == models.StatusSuccess {
		res.Message = fmt.Sprintf("message '%s' reissued from '%s' to '%s'", messageID, destination, origin)
	}
	return res
}

// Delete removes one message permanently. It is never retried.
func (s *Service) Delete(ctx context.Context, destination, messageID string) models.ActionResult {
	res := s.execute(ctx, models.ActionDelete, destination, messageID, func(ctx context.Context, sess broker.Session) error {
		_, err := sess.Take(ctx, destination, messageID)
		return err
	})
	if res.Status == models.StatusSuccess {
		res.Message = fmt.Sprintf("message '%s' deleted from '%s'", messageID, destination)
	}
	return res
}

// execute runs fn and commits, or rolls back on any failure. The work is
// attempted exactly once.
func (s *Service) execute(ctx context.Context, kind models.ActionKind, destination, messageID string, fn func(context.Context, broker.Session) error) models.ActionResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	logger := log.With().Str("action", string(kind)).Str("destination", destination).Str("message_id", messageID).Logger()

	sess, err := s.acquire(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("No broker session available")
		return models.BrokerError(err)
	}

	if err := fn(ctx, sess); err != nil {
		rbErr := sess.Rollback()
		s.release(sess, reusable(err) && rbErr == nil)
		res := models.ResultFromError(err)
		if res.Status == models.StatusNotFound {
			logger.Info().Msg("Message not found, nothing changed")
		} else {
			logger.Error().Err(err).Msg("Action rolled back")
		}
		return res
	}
	if err := sess.Commit(); err != nil {
		_ = sess.Rollback()
		s.release(sess, false)
		logger.Error().Err(err).Msg("Commit failed, action rolled back")
		return models.BrokerError(fmt.Errorf("commit failed: %w", err))
	}
	s.release(sess, true)
	logger.Info().Msg("Action committed")
	return models.ActionResult{Status: models.StatusSuccess}
}

// originOf prefers the broker's dead-letter headers and falls back to the
// naming convention.
func (s *Service) originOf(destination string, m broker.Message) string {
	if o := m.Headers[broker.HeaderOriginalDestination]; o != "" {
		return o
	}
	o, _ := s.cfg.Naming.OriginOf(destination)
	return o
}

func reissued(from string, m broker.Message) broker.Message {
	out := m.Clone()
	out.Queue = ""
	out.EnqueuedAt = time.Time{}
	out.RedeliveryCount = 0
	delete(out.Headers, broker.HeaderOriginalDestination)
	delete(out.Headers, broker.HeaderDeathReason)
	delete(out.Headers, broker.HeaderDeliveryCount)
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	out.Headers[broker.HeaderReissuedFrom] = from
	return out
}

func (s *Service) toBrowsed(destination string, m broker.Message) models.BrowsedMessage {
	preview, truncated := models.Preview(m.Body, s.cfg.BodyPreview)
	return models.BrowsedMessage{
		MessageID:           m.ID,
		Destination:         destination,
		OriginalDestination: s.originOf(destination, m),
		EnqueuedAt:          m.EnqueuedAt,
		RedeliveryCount:     m.RedeliveryCount,
		Headers:             m.Headers,
		BodyPreview:         preview,
		BodySize:            len(m.Body),
		Truncated:           truncated,
	}
}
