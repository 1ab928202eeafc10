// Package amqpbroker adapts an AMQP 0-9-1 broker (RabbitMQ, OtterMQ) to the
// broker boundary: statistics come from the management HTTP API, sessions are
// transactional channels.
package amqpbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL            string
	ConnectionName string
	DialTimeout    time.Duration
	Heartbeat      time.Duration
}

// Connector holds one AMQP connection and hands out channels as sessions.
// The connection is re-dialled on demand after it drops.
type Connector struct {
	cfg Config

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func NewConnector(cfg Config) *Connector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	return &Connector{cfg: cfg}
}

// Connection returns the live connection, dialling if needed.
func (c *Connector) Connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: connector closed", broker.ErrBrokerUnavailable)
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	log.Debug().Str("name", c.cfg.ConnectionName).Msg("Connecting to broker")
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Dial:       amqp.DefaultDial(c.cfg.DialTimeout),
		Properties: amqp.Table{"connection_name": c.cfg.ConnectionName},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	c.conn = conn
	return conn, nil
}

// Session opens a channel in transaction mode.
func (c *Connector) Session(ctx context.Context) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &session{connector: c}
	if _, err := s.txChannel(); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// mapError translates channel exceptions into boundary errors.
func mapError(err error, queue string) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
		return fmt.Errorf("%w: '%s'", broker.ErrQueueNotFound, queue)
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	return err
}
