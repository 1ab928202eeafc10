package main

import (
	"errors"

	"github.com/ottermq/ottermon/config"
	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/broker/amqpbroker"
	"github.com/ottermq/ottermon/internal/broker/memory"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/internal/messaging"
	"github.com/rs/zerolog/log"
)

// runtime holds the broker handles one command works with. In embedded mode
// they all share one in-process broker.
type runtime struct {
	cfg    *config.Config
	naming models.NamingConvention

	admin     broker.Admin
	connector broker.Connector
	transport messaging.Transport
	factory   *messaging.Factory

	closers []func() error
}

func openRuntime(cfg *config.Config) *runtime {
	rt := &runtime{
		cfg:    cfg,
		naming: models.NamingConvention{QueuePrefix: cfg.QueuePrefix, DLQPrefix: cfg.DLQPrefix},
	}

	if cfg.Embedded {
		b := memory.New(memory.Config{
			DLQPrefix:       cfg.DLQPrefix,
			MaxRedeliveries: cfg.MaxRedeliveries,
			RedeliveryDelay: memory.DefaultConfig().RedeliveryDelay,
		})
		rt.admin = b.Admin()
		rt.connector = b.Connector()
		rt.transport = messaging.NewMemoryTransport(b, rt.naming)
		rt.closers = append(rt.closers, b.Close)
		log.Info().Msg("Using embedded broker")
	} else {
		// Monitoring actions and messaging get their own connections.
		rt.admin = amqpbroker.NewManagementClient(amqpbroker.ManagementConfig{
			BaseURL:  cfg.ManagementURL,
			Username: cfg.ManagementUser,
			Password: cfg.ManagementPassword,
			Token:    cfg.ManagementToken,
			VHost:    cfg.VHost,
		})
		rt.connector = amqpbroker.NewConnector(amqpbroker.Config{URL: cfg.BrokerURL, ConnectionName: cfg.AppName + ".monitor"})
		messagingConn := amqpbroker.NewConnector(amqpbroker.Config{URL: cfg.BrokerURL, ConnectionName: cfg.AppName + ".messaging"})
		rt.transport = messaging.NewAMQPTransport(messagingConn, rt.naming, cfg.MaxRedeliveries)
		rt.closers = append(rt.closers, messagingConn.Close)
		log.Info().Str("broker", cfg.ManagementURL).Msg("Using AMQP broker")
	}

	rt.factory = messaging.NewFactory(rt.transport, messaging.FactoryConfig{AppName: cfg.AppName})
	return rt
}

// Close stops the factory first so no endpoint outlives its transport.
func (rt *runtime) Close() error {
	errs := []error{rt.factory.Close(), rt.transport.Close()}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}
