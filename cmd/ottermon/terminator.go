package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/ottermq/ottermon/internal/coordinator"
	"github.com/ottermq/ottermon/internal/messaging"
	"github.com/ottermq/ottermon/pkg/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type terminatorFlags struct {
	count       int
	failEvery   int
	timeout     time.Duration
	drain       bool
	demo        bool
	metricsPort string
}

func newTerminatorCmd(opts *options) *cobra.Command {
	flags := &terminatorFlags{}
	cmd := &cobra.Command{
		Use:   "terminator",
		Short: "Send a batch of requests and wait for the stop reply on the terminator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTerminator(opts, flags)
		},
	}
	cmd.Flags().IntVar(&flags.count, "count", 500, "requests to send before the stop request")
	cmd.Flags().IntVar(&flags.failEvery, "fail-every", 0, "make every n-th request fail so it is dead-lettered (0 disables)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "how long to wait for the stop reply (defaults to OTTERMON_COORDINATOR_TIMEOUT)")
	cmd.Flags().BoolVar(&flags.drain, "drain", false, "keep receiving for the drain window after the run ends")
	cmd.Flags().BoolVar(&flags.demo, "demo", false, "run the demo service in this process")
	cmd.Flags().StringVar(&flags.metricsPort, "metrics-port", "", "serve /metrics on this port while the run lasts")
	return cmd
}

func runTerminator(opts *options, flags *terminatorFlags) error {
	cfg := opts.cfg
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := openRuntime(cfg)
	defer rt.Close()

	if flags.demo || cfg.Embedded {
		if _, err := startDemoService(rt.factory, cfg.TargetEndpoint); err != nil {
			return err
		}
	}

	exporter := metrics.NewExporter()
	if flags.metricsPort != "" {
		app := fiber.New(fiber.Config{AppName: cfg.AppName, DisableStartupMessage: true})
		app.Get("/metrics", adaptor.HTTPHandler(exporter.Handler()))
		go func() {
			addr := fmt.Sprintf(":%s", flags.metricsPort)
			log.Info().Str("addr", addr).Msg("Serving terminator metrics")
			if err := app.Listen(addr); err != nil {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
		defer app.Shutdown()
	}

	outcome, _, err := terminate(ctx, rt, flags, exporter)
	if err != nil {
		return err
	}
	return outcome.Err()
}

// terminate runs one coordinated batch and, with drain set, keeps the
// terminator receiving for the drain window afterwards. It returns the run's
// outcome and the number of replies received including the drain.
func terminate(ctx context.Context, rt *runtime, flags *terminatorFlags, recorder metrics.Recorder) (coordinator.Outcome, int64, error) {
	cfg := rt.cfg
	coord := coordinator.New(rt.factory, coordinator.Config{
		TerminatorID: cfg.TerminatorID,
		Timeout:      cfg.CoordinatorTimeout,
		Metrics:      recorder,
		OnReply: func(pc messaging.ProcessContext, state coordinator.State, reply json.RawMessage) {
			log.Debug().Str("trace_id", pc.TraceID).Bool("stop", state.StopReceiver).RawJSON("reply", reply).Msg("Reply received")
		},
	})
	if err := coord.Register(); err != nil {
		return coordinator.Outcome{}, 0, err
	}
	defer coord.Close()

	requests := make([]any, 0, flags.count+1)
	for i := 0; i <= flags.count; i++ {
		n := float64(i)
		if flags.failEvery > 0 && i > 0 && i%flags.failEvery == 0 && i != flags.count {
			n = -n
		}
		requests = append(requests, SimpleRequest{Number: n, Text: fmt.Sprintf("request-%d", i)})
	}
	if err := coord.Initiate(ctx, cfg.TargetEndpoint, requests); err != nil {
		return coordinator.Outcome{}, 0, fmt.Errorf("failed to initiate requests: %w", err)
	}

	outcome := coord.Await(ctx, flags.timeout)
	log.Info().
		Str("phase", outcome.Phase.String()).
		Int64("received", outcome.Received).
		Int("sent", len(requests)).
		Dur("elapsed", outcome.Elapsed).
		Msg("Coordination finished")

	total := coord.Received()
	if flags.drain {
		log.Info().Dur("window", cfg.DrainWindow).Msg("Sleeping to drain the queue")
		total = coord.Drain(ctx, cfg.DrainWindow)
		log.Info().Int64("received", total).Int("sent", len(requests)).Msg("Final received count after drain")
	}
	return outcome, total, nil
}
