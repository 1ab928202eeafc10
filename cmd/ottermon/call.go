package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ottermq/ottermon/internal/messaging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCallCmd(opts *options) *cobra.Command {
	var (
		timeout time.Duration
		demo    bool
		text    string
	)
	cmd := &cobra.Command{
		Use:   "call <number>",
		Short: "Send one request to the target endpoint and print its reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid number %q: %w", args[0], err)
			}
			return call(cmd, opts, SimpleRequest{Number: number, Text: text}, timeout, demo)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the reply")
	cmd.Flags().BoolVar(&demo, "demo", false, "run the demo service in this process")
	cmd.Flags().StringVar(&text, "text", "", "text to send along")
	return cmd
}

func call(cmd *cobra.Command, opts *options, req SimpleRequest, timeout time.Duration, demo bool) error {
	cfg := opts.cfg
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := openRuntime(cfg)
	defer rt.Close()

	if demo || cfg.Embedded {
		if _, err := startDemoService(rt.factory, cfg.TargetEndpoint); err != nil {
			return err
		}
	}

	fz, err := messaging.NewFuturizer(rt.factory, timeout)
	if err != nil {
		return err
	}
	defer fz.Close()

	traceID := messaging.NewTraceID()
	reply, err := messaging.Futurize[SimpleReply](ctx, fz, traceID, cfg.AppName+".call", cfg.TargetEndpoint, req)
	if err != nil {
		return err
	}
	log.Info().
		Str("trace_id", reply.TraceID).
		Str("from", reply.From).
		Dur("latency", reply.ReceivedAt.Sub(reply.InitiatedAt)).
		Msg("Reply received")

	out, err := json.MarshalIndent(reply.Reply, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
