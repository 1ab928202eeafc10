package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ottermq/ottermon/internal/audit"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/internal/monitor/actions"
	"github.com/ottermq/ottermon/internal/monitor/gui"
	"github.com/ottermq/ottermon/internal/monitor/stats"
	"github.com/ottermq/ottermon/pkg/metrics"
	"github.com/ottermq/ottermon/pkg/persistence"
	"github.com/ottermq/ottermon/web"
	"github.com/ottermq/ottermon/web/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor web server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(opts, demo)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "also run the demo service endpoint")
	return cmd
}

func serve(opts *options, demo bool) error {
	cfg := opts.cfg
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := openRuntime(cfg)
	defer rt.Close()

	if demo {
		if _, err := startDemoService(rt.factory, cfg.TargetEndpoint); err != nil {
			return fmt.Errorf("failed to start demo service: %w", err)
		}
	}

	exporter := metrics.NewExporter()
	collector := stats.New(rt.admin, stats.Config{
		Naming:       rt.naming,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		SnapshotTTL:  cfg.SnapshotTTL,
	})
	collector.RegisterListener(exporter.ObserveSnapshot)
	collector.OnFailure(func(error) { exporter.RecordPollFailure() })
	collector.Start()
	defer collector.Close()

	svc := actions.New(rt.connector, actions.Config{
		Naming:        rt.naming,
		PoolSize:      cfg.SessionPoolSize,
		BrowseLimit:   cfg.BrowseLimit,
		BodyPreview:   cfg.BodyPreview,
		ActionTimeout: cfg.ActionTimeout,
	})
	if err := svc.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not warm the session pool; sessions open on demand")
	}
	defer svc.Close()

	if err := ensureDataDir(cfg.AuditStore, cfg.DataDir); err != nil {
		return err
	}
	auditLog, err := audit.Open(persistence.Config{Type: cfg.AuditStore, DataDir: cfg.DataDir})
	if err != nil {
		return err
	}
	defer auditLog.Close()

	g := gui.New(collector, svc, gui.Options{
		Naming:     rt.naming,
		GrowthRate: exporter.DLQGrowthRate,
		Audit:      auditLog,
		OnAction: func(a models.ManagementAction, r models.ActionResult) {
			exporter.RecordAction(a.Kind, r.Status)
		},
	})

	users := middleware.NewUsers()
	if err := users.Add(cfg.Username, cfg.Password, middleware.RoleAdmin); err != nil {
		return err
	}
	if cfg.ViewerUsername != "" {
		if err := users.Add(cfg.ViewerUsername, cfg.ViewerPassword, middleware.RoleViewer); err != nil {
			return err
		}
	}

	ws, err := web.NewWebServer(&web.Config{
		AppName:       cfg.AppName,
		JwtKey:        cfg.JwtSecret,
		WebServerPort: cfg.WebPort,
		EnableAuth:    cfg.EnableAuth,
	}, g, collector, exporter, users)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	logfile, err := web.OpenAccessLog(cfg.AccessLog)
	if err != nil {
		return err
	}
	if logfile != os.Stdout {
		defer logfile.Close()
	}
	app := ws.SetupApp(logfile)

	listenErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.WebPort)
		log.Info().Str("addr", addr).Bool("auth", cfg.EnableAuth).Msg("Starting web server")
		listenErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down ottermon...")
	case err := <-listenErr:
		return fmt.Errorf("web server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown web server")
	}
	log.Info().Msg("Web server gracefully stopped")
	return nil
}

func ensureDataDir(store, dir string) error {
	switch store {
	case "sqlite", "json":
	default:
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Info().Str("dir", dir).Msg("Data directory not found. Creating a new one...")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}
