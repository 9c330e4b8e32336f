package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/convopilot/convopilot/internal/api"
	"github.com/convopilot/convopilot/internal/backoff"
	"github.com/convopilot/convopilot/internal/config"
	"github.com/convopilot/convopilot/internal/crm"
	"github.com/convopilot/convopilot/internal/debounce"
	"github.com/convopilot/convopilot/internal/events"
	"github.com/convopilot/convopilot/internal/handoff"
	"github.com/convopilot/convopilot/internal/keys"
	"github.com/convopilot/convopilot/internal/observability"
	"github.com/convopilot/convopilot/internal/quota"
	"github.com/convopilot/convopilot/internal/responder"
	"github.com/convopilot/convopilot/internal/retry"
	"github.com/convopilot/convopilot/internal/store"
	"github.com/convopilot/convopilot/internal/supervisor"
	"github.com/convopilot/convopilot/internal/transport/whatsapp"
)

// resumeNotice is sent into a conversation when an operator claim expires and
// automation takes over again.
const resumeNotice = "Our automated assistant will continue this conversation."

// buildServeCmd creates the "serve" command that starts the engine.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ConvoPilot engine",
		Long: `Start the engine with all persisted sessions restored.

The server will:
1. Load configuration from the specified file
2. Open the state store and restore persisted sessions
3. Dial each session's transport and begin supervising it
4. Serve the HTTP control surface, websocket event hub, and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  convopilot serve

  # Start with custom config
  convopilot serve --config /etc/convopilot/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger.Info("starting convopilot", "version", version)

	stores, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer stores.Close()

	metrics := observability.NewMetrics()
	bus := events.NewBus()
	hub := events.NewHub(bus, logger)

	machine := handoff.NewMachine(cfg.HandoffWindow(), bus, metrics, logger)

	respond, err := responder.New(cfg.Responder, logger)
	if err != nil {
		return err
	}

	dialer := whatsapp.NewDialer(whatsapp.Config{SessionDir: cfg.Transport.SessionDir}, logger)
	sink := crm.NewSink(stores.Contacts, bus, logger)

	sup := supervisor.New(supervisor.Deps{
		Dialer:        dialer,
		Sessions:      stores.Sessions,
		Conversations: stores.Conversations,
		Handoff:       machine,
		Sink:          sink,
		Bus:           bus,
		Metrics:       metrics,
		Logger:        logger,
		Backoff: backoff.Policy{
			Initial: time.Duration(cfg.Reconnect.InitialMs) * time.Millisecond,
			Max:     time.Duration(cfg.Reconnect.MaxMs) * time.Millisecond,
			Factor:  cfg.Reconnect.Factor,
			Jitter:  cfg.Reconnect.Jitter,
		},
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Responder.MaxAttempts

	engine := debounce.NewEngine(debounce.Config{
		QuietPeriod:      cfg.QuietPeriod(),
		ResponderTimeout: cfg.ResponderTimeout(),
		Retry:            retryCfg,
	}, debounce.Deps{
		Transport: sup,
		Responder: respond,
		Quota:     quota.NewGate(stores.Tenants, cfg.Quota.RequestsPerMinute, cfg.Quota.Burst, logger),
		Claims:    machine,
		Tenants:   stores.Tenants,
		Recorder:  sink,
		Metrics:   metrics,
		Logger:    logger,
	})
	sup.AttachEngine(engine)
	defer engine.Close()
	defer sup.Close()

	machine.OnAutoRelease(func(ck keys.ConversationKey) {
		noticeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sup.SendText(noticeCtx, ck, resumeNotice); err != nil {
			logger.Warn("resume notice failed", "conversation", ck.String(), "error", err)
		}
	})

	if err := sup.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(sup, stores, machine, hub, metrics, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}
