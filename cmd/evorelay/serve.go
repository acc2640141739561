package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"evorelay/internal/bus"
	"evorelay/internal/config"
	"evorelay/internal/debounce"
	"evorelay/internal/dispatch"
	"evorelay/internal/domain"
	"evorelay/internal/ingress"
	"evorelay/internal/metrics"
	"evorelay/internal/processor"
	"evorelay/internal/provider"
	"evorelay/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook relay (ingress + debounce + worker pool)",
		Long:  "Starts the HTTP ingress, the coalescing buffer, and the turn worker pool. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = buildLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	factory := provider.NewFactory(cfg, logger)
	caps, err := factory.Default()
	if err != nil {
		return fmt.Errorf("default provider: %w", err)
	}
	if err := caps.Completer.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", caps.Completer.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", caps.Completer.Name())
	}

	events := bus.NewEventBus(logger)
	if cfg.Metrics.Enabled {
		metrics.WireEvents(events)
	}

	jobs := bus.New(100, logger)
	defer jobs.Close()

	dispatcher := dispatch.NewEvolution(dispatch.Config{
		Timeout:       time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second,
		DelayMS:       cfg.Dispatch.DelayMS,
		LinkPreview:   cfg.Dispatch.LinkPreview,
		RatePerMinute: cfg.Dispatch.RatePerMinute,
		Logger:        logger,
	})

	proc := processor.New(st, st, st, caps.Completer, caps.Embedder, dispatcher, events,
		processor.Config{
			HistoryTurns: cfg.Pipeline.HistoryTurns,
			TopK:         cfg.Pipeline.TopK,
		}, logger)

	var buffer *debounce.Buffer
	buffer = debounce.New(debounce.Config{
		Window:  time.Duration(cfg.Debounce.WindowSeconds) * time.Second,
		Dedup:   cfg.Debounce.Dedup,
		SeenTTL: time.Duration(cfg.Debounce.SeenTTLSeconds) * time.Second,
		Fire: func(job domain.TurnJob) {
			jobs.Publish(job)
			events.Emit(bus.Event{
				Type:   bus.EventTurnCoalesced,
				Source: "debounce",
				Payload: map[string]any{
					"jid":      job.Key.JID,
					"instance": job.Key.Instance,
					"agent_id": job.AgentID,
				},
			})
			metrics.PendingBuffers.Set(int64(buffer.Pending()))
		},
		Logger: logger,
	})
	defer buffer.Close()

	extractor := ingress.NewExtractor(caps.Transcriber, caps.Describer, logger)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Collector.Handler()
	}
	srv := ingress.NewServer(ingress.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Metrics: metricsHandler,
		Logger:  logger,
	}, st, buffer, extractor, events)

	workers := cfg.Pipeline.MaxConcurrentTurns
	if workers <= 0 {
		workers = 5
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		proc.Run(gctx, jobs.Subscribe(), workers)
		return nil
	})

	logger.Info("evorelay started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"window_s", cfg.Debounce.WindowSeconds,
		"workers", workers,
		"metrics", cfg.Metrics.Enabled)

	err = g.Wait()
	logger.Info("shutdown complete", "pending_buffers", buffer.Pending())
	return err
}
