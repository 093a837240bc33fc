package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-tracker/internal/analytics"
	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/database"
	"fleet-tracker/internal/detector"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"
	"fleet-tracker/internal/queue"
	"fleet-tracker/internal/retry"
	"fleet-tracker/internal/sampler"
	"fleet-tracker/internal/tracking"
	"fleet-tracker/internal/transport"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/urfave/cli/v2"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "track the configured driver and deliver updates to the relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "driver",
				Usage: "driver name, overrides agent.driver_name",
			},
			&cli.DurationFlag{
				Name:  "dwell",
				Usage: "simulated source only: alternately park and drive for this long",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := *appConfig
			if c.IsSet("driver") {
				cfg.Agent.DriverName = c.String("driver")
			}
			if err := cfg.ValidateAgent(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAgent(ctx, &cfg, c.Duration("dwell"))
		},
	}
}

func runAgent(ctx context.Context, cfg *config.Config, dwell time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := database.Open(cfg.Agent.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	distance, err := geo.ByName(cfg.Detection.Distance)
	if err != nil {
		return err
	}

	session := transport.NewSession(transport.SessionConfig{
		URL:                  cfg.Agent.RelayURL,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Transport.ReconnectDelay,
		MaxReconnectDelay:    cfg.Transport.MaxReconnectDelay,
		PingInterval:         cfg.Transport.PingInterval,
	})
	var fallback *transport.HTTPSender
	if cfg.Agent.FallbackURL != "" {
		fallback = transport.NewHTTPSender(cfg.Agent.FallbackURL, cfg.Transport.RequestTimeout)
	}
	sender := transport.NewFailover(session, fallback, cfg.Transport.FallbackAfter)

	policy := retry.NewPolicy(models.RetryStrategy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Factor:     cfg.Retry.Factor,
	})
	reg := newAgentRegistry()
	recorder := analytics.NewRecorder(reg)

	var q *queue.Manager
	q = queue.New(queue.NewStore(db), sender, policy, recorder, clock.Real{},
		queue.WithSendTimeout(cfg.Transport.RequestTimeout),
		queue.WithOnUpdate(func() { go reportQueue(ctx, q) }),
	)

	registerQueueGauges(reg, q, sender.Connected)

	session.OnConnect(func() { q.ProcessQueue(ctx) })
	session.OnMessage(func(msg protocol.Message) {
		switch m := msg.(type) {
		case protocol.InitialVehicles:
			log.Info().Int("vehicles", len(m.Vehicles)).Msg("[WS] Received vehicle snapshot")
		default:
			log.Debug().Str("type", msg.Type()).Msg("[WS] Received")
		}
	})

	source, err := buildSource(cfg)
	if err != nil {
		return err
	}

	svc := tracking.New(tracking.Config{
		DriverName: cfg.Agent.DriverName,
		Detection: detector.Config{
			MovementThreshold:       cfg.Detection.MovementThresholdM,
			PositionFilterThreshold: cfg.Detection.PositionFilterThresholdM,
			VeryPoorAccuracy:        cfg.Detection.VeryPoorAccuracyM,
			StopDetectionTime:       cfg.Detection.StopDetectionTime,
			Distance:                distance,
		},
		DrainInterval: cfg.Agent.DrainInterval,
	}, db, q, source, clock.Real{})

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("[WS] Session ended")
		}
	})
	if sim, ok := source.(*sampler.SimulatedSource); ok && dwell > 0 {
		wg.Go(func() { alternate(ctx, clock.Real{}, sim, dwell) })
	}
	if cfg.Agent.MetricsAddr != "" {
		wg.Go(func() { serveMetrics(ctx, cfg.Agent.MetricsAddr, reg) })
	}
	if reconnectSignal != nil {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, reconnectSignal, retrySignal)
		defer signal.Stop(signals)
		wg.Go(func() { operatorActions(ctx, signals, session, q) })
	}

	shutdown := func() {
		cancel()
		svc.Close()
		wg.Wait()
		q.Shutdown()
		logSummary(recorder)
	}

	resumed, err := svc.Resume(ctx)
	if err == nil && !resumed {
		err = svc.Start(ctx)
	}
	if err != nil {
		shutdown()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("[SHUTDOWN] Stopping agent")
	shutdown()
	return nil
}

func buildSource(cfg *config.Config) (sampler.Source, error) {
	switch cfg.Agent.Source {
	case "replay":
		src, err := sampler.NewReplaySource(cfg.Agent.ReplayFile, cfg.Agent.SampleInterval)
		if err != nil {
			return nil, err
		}
		log.Info().Int("samples", src.Len()).Str("file", cfg.Agent.ReplayFile).Msg("[SAMPLE] Replaying track")
		return src, nil
	default:
		start := models.LatLng{Lat: 40.7128, Lng: -74.0060}
		return sampler.NewSimulatedSource(start, cfg.Agent.SampleInterval, time.Now().UnixNano()), nil
	}
}

// alternate parks and releases the simulated vehicle so stops are produced
func alternate(ctx context.Context, clk clock.Clock, sim *sampler.SimulatedSource, dwell time.Duration) {
	ticker := clk.NewTicker(dwell)
	defer ticker.Stop()

	held := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if held {
				sim.Release()
			} else {
				sim.Hold()
			}
			held = !held
		}
	}
}

func reportQueue(ctx context.Context, q *queue.Manager) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return
	}
	log.Debug().Int("queued", stats.Queued).Int("dead_lettered", stats.DeadLettered).Msg("[QUEUE] Indicator")
}

func logSummary(recorder *analytics.Recorder) {
	m := recorder.Metrics()
	event := log.Info().
		Int64("processed", m.TotalProcessed).
		Int64("succeeded", m.SuccessCount).
		Int64("failed", m.FailureCount).
		Int64("dead_lettered", m.DeadLettered).
		Float64("success_rate", recorder.SuccessRate()).
		Dur("avg_latency", m.AverageLatency)
	if class, n, ok := recorder.MostCommonError(); ok {
		event = event.Str("top_error", class).Int64("top_error_count", n)
	}
	event.Msg("[ANALYTICS] Session summary")
}
