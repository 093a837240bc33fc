package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"fleet-tracker/internal/queue"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type reconnecter interface {
	Reconnect()
}

type deadLetterRetrier interface {
	RetryDeadLetters(ctx context.Context) (int, error)
}

// operatorActions maps operator signals onto the running agent: one asks the
// relay session to leave the down state, the other requeues dead letters.
func operatorActions(ctx context.Context, signals <-chan os.Signal, session reconnecter, q deadLetterRetrier) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			switch sig {
			case reconnectSignal:
				log.Info().Str("signal", sig.String()).Msg("[OPERATOR] Reconnect requested")
				session.Reconnect()
			case retrySignal:
				n, err := q.RetryDeadLetters(ctx)
				if err != nil {
					log.Error().Err(err).Msg("[OPERATOR] Failed to retry dead letters")
					continue
				}
				log.Info().Int("count", n).Msg("[OPERATOR] Dead letters requeued")
			}
		}
	}
}

type queueStatser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

func newAgentRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// registerQueueGauges exports the queue indicator and transport state
func registerQueueGauges(reg prometheus.Registerer, q queueStatser, connected func() bool) {
	stat := func(pick func(queue.Stats) int) func() float64 {
		return func() float64 {
			stats, err := q.Stats(context.Background())
			if err != nil {
				return 0
			}
			return float64(pick(stats))
		}
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleet_queue_items",
			Help: "Items waiting for delivery",
		}, stat(func(s queue.Stats) int { return s.Queued })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleet_queue_dead_letter_items",
			Help: "Items waiting in the dead letter collection",
		}, stat(func(s queue.Stats) int { return s.DeadLettered })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleet_relay_connected",
			Help: "1 while a relay transport is usable",
		}, func() float64 {
			if connected() {
				return 1
			}
			return 0
		}),
	)
}

func metricsRoutes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	return r
}

// serveMetrics exposes /metrics on addr until ctx is cancelled
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsRoutes(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("[INIT] Agent metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("[METRICS] Listener failed")
		}
		return
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
