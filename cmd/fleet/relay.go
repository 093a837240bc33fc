package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "run the broadcast relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen address, overrides relay.addr",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig.Relay
			if c.IsSet("listen") {
				cfg.Addr = c.String("listen")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			hub := relay.NewHub(relay.Config{
				HeartbeatInterval: cfg.HeartbeatInterval,
				WriteWait:         cfg.WriteWait,
			})
			server := api.NewServer(hub, api.Options{
				AllowedOrigins:       cfg.AllowedOrigins,
				RateLimitPerMinute:   cfg.RateLimitPerMinute,
				IPRateLimitPerMinute: cfg.IPRateLimitPerMin,
				Registry:             reg,
			})

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           server.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go pruneLimiters(ctx, server)

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("[INIT] Relay listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("[SHUTDOWN] Stopping relay")
			hub.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func pruneLimiters(ctx context.Context, server *api.Server) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := server.PruneLimiters(); n > 0 {
				log.Debug().Int("pruned", n).Msg("[RATE_LIMIT] Dropped idle limiters")
			}
		}
	}
}
