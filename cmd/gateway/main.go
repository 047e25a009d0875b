package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/exkrishan/callstream/internal/config"
	"github.com/exkrishan/callstream/internal/gateway"
	"github.com/exkrishan/callstream/internal/observability"
	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/pubsub"
)

func main() {
	cfg := config.Load()
	logging.Init("callstream-gateway", cfg.Observability.LogLevel, cfg.Observability.Env)

	bus, err := pubsub.New(cfg.PubSub)
	if err != nil {
		log.Fatal().Err(err).Msg("Pubsub init failed")
	}
	defer bus.Close()
	topics := pubsub.Topics{Prefix: cfg.PubSub.TopicPrefix}

	srv := gateway.NewServer(cfg.Gateway, bus, topics)

	obs := observability.NewServer(cfg.Observability.Addr, func() observability.Status {
		return observability.Status{
			ActiveConnections: int(srv.ActiveConnections()),
		}
	})
	obs.Start()

	var g errgroup.Group
	g.Go(srv.Start)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}
	obs.Shutdown(ctx)
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Gateway exited with error")
	}
}
