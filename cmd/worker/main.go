package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/exkrishan/callstream/internal/config"
	"github.com/exkrishan/callstream/internal/observability"
	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/provider"
	"github.com/exkrishan/callstream/internal/provider/ackws"
	"github.com/exkrishan/callstream/internal/provider/commitws"
	"github.com/exkrishan/callstream/internal/provider/google"
	"github.com/exkrishan/callstream/internal/provider/mock"
	"github.com/exkrishan/callstream/internal/pubsub"
	"github.com/exkrishan/callstream/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Init("callstream-worker", cfg.Observability.LogLevel, cfg.Observability.Env)

	bus, err := pubsub.New(cfg.PubSub)
	if err != nil {
		log.Fatal().Err(err).Msg("Pubsub init failed")
	}
	defer bus.Close()
	topics := pubsub.Topics{Prefix: cfg.PubSub.TopicPrefix}

	factory, err := providerFactory(cfg.Provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Provider init failed")
	}

	w := worker.New(cfg.Worker, bus, topics, factory,
		worker.WithOpenAttempts(cfg.Provider.MaxReconnect))

	obs := observability.NewServer(cfg.Observability.Addr, func() observability.Status {
		return observability.Status{
			ActiveBuffers: w.ActiveBuffers(),
			BreakerState:  w.BreakerState().String(),
		}
	})
	obs.Start()

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Worker start failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down worker")
	w.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	obs.Shutdown(shutdownCtx)
}

func providerFactory(cfg config.Provider) (provider.Factory, error) {
	switch cfg.Name {
	case "ackws":
		return ackws.New(cfg.URL, cfg.APIKey, cfg.Language, cfg.DialTimeout), nil
	case "commitws":
		return commitws.New(cfg.URL, cfg.APIKey, cfg.Language, cfg.DialTimeout), nil
	case "google":
		return google.New(cfg.Language, cfg.GoogleModel), nil
	case "mock", "":
		return mock.New(), nil
	default:
		return nil, &unknownProviderError{name: cfg.Name}
	}
}

type unknownProviderError struct {
	name string
}

func (e *unknownProviderError) Error() string {
	return "unknown ASR provider " + e.name
}
