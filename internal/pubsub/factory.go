package pubsub

import (
	"fmt"

	"github.com/exkrishan/callstream/internal/config"
)

// New builds a Bus from configuration.
func New(cfg config.PubSub) (Bus, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisDB), nil
	case "kafka":
		return NewKafka(cfg.KafkaBrokers), nil
	default:
		return nil, fmt.Errorf("pubsub: unknown backend %q", cfg.Backend)
	}
}
