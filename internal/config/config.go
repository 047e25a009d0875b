// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for both the ingest gateway and the ASR worker.
// Fields not relevant to a given binary are simply unused by it.
type Config struct {
	Gateway       Gateway
	Worker        Worker
	PubSub        PubSub
	Provider      Provider
	Observability Observability
}

// Gateway configures the telephony WebSocket edge.
type Gateway struct {
	Addr            string        // listen address for the WebSocket server
	JWTSecret       string        // HMAC secret for protocol A bearer tokens
	AckEveryNFrames int           // protocol A ack cadence
	ExotelAuthMode  string        // "ip_allowlist" or "basic_auth"
	ExotelAllowlist []string      // CIDRs/IPs allowed when ip_allowlist
	ExotelBasicUser string        //
	ExotelBasicPass string        //
	WriteTimeout    time.Duration //
	ReadLimit       int64         // max WebSocket message size
}

// Worker configures buffering, chunking and teardown behavior.
type Worker struct {
	ConsumerGroup    string
	TickInterval     time.Duration // chunker scan interval
	InitialChunkMin  time.Duration // first chunk needs this much audio
	OptimalChunk     time.Duration // target for subsequent chunks
	ChunkFloor       time.Duration // forced-send lower bound
	MaxSendGap       time.Duration // force a send past this inter-send gap
	SweepInterval    time.Duration // staleness sweep cadence
	StaleAfter       time.Duration // evict buffers idle this long
	KeepaliveAfter   time.Duration // send provider keepalive past this silence
	SendTimeout      time.Duration // pending provider send resolution bound
	BacklogWarn      int           // in-flight chunks warning threshold
	BacklogCritical  int
	BreakerThreshold int           // consecutive failures before opening
	BreakerCooldown  time.Duration // open -> half-open delay
}

// PubSub selects and configures the message transport.
type PubSub struct {
	Backend      string // "memory", "redis" or "kafka"
	RedisAddr    string
	RedisDB      int
	KafkaBrokers []string
	TopicPrefix  string
}

// Provider selects and configures the ASR vendor adapter.
type Provider struct {
	Name         string // "ackws", "commitws", "google" or "mock"
	URL          string // WebSocket endpoint for ackws/commitws
	APIKey       string
	Language     string
	GoogleModel  string
	DialTimeout  time.Duration
	MaxReconnect int
}

// Observability configures the metrics/health HTTP server.
type Observability struct {
	Addr     string
	LogLevel string
	Env      string // "dev" enables console log output
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Gateway: Gateway{
			Addr:            envOrDefault("GATEWAY_ADDR", ":8080"),
			JWTSecret:       envOrDefault("GATEWAY_JWT_SECRET", ""),
			AckEveryNFrames: envInt("GATEWAY_ACK_EVERY_N", 10),
			ExotelAuthMode:  envOrDefault("EXOTEL_AUTH_MODE", "ip_allowlist"),
			ExotelAllowlist: envList("EXOTEL_IP_ALLOWLIST", nil),
			ExotelBasicUser: envOrDefault("EXOTEL_BASIC_AUTH_USER", ""),
			ExotelBasicPass: envOrDefault("EXOTEL_BASIC_AUTH_PASS", ""),
			WriteTimeout:    envDuration("GATEWAY_WRITE_TIMEOUT", 10*time.Second),
			ReadLimit:       int64(envInt("GATEWAY_READ_LIMIT", 1<<20)),
		},
		Worker: Worker{
			ConsumerGroup:    envOrDefault("WORKER_CONSUMER_GROUP", "asr-worker"),
			TickInterval:     envDuration("WORKER_TICK_INTERVAL", 200*time.Millisecond),
			InitialChunkMin:  envDuration("WORKER_INITIAL_CHUNK_MIN", 200*time.Millisecond),
			OptimalChunk:     envDuration("WORKER_OPTIMAL_CHUNK", 80*time.Millisecond),
			ChunkFloor:       envDuration("WORKER_CHUNK_FLOOR", 20*time.Millisecond),
			MaxSendGap:       envDuration("WORKER_MAX_SEND_GAP", time.Second),
			SweepInterval:    envDuration("WORKER_SWEEP_INTERVAL", 2*time.Second),
			StaleAfter:       envDuration("WORKER_STALE_AFTER", 5*time.Second),
			KeepaliveAfter:   envDuration("WORKER_KEEPALIVE_AFTER", 3*time.Second),
			SendTimeout:      envDuration("WORKER_SEND_TIMEOUT", 5*time.Second),
			BacklogWarn:      envInt("WORKER_BACKLOG_WARN", 10),
			BacklogCritical:  envInt("WORKER_BACKLOG_CRITICAL", 50),
			BreakerThreshold: envInt("WORKER_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  envDuration("WORKER_BREAKER_COOLDOWN", 30*time.Second),
		},
		PubSub: PubSub{
			Backend:      envOrDefault("PUBSUB_BACKEND", "memory"),
			RedisAddr:    envOrDefault("REDIS_ADDR", "localhost:6379"),
			RedisDB:      envInt("REDIS_DB", 0),
			KafkaBrokers: envList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicPrefix:  envOrDefault("PUBSUB_TOPIC_PREFIX", "callstream"),
		},
		Provider: Provider{
			Name:         envOrDefault("ASR_PROVIDER", "mock"),
			URL:          envOrDefault("ASR_PROVIDER_URL", ""),
			APIKey:       envOrDefault("ASR_API_KEY", ""),
			Language:     envOrDefault("ASR_LANGUAGE", "en-US"),
			GoogleModel:  envOrDefault("ASR_GOOGLE_MODEL", "telephony"),
			DialTimeout:  envDuration("ASR_DIAL_TIMEOUT", 10*time.Second),
			MaxReconnect: envInt("ASR_MAX_RECONNECT", 3),
		},
		Observability: Observability{
			Addr:     envOrDefault("OBSERVABILITY_ADDR", ":9090"),
			LogLevel: envOrDefault("LOG_LEVEL", "info"),
			Env:      envOrDefault("ENV", ""),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
