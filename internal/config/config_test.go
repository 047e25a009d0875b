package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Gateway.Addr != ":8080" {
		t.Errorf("expected default gateway addr :8080, got %s", cfg.Gateway.Addr)
	}
	if cfg.Gateway.AckEveryNFrames != 10 {
		t.Errorf("expected ack cadence 10, got %d", cfg.Gateway.AckEveryNFrames)
	}
	if cfg.PubSub.Backend != "memory" {
		t.Errorf("expected default backend memory, got %s", cfg.PubSub.Backend)
	}
	if cfg.Worker.TickInterval != 200*time.Millisecond {
		t.Errorf("expected tick 200ms, got %v", cfg.Worker.TickInterval)
	}
	if cfg.Worker.InitialChunkMin != 200*time.Millisecond {
		t.Errorf("expected initial chunk min 200ms, got %v", cfg.Worker.InitialChunkMin)
	}
	if cfg.Worker.OptimalChunk != 80*time.Millisecond {
		t.Errorf("expected optimal chunk 80ms, got %v", cfg.Worker.OptimalChunk)
	}
	if cfg.Worker.ChunkFloor != 20*time.Millisecond {
		t.Errorf("expected chunk floor 20ms, got %v", cfg.Worker.ChunkFloor)
	}
	if cfg.Worker.SendTimeout != 5*time.Second {
		t.Errorf("expected send timeout 5s, got %v", cfg.Worker.SendTimeout)
	}
	if cfg.Provider.Name != "mock" {
		t.Errorf("expected default provider mock, got %s", cfg.Provider.Name)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PUBSUB_BACKEND", "redis")
	t.Setenv("WORKER_TICK_INTERVAL", "50ms")
	t.Setenv("WORKER_BACKLOG_WARN", "7")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ASR_PROVIDER", "google")

	cfg := Load()

	if cfg.PubSub.Backend != "redis" {
		t.Errorf("expected backend redis, got %s", cfg.PubSub.Backend)
	}
	if cfg.Worker.TickInterval != 50*time.Millisecond {
		t.Errorf("expected tick 50ms, got %v", cfg.Worker.TickInterval)
	}
	if cfg.Worker.BacklogWarn != 7 {
		t.Errorf("expected backlog warn 7, got %d", cfg.Worker.BacklogWarn)
	}
	if len(cfg.PubSub.KafkaBrokers) != 2 || cfg.PubSub.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("expected trimmed broker list, got %v", cfg.PubSub.KafkaBrokers)
	}
	if cfg.Provider.Name != "google" {
		t.Errorf("expected provider google, got %s", cfg.Provider.Name)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_TICK_INTERVAL", "not-a-duration")
	t.Setenv("WORKER_BACKLOG_WARN", "NaN")

	cfg := Load()

	if cfg.Worker.TickInterval != 200*time.Millisecond {
		t.Errorf("expected fallback tick 200ms, got %v", cfg.Worker.TickInterval)
	}
	if cfg.Worker.BacklogWarn != 10 {
		t.Errorf("expected fallback backlog warn 10, got %d", cfg.Worker.BacklogWarn)
	}
}
