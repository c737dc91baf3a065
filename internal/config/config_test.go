package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickRate != DefaultTickRate {
		t.Fatalf("unexpected tick rate %v", cfg.TickRate)
	}
	if cfg.MaxPacketBytes != DefaultMaxPacketBytes {
		t.Fatalf("unexpected packet budget %d", cfg.MaxPacketBytes)
	}
	if cfg.MutationsTimeout != DefaultMutationsTimeout {
		t.Fatalf("unexpected mutations timeout %v", cfg.MutationsTimeout)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REPLICATION_TICK_RATE", "60")
	t.Setenv("REPLICATION_MAX_PACKET_BYTES", "900")
	t.Setenv("REPLICATION_MUTATIONS_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickRate != 60 {
		t.Fatalf("tick rate override ignored: %v", cfg.TickRate)
	}
	if cfg.MaxPacketBytes != 900 {
		t.Fatalf("packet budget override ignored: %d", cfg.MaxPacketBytes)
	}
	if cfg.MutationsTimeout != 2*time.Second {
		t.Fatalf("mutations timeout override ignored: %v", cfg.MutationsTimeout)
	}
	if cfg.TickInterval() != time.Second/60 {
		t.Fatalf("unexpected tick interval %v", cfg.TickInterval())
	}
}

func TestLoadCollectsProblems(t *testing.T) {
	t.Setenv("REPLICATION_TICK_RATE", "-1")
	t.Setenv("REPLICATION_MAX_PACKET_BYTES", "zero")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation failure")
	}
}
