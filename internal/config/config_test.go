package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_ENV", "nonexistent")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Mode != "release" || cfg.Port != 8080 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.OpusMaxBitrate != 24000 || cfg.ReconnectBudget != 5 {
		t.Fatalf("call defaults = %+v", cfg)
	}
	if cfg.SendAttempts != 3 || cfg.SendBackoff != 200*time.Millisecond {
		t.Fatalf("retry defaults = %+v", cfg)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ice servers = %v", cfg.ICEServers)
	}
}
