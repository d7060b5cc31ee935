package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TypingTimeout != 3*time.Second {
		t.Fatalf("expected 3s typing timeout, got %s", cfg.TypingTimeout)
	}
	if cfg.PresenceDebounce != 0 {
		t.Fatalf("expected presence debounce to be disabled by default")
	}
	if cfg.QueryParam != "token" {
		t.Fatalf("unexpected query parameter %q", cfg.QueryParam)
	}
	if cfg.NodeID == "" {
		t.Fatalf("expected a generated node id")
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected missing signing secret to fail validation")
	}
}

func TestLoadRejectsPongWaitBelowPingInterval(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("connection.ping_interval", "30s")
	configViper.Set("connection.pong_wait", "10s")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected pong wait validation failure")
	}
}

func TestLoadRequiresRedisChannelWithAddress(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("redis.address", "localhost:6379")
	configViper.Set("redis.channel", " ")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected redis channel validation failure")
	}
}

func TestLoadDefaultsToAnyOrigin(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}
