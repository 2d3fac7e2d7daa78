package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Deribit.WSURL != "wss://www.deribit.com/ws/api/v2" {
		t.Errorf("unexpected default ws url: %s", cfg.Deribit.WSURL)
	}
	if cfg.Deribit.MaxAuthInstruments != 100 {
		t.Errorf("default top-N = %d, want 100", cfg.Deribit.MaxAuthInstruments)
	}
	if cfg.Deribit.RefreshInterval != 30*time.Second {
		t.Errorf("default refresh interval = %v, want 30s", cfg.Deribit.RefreshInterval)
	}
	if cfg.Writer.BatchSize != 100 || cfg.Writer.BatchMaxAge != 10*time.Second {
		t.Errorf("writer defaults = %d/%v, want 100/10s", cfg.Writer.BatchSize, cfg.Writer.BatchMaxAge)
	}
	if cfg.Currency != "BTC" {
		t.Errorf("default currency = %s, want BTC", cfg.Currency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DERIBIT_MAX_AUTH_INSTRUMENTS", "25")
	t.Setenv("CURRENCY", "ETH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Deribit.MaxAuthInstruments != 25 {
		t.Errorf("top-N = %d, want 25", cfg.Deribit.MaxAuthInstruments)
	}
	if cfg.Currency != "ETH" {
		t.Errorf("currency = %s, want ETH", cfg.Currency)
	}
}

func TestUnauthenticatedMode(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Deribit.Authenticated() {
		t.Error("no credentials in env, Authenticated() should be false")
	}

	cfg.Deribit.ClientID = "id"
	cfg.Deribit.ClientSecret = "secret"
	if !cfg.Deribit.Authenticated() {
		t.Error("Authenticated() should be true with both credentials set")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero top-N", func(c *Config) { c.Deribit.MaxAuthInstruments = 0 }},
		{"empty redis url", func(c *Config) { c.Redis.URL = "" }},
		{"empty currency", func(c *Config) { c.Currency = "" }},
		{"zero batch size", func(c *Config) { c.Writer.BatchSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *cfg
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
