package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	p := writeConfig(t, `
environment: test
server:
  port: 9090
monitor:
  assets:
    SOL: { threshold_pct: 3.5, buffer_size: 50 }
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Port != 9090 || c.Server.ReadTimeout != 10*time.Second {
		t.Fatalf("server %+v", c.Server)
	}
	if c.CMC.RateLimitCalls != 30 || c.CMC.RateLimitPeriod != time.Minute || c.CMC.MaxRetries != 3 {
		t.Fatalf("cmc defaults %+v", c.CMC)
	}
	if got := c.Monitor.Assets["SOL"]; got.ThresholdPct != 3.5 || got.BufferSize != 50 {
		t.Fatalf("monitor override %+v", got)
	}
	if c.Monitor.Spike.ThresholdUSD != 500 || c.Monitor.Spike.Window != 10*time.Minute {
		t.Fatalf("spike defaults %+v", c.Monitor.Spike)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	p := writeConfig(t, "environment: test\n")
	t.Setenv("CMC_API_KEY", "key-123")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ASSETS", "BTC,SOL")
	t.Setenv("REFRESH_INTERVAL", "5m")
	t.Setenv("FINPULSE_PORT", "8123")

	c, err := LoadWithEnv(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.CMC.APIKey != "key-123" || c.CronSecret != "cron" {
		t.Fatalf("secrets not applied: %q %q", c.CMC.APIKey, c.CronSecret)
	}
	if len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers %v", c.Kafka.Brokers)
	}
	if strings.Join(c.Binance.Assets, ",") != "BTC,SOL" {
		t.Fatalf("assets %v", c.Binance.Assets)
	}
	if c.Refresh.Interval != 5*time.Minute || c.Server.Port != 8123 {
		t.Fatalf("interval %v port %d", c.Refresh.Interval, c.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing api key", func(c *Config) { c.CMC.APIKey = "" }, "cmc.api_key"},
		{"bad backend", func(c *Config) { c.Backend.Type = "postgres" }, "backend.type"},
		{"unknown asset", func(c *Config) { c.Binance.Assets = []string{"DOGE"} }, "unknown asset"},
		{"unknown monitor asset", func(c *Config) { c.Monitor.Assets = map[string]AssetConfig{"XRP": {}} }, "monitor.assets"},
		{"buffer of one", func(c *Config) { c.Monitor.Assets = map[string]AssetConfig{"BTC": {BufferSize: 1}} }, "buffer_size"},
		{"buffer below min points", func(c *Config) {
			c.Monitor.MinPoints = 5
			c.Monitor.Assets = map[string]AssetConfig{"ETH": {BufferSize: 4}}
		}, "at least 5"},
		{"default buffer", func(c *Config) { c.Monitor.Assets = map[string]AssetConfig{"SOL": {ThresholdPct: 1}} }, ""},
		{"buffer of two", func(c *Config) { c.Monitor.Assets = map[string]AssetConfig{"BTC": {BufferSize: 2}} }, ""},
		{"bad cooldown", func(c *Config) { c.Monitor.Cooldown = "forever" }, "monitor.cooldown"},
		{"unknown class", func(c *Config) { c.Broadcast.Queue = map[string]int{"gossip": 5} }, "unknown event class"},
		{"zero queue", func(c *Config) { c.Broadcast.History = map[string]int{"crash": 0} }, "must be positive"},
		{"no rate limit", func(c *Config) { c.CMC.RateLimitCalls = 0 }, "rate_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.CMC.APIKey = "k"
			tc.mutate(c)
			err := c.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %v, want containing %q", err, tc.want)
			}
		})
	}
}
