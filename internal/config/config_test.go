package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CIRCUIT_API_KEYS", "")
	t.Setenv("PROVIDER", "")
	t.Setenv("CIRCUIT_DB_PATH", "")
	t.Setenv("CIRCUIT_REQUESTS_PER_MIN", "")
	t.Setenv("CIRCUIT_DAILY_USD_LIMIT", "")
	t.Setenv("CIRCUIT_MAX_OUTPUT_TOKENS", "")
	t.Setenv("CIRCUIT_LOG_PAYLOADS", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "MOCK" {
		t.Errorf("Provider = %q, want MOCK", cfg.Provider)
	}
	if cfg.DBPath != "./circuit.db" {
		t.Errorf("DBPath = %q, want ./circuit.db", cfg.DBPath)
	}
	if cfg.RequestsPerMin != 60 {
		t.Errorf("RequestsPerMin = %d, want 60", cfg.RequestsPerMin)
	}
	if cfg.DailyUSDLimit != 10.0 {
		t.Errorf("DailyUSDLimit = %v, want 10.0", cfg.DailyUSDLimit)
	}
	if cfg.MaxOutputTokens != 4096 {
		t.Errorf("MaxOutputTokens = %d, want 4096", cfg.MaxOutputTokens)
	}
	if cfg.Tuning.RetryMaxRetries != 2 {
		t.Errorf("RetryMaxRetries = %d, want 2", cfg.Tuning.RetryMaxRetries)
	}
}

func TestAPIKeysSplit(t *testing.T) {
	t.Setenv("CIRCUIT_API_KEYS", "sk-one, sk-two ,,sk-three")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"sk-one", "sk-two", "sk-three"}
	if len(cfg.APIKeys) != len(want) {
		t.Fatalf("APIKeys = %v, want %v", cfg.APIKeys, want)
	}
	for i, k := range want {
		if cfg.APIKeys[i] != k {
			t.Errorf("APIKeys[%d] = %q, want %q", i, cfg.APIKeys[i], k)
		}
	}
}

func TestRedisURLSelectsSharedStore(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RedisURL == "" {
		t.Fatal("expected RedisURL to be set")
	}
}

func TestLoadTuningFile(t *testing.T) {
	yamlDoc := `
retry_max_retries: 5
retry_base_delay: 200ms
breaker_cooldown: 1m
price_table_path: /tmp/prices.yaml
`
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tuning.RetryMaxRetries != 5 {
		t.Errorf("RetryMaxRetries = %d, want 5", cfg.Tuning.RetryMaxRetries)
	}
	if cfg.Tuning.RetryBaseDelay != 200*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 200ms", cfg.Tuning.RetryBaseDelay)
	}
	if cfg.Tuning.BreakerCooldown != time.Minute {
		t.Errorf("BreakerCooldown = %v, want 1m", cfg.Tuning.BreakerCooldown)
	}
	if cfg.Tuning.PriceTablePath != "/tmp/prices.yaml" {
		t.Errorf("PriceTablePath = %q, want /tmp/prices.yaml", cfg.Tuning.PriceTablePath)
	}
}

func TestLoadMissingTuningFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tuning.RetryMaxRetries != 2 {
		t.Errorf("RetryMaxRetries = %d, want default 2", cfg.Tuning.RetryMaxRetries)
	}
}
