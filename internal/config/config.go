// Package config loads the gateway's environment-driven settings (spec.md
// §6) plus a companion YAML file of tuning knobs spec.md's env-var list
// doesn't cover (retry/breaker timing, the price table path), grounded on
// the teacher's YAML-first Config struct and on
// original_source/circuit/config.py's Settings (PROVIDER, CIRCUIT_API_KEYS,
// CIRCUIT_LOG_PAYLOADS, CIRCUIT_DB_PATH, CIRCUIT_REQUESTS_PER_MIN,
// CIRCUIT_DAILY_USD_LIMIT, CIRCUIT_MAX_OUTPUT_TOKENS) plus REDIS_URL.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the gateway's resolved configuration: environment variables for
// the spec-named settings, overlaid with a YAML tuning file for everything
// else.
type Config struct {
	Provider          string
	APIKeys           []string
	LogPayloads       bool
	DBPath            string
	RequestsPerMin    int64
	DailyUSDLimit     float64
	MaxOutputTokens   int
	RedisURL          string // non-empty selects the shared-store rate limiter

	Tuning Tuning
}

// Tuning holds the knobs spec.md's env-var list doesn't name: retry/breaker
// timing and where to find the price table. Loaded from an optional YAML
// file; defaults apply when the file is absent or a field is unset.
type Tuning struct {
	PriceTablePath string        `yaml:"price_table_path"`
	RetryMaxRetries int          `yaml:"retry_max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	BreakerFailureThreshold int   `yaml:"breaker_failure_threshold"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	RateLimitRefillPerSec float64 `yaml:"rate_limit_refill_per_sec"`
	ServerAddr      string        `yaml:"server_addr"`
}

func defaultTuning() Tuning {
	return Tuning{
		RetryMaxRetries:         2,
		RetryBaseDelay:          100 * time.Millisecond,
		RetryMaxDelay:           2 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
		UpstreamTimeout:         30 * time.Second,
		RateLimitRefillPerSec:   1,
		ServerAddr:              ":8080",
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// matching the teacher's config-file convention.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads the spec-named environment variables and, if tuningPath is
// non-empty, overlays a YAML tuning file on top of the defaults.
func Load(tuningPath string) (*Config, error) {
	cfg := &Config{
		Provider:        getenv("PROVIDER", "MOCK"),
		LogPayloads:     getenvBool("CIRCUIT_LOG_PAYLOADS", false),
		DBPath:          getenv("CIRCUIT_DB_PATH", "./circuit.db"),
		RequestsPerMin:  getenvInt64("CIRCUIT_REQUESTS_PER_MIN", 60),
		DailyUSDLimit:   getenvFloat("CIRCUIT_DAILY_USD_LIMIT", 10.0),
		MaxOutputTokens: int(getenvInt64("CIRCUIT_MAX_OUTPUT_TOKENS", 4096)),
		RedisURL:        os.Getenv("REDIS_URL"),
		Tuning:          defaultTuning(),
	}
	cfg.APIKeys = splitKeys(os.Getenv("CIRCUIT_API_KEYS"))

	if tuningPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	data = expandEnv(data)
	if err := yaml.Unmarshal(data, &cfg.Tuning); err != nil {
		return nil, fmt.Errorf("parse tuning file: %w", err)
	}
	return cfg, nil
}

// splitKeys parses CIRCUIT_API_KEYS's comma-separated list, matching
// original_source's Settings.api_keys property.
func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getenv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt64(name string, def int64) int64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(name string, def float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
