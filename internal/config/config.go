package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sandeepmv/resilipay/internal/settlement"
)

type Config struct {
	// DBSource is optional: when empty the server runs on the in-memory
	// ledger, which is enough for the demo and for local development.
	DBSource        string
	Port            string
	Env             string
	ModeStateFile   string
	SweepMaxRetries int
	Settlement      settlement.Config
}

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:      os.Getenv("DB_SOURCE"),
		Port:          envOr("SERVER_PORT", "8080"),
		Env:           envOr("ENVIRONMENT", "development"),
		ModeStateFile: envOr("MODE_STATE_FILE", "mode-state.json"),
		Settlement:    settlement.DefaultConfig(),
	}

	retries, err := envInt("SWEEP_MAX_RETRIES", 10)
	if err != nil {
		return nil, err
	}
	if retries < 1 {
		return nil, fmt.Errorf("SWEEP_MAX_RETRIES must be at least 1")
	}
	cfg.SweepMaxRetries = retries

	if err := applyRate(&cfg.Settlement.Online.SuccessRate, "SETTLE_ONLINE_RATE"); err != nil {
		return nil, err
	}
	if err := applyRate(&cfg.Settlement.Offline.SuccessRate, "SETTLE_OFFLINE_RATE"); err != nil {
		return nil, err
	}
	if err := applyRate(&cfg.Settlement.Verify.SuccessRate, "SETTLE_VERIFY_RATE"); err != nil {
		return nil, err
	}
	if err := applyRate(&cfg.Settlement.AddFunds.SuccessRate, "SETTLE_ADD_FUNDS_RATE"); err != nil {
		return nil, err
	}

	// Capping the latency windows keeps demo runs snappy.
	maxLatencyMS, err := envInt("SETTLE_MAX_LATENCY_MS", 0)
	if err != nil {
		return nil, err
	}
	if maxLatencyMS > 0 {
		ceiling := time.Duration(maxLatencyMS) * time.Millisecond
		for _, p := range []*settlement.Profile{
			&cfg.Settlement.Online, &cfg.Settlement.Offline,
			&cfg.Settlement.Verify, &cfg.Settlement.AddFunds,
		} {
			if p.MaxLatency > ceiling {
				p.MaxLatency = ceiling
			}
			if p.MinLatency > ceiling {
				p.MinLatency = ceiling
			}
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func applyRate(target *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil || rate < 0 || rate > 1 {
		return fmt.Errorf("%s must be a probability between 0 and 1", key)
	}
	*target = rate
	return nil
}
