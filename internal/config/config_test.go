package config_test

import (
	"AuctionLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	assert.NoError(t, err)

	check.Equal(t, 100*time.Millisecond, cfg.Relay.PollInterval)
	check.Equal(t, 100, cfg.Relay.BatchSize)
	check.Equal(t, 10, cfg.Relay.MaxAttempts)
	check.Equal(t, 5*time.Second, cfg.Relay.PublishTimeout)
	check.Equal(t, 200*time.Millisecond, cfg.Relay.BaseBackoff)
	check.Equal(t, 30*time.Second, cfg.Relay.MaxBackoff)
	check.Equal(t, "error", cfg.Rules.EscalationThreshold)
	check.Equal(t, 15*time.Minute, cfg.Rules.EscalationDelay)
	check.Equal(t, 3, cfg.Rules.MaxEscalationLevel)
	check.Equal(t, "AUCTION_EVENTS", cfg.NATS.Stream)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "relay:\n  batch_size: 25\n  max_attempts: 4\nlog:\n  level: debug\n"
	assert.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("AUCTION_RELAY_MAX_ATTEMPTS", "7")

	cfg, err := config.Load(path)
	assert.NoError(t, err)

	check.Equal(t, 25, cfg.Relay.BatchSize)
	check.Equal(t, 7, cfg.Relay.MaxAttempts)
	check.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsInvertedBackoff(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUCTION_RELAY_BASE_BACKOFF", "1m")
	t.Setenv("AUCTION_RELAY_MAX_BACKOFF", "1s")

	_, err := config.Load("")
	check.Error(t, err)
}
