package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load("", quietLogger())
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.ServerPort)
	require.Equal(t, int64(1250), cfg.PlatformFeeBps)
	require.Equal(t, 120*time.Hour, cfg.DisputeWindow())
	require.Equal(t, "@every 5s", cfg.OutboxSchedule)
	require.Equal(t, "@every 10m", cfg.ReconcileSchedule)
	require.Equal(t, "contract_events", cfg.NotificationExchange)
	require.True(t, cfg.AutoMigrate)
	require.Equal(t, 3, cfg.PaymentMaxAttempts)
	require.Equal(t, 3*time.Second, cfg.PaymentTimeout())
	require.NoError(t, cfg.Validate())
}

func TestLoadClampsOutOfRange(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "25000")
	t.Setenv("PAYMENT_MAX_ATTEMPTS", "0")
	t.Setenv("OUTBOX_BATCH_SIZE", "100000")
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "120")

	cfg, err := Load("", quietLogger())
	require.NoError(t, err)
	require.Equal(t, int64(10000), cfg.PlatformFeeBps)
	require.Equal(t, 1, cfg.PaymentMaxAttempts)
	require.Equal(t, 500, cfg.OutboxBatchSize)
	require.Equal(t, 30*time.Second, cfg.PaymentTimeout())
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DISPUTE_WINDOW_HOURS=48\nLOG_FORMAT=text\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DISPUTE_WINDOW_HOURS")
		os.Unsetenv("LOG_FORMAT")
	})

	cfg, err := Load(dir, quietLogger())
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, cfg.DisputeWindow())
	require.Equal(t, "text", cfg.LogFormat)
}

func TestValidate(t *testing.T) {
	require.Error(t, Config{}.Validate())
	require.Error(t, Config{JWTSecret: "s", Environment: "production"}.Validate())
	require.NoError(t, Config{JWTSecret: "s", Environment: "production", DatabaseURL: "postgres://x", PaymentProcessorURL: "https://pay"}.Validate())
}
