package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoadDefaults confirms a minimal file picks up defaults and validates.
func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
db:
  dsn: postgres://localhost/extractq
extractor:
  endpoint: https://provider.internal/extract
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Queue.Workers)
	require.Equal(t, 90*time.Second, cfg.Queue.StaleAfter)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, "none", cfg.Publisher.Provider)
	require.Equal(t, 5*time.Minute, cfg.Extractor.Timeout)
}

// TestLoadRejectsMissingExtractorEndpoint asserts the provider endpoint is
// mandatory.
func TestLoadRejectsMissingExtractorEndpoint(t *testing.T) {
	path := writeConfig(t, "db:\n  dsn: postgres://localhost/extractq\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "extractor.endpoint is required")
}

// TestLoadRejectsMissingDSN asserts validation fails fast without a database.
func TestLoadRejectsMissingDSN(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "db.dsn is required")
}

// TestValidateHeartbeatBound rejects a heartbeat slower than the stale window.
func TestValidateHeartbeatBound(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
db:
  dsn: postgres://localhost/extractq
extractor:
  endpoint: https://provider.internal/extract
queue:
  stale_after: 30s
  heartbeat_interval: 45s
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "heartbeat_interval")
}

// TestHeartbeatIntervalDefault derives the period from the stale threshold.
func TestHeartbeatIntervalDefault(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.Queue.StaleAfter = 90 * time.Second
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval())

	cfg.Queue.HeartbeatInterval = 10 * time.Second
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
}

// TestValidatePublisher checks pubsub requires project and topic.
func TestValidatePublisher(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
db:
  dsn: postgres://localhost/extractq
extractor:
  endpoint: https://provider.internal/extract
publisher:
  provider: pubsub
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "publisher.project_id")
}
