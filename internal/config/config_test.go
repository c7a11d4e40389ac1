package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
profile:
  path: sites/shop.yaml
state:
  dir: /var/lib/catalog
  lock_timeout: 5s
  removal_policy: deferred
  reconcile_on_start: false
run:
  batch_size: 10
  max_batches: 3
  force_refresh: true
fetch:
  user_agent: test-agent
  timeout: 12s
  respect_robots: false
  headless:
    enabled: true
    max_parallel: 2
    nav_timeout: 20s
    promotion_threshold: 4096
server:
  port: 9090
  api_key: secret
logging:
  development: true
  level: debug
publisher:
  backend: pubsub
  project_id: proj
  topic: shards
mirror:
  backend: gcs
  bucket: bucket
  prefix: mirror
ledger:
  dsn: postgres://localhost/catalog
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sites/shop.yaml", cfg.Profile.Path)
	assert.Equal(t, StateConfig{Dir: "/var/lib/catalog", LockTimeout: 5 * time.Second, RemovalPolicy: "deferred"}, cfg.State)
	assert.Equal(t, RunConfig{BatchSize: 10, MaxBatches: 3, ForceRefresh: true}, cfg.Run)
	assert.Equal(t, 12*time.Second, cfg.Fetch.Timeout)
	assert.False(t, cfg.Fetch.RespectRobots)
	assert.Equal(t, HeadlessConfig{Enabled: true, MaxParallel: 2, NavTimeout: 20 * time.Second, PromotionThreshold: 4096}, cfg.Fetch.Headless)
	assert.Equal(t, ServerConfig{Port: 9090, APIKey: "secret"}, cfg.Server)
	assert.Equal(t, LoggingConfig{Development: true, Level: "debug"}, cfg.Logging)
	assert.Equal(t, PublisherConfig{Backend: BackendPubSub, ProjectID: "proj", Topic: "shards"}, cfg.Publisher)
	assert.Equal(t, MirrorConfig{Backend: BackendGCS, Bucket: "bucket", Prefix: "mirror"}, cfg.Mirror)
	assert.Equal(t, "catalog_runs", cfg.Ledger.Table)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "data/state", cfg.State.Dir)
	assert.Equal(t, 30*time.Second, cfg.State.LockTimeout)
	assert.Equal(t, "immediate", cfg.State.RemovalPolicy)
	assert.True(t, cfg.State.ReconcileOnStart)
	assert.Equal(t, 25, cfg.Run.BatchSize)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Publisher.Backend)
	assert.Equal(t, "catalog-shard-changes", cfg.Publisher.Topic)
}

// Environment overrides mutate process state, so this test is not parallel.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CATALOG_STATE_DIR", "/tmp/env-state")
	t.Setenv("CATALOG_RUN_BATCH_SIZE", "7")
	t.Setenv("CATALOG_LEDGER_DSN", "postgres://env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-state", cfg.State.Dir)
	assert.Equal(t, 7, cfg.Run.BatchSize)
	assert.Equal(t, "postgres://env", cfg.Ledger.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"removal policy": func(c *Config) { c.State.RemovalPolicy = "later" },
		"batch size":     func(c *Config) { c.Run.BatchSize = 0 },
		"max batches":    func(c *Config) { c.Run.MaxBatches = -1 },
		"headless":       func(c *Config) { c.Fetch.Headless = HeadlessConfig{Enabled: true} },
		"pubsub topic":   func(c *Config) { c.Publisher = PublisherConfig{Backend: BackendPubSub} },
		"publisher":      func(c *Config) { c.Publisher.Backend = "kafka" },
		"gcs bucket":     func(c *Config) { c.Mirror = MirrorConfig{Backend: BackendGCS} },
		"local dir":      func(c *Config) { c.Mirror = MirrorConfig{Backend: BackendLocal} },
		"state dir":      func(c *Config) { c.State.Dir = "" },
		"trace exporter": func(c *Config) { c.Tracing.Exporter = "jaeger" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
	assert.NoError(t, base.Validate())
}
