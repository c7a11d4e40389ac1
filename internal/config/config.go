// Package config loads and validates catalog service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CATALOG_STATE_DIR.
const EnvPrefix = "CATALOG"

// Config captures all service configuration knobs loaded via Viper. The
// per-site crawl rules live in the profile document named by Profile.Path.
type Config struct {
	Profile   ProfileConfig   `mapstructure:"profile"`
	State     StateConfig     `mapstructure:"state"`
	Run       RunConfig       `mapstructure:"run"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
}

// ProfileConfig points at the site profile YAML.
type ProfileConfig struct {
	Path string `mapstructure:"path"`
}

// StateConfig controls the state directory.
type StateConfig struct {
	Dir              string        `mapstructure:"dir"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	RemovalPolicy    string        `mapstructure:"removal_policy"`
	ReconcileOnStart bool          `mapstructure:"reconcile_on_start"`
}

// RunConfig bounds one processing invocation.
type RunConfig struct {
	BatchSize    int  `mapstructure:"batch_size"`
	MaxBatches   int  `mapstructure:"max_batches"`
	ForceRefresh bool `mapstructure:"force_refresh"`
}

// FetchConfig tunes the reference FetchService.
type FetchConfig struct {
	UserAgent     string         `mapstructure:"user_agent"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	Headless      HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the rendering fallback.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// ServerConfig controls the change-event API.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap flavour.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig toggles the OpenTelemetry tracer provider. Exporter is
// empty (IDs in logs only), "gcp" for Cloud Trace or "otlp".
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
	ProjectID   string `mapstructure:"project_id"`
	Endpoint    string `mapstructure:"endpoint"`
}

// PublisherConfig names the shard change topic. An empty Backend disables
// notifications.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MirrorConfig selects where changed shard files are copied. An empty Backend
// disables mirroring.
type MirrorConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// LedgerConfig enables the Postgres run ledger when DSN is set.
type LedgerConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// Backends accepted by the publisher and mirror sections.
const (
	BackendNone   = ""
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendGCS    = "gcs"
	BackendLocal  = "local"
)

// Load builds a Config from an optional file, environment and defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile.path", "profile.yaml")
	v.SetDefault("state.dir", "data/state")
	v.SetDefault("state.lock_timeout", "30s")
	v.SetDefault("state.removal_policy", "immediate")
	v.SetDefault("state.reconcile_on_start", true)
	v.SetDefault("run.batch_size", 25)
	v.SetDefault("run.max_batches", 0)
	v.SetDefault("run.force_refresh", false)
	v.SetDefault("fetch.user_agent", "realtime-cpi-catalog/1.0")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.nav_timeout", "45s")
	v.SetDefault("fetch.headless.promotion_threshold", 2048)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "realtime-cpi-catalog")
	v.SetDefault("publisher.topic", "catalog-shard-changes")
	v.SetDefault("mirror.prefix", "shards")
	v.SetDefault("ledger.table", "catalog_runs")
	// Registered so AutomaticEnv can override keys without a file default.
	for _, key := range []string{
		"server.api_key", "logging.level", "tracing.exporter", "tracing.project_id", "tracing.endpoint", "publisher.backend", "publisher.project_id", "mirror.backend", "mirror.bucket", "mirror.dir", "ledger.dsn",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.State.Dir == "" {
		errs = append(errs, errors.New("state.dir is required"))
	}
	switch c.State.RemovalPolicy {
	case "immediate", "deferred":
	default:
		errs = append(errs, fmt.Errorf("state.removal_policy must be immediate or deferred, got %q", c.State.RemovalPolicy))
	}
	if c.Run.BatchSize <= 0 {
		errs = append(errs, errors.New("run.batch_size must be > 0"))
	}
	if c.Run.MaxBatches < 0 {
		errs = append(errs, errors.New("run.max_batches must be >= 0"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("fetch.headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	switch c.Tracing.Exporter {
	case "", "gcp", "otlp":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be empty, gcp or otlp, got %q", c.Tracing.Exporter))
	}
	switch c.Publisher.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			errs = append(errs, errors.New("publisher.project_id and publisher.topic are required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend))
	}
	switch c.Mirror.Backend {
	case BackendNone, BackendMemory:
	case BackendGCS:
		if c.Mirror.Bucket == "" {
			errs = append(errs, errors.New("mirror.bucket is required for gcs"))
		}
	case BackendLocal:
		if c.Mirror.Dir == "" {
			errs = append(errs, errors.New("mirror.dir is required for local"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror.backend %q", c.Mirror.Backend))
	}
	return errors.Join(errs...)
}
