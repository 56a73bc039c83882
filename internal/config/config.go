// Package config loads orchestrator configuration from an optional YAML file
// and SENTINEL_-prefixed environment variables, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestrator binary.
type Config struct {
	API       API       `mapstructure:"api"`
	Scan      Scan      `mapstructure:"scan"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Telemetry Telemetry `mapstructure:"telemetry"`
	Log       Log       `mapstructure:"log"`
}

// API configures the HTTP control surface.
type API struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Addr returns the listen address.
func (a API) Addr() string { return fmt.Sprintf("%s:%s", a.Host, a.Port) }

// Scan configures scan execution and resource limits.
type Scan struct {
	// LineLimitBytes caps a single protocol line from a worker.
	LineLimitBytes int `mapstructure:"line_limit_bytes"`

	// PayloadCapBytes caps total retained event payload per scan before old
	// bulk payloads are truncated.
	PayloadCapBytes int64 `mapstructure:"payload_cap_bytes"`

	// SubscriberBuffer is the per-subscriber channel capacity; a subscriber
	// this far behind is dropped.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`

	// LLMRatePerSecond and LLMBurst gate launches of LLM-bound workers
	// across all concurrent scans.
	LLMRatePerSecond float64 `mapstructure:"llm_rate_per_second"`
	LLMBurst         int     `mapstructure:"llm_burst"`

	// WorkerCommand is the default command line for launching an agent; the
	// role is appended as the final argument.
	WorkerCommand []string `mapstructure:"worker_command"`

	// WorkerCommands overrides the command per role.
	WorkerCommands map[string][]string `mapstructure:"worker_commands"`
}

// Postgres configures the optional durable mirror. An empty DSN disables it.
type Postgres struct {
	DSN           string `mapstructure:"dsn"`
	RunMigrations bool   `mapstructure:"run_migrations"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Probability float64 `mapstructure:"probability"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "8080")

	v.SetDefault("scan.line_limit_bytes", 16<<20)
	v.SetDefault("scan.payload_cap_bytes", 256<<20)
	v.SetDefault("scan.subscriber_buffer", 256)
	v.SetDefault("scan.llm_rate_per_second", 0.5)
	v.SetDefault("scan.llm_burst", 1)
	v.SetDefault("scan.worker_command", []string{"python3", "agents/agent_harness.py"})

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.run_migrations", true)
	v.SetDefault("postgres.migrations_dir", "db/migrations")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.probability", 0.1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Scan.LineLimitBytes <= 0 {
		return errors.New("scan.line_limit_bytes must be positive")
	}
	if c.Scan.PayloadCapBytes <= 0 {
		return errors.New("scan.payload_cap_bytes must be positive")
	}
	if c.Scan.SubscriberBuffer <= 0 {
		return errors.New("scan.subscriber_buffer must be positive")
	}
	if c.Scan.LLMRatePerSecond <= 0 {
		return errors.New("scan.llm_rate_per_second must be positive")
	}
	if len(c.Scan.WorkerCommand) == 0 {
		return errors.New("scan.worker_command must not be empty")
	}
	return nil
}
