package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the pipeline engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// LLM collaborator configuration
	LLM LLMConfig `yaml:"llm"`

	// Datasource connection management configuration
	Datasource DatasourceConfig `yaml:"datasource"`

	// Pipeline execution limits
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Sources lists the datasources queries may run against. Only
	// listed sources are reachable; there is no dynamic registration.
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one queryable datasource. Credentials never
// appear in YAML: PasswordEnv names the environment variable holding
// the secret.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // "postgres" or "document"

	// Postgres connection fields.
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	SSLMode     string `yaml:"ssl_mode"`

	// Document source fields. Path points at a JSON file holding the
	// collections to load.
	Path string `yaml:"path"`
}

// Password resolves the secret named by PasswordEnv.
func (s *SourceConfig) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// LLMConfig holds the external LLM collaborator endpoint settings.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Model    string `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o"`
	APIKey   string `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	// Temperature for query generation. Low by default so generated
	// queries are reproducible.
	Temperature float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.1"`
}

// DatasourceConfig holds datasource connection management settings.
type DatasourceConfig struct {
	// ConnectionTTLMinutes is how long idle datasource connections are kept alive.
	ConnectionTTLMinutes int `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"5"`
	// PoolMaxConns is the maximum number of connections per datasource pool.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	// PoolMinConns is the minimum number of connections per datasource pool.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"1"`
	// CheckoutWaitSeconds bounds how long a run may block waiting for a
	// pooled connection before failing with ErrPoolExhausted.
	CheckoutWaitSeconds int `yaml:"checkout_wait_seconds" env:"DATASOURCE_CHECKOUT_WAIT_SECONDS" env-default:"5"`
	// SchemaCacheTTLMinutes is how long an introspected schema graph is
	// reused before it is rebuilt. Explicit invalidation always wins.
	SchemaCacheTTLMinutes int `yaml:"schema_cache_ttl_minutes" env:"SCHEMA_CACHE_TTL_MINUTES" env-default:"10"`
}

// PipelineConfig holds per-run execution limits.
type PipelineConfig struct {
	// MaxRows caps the number of rows any single query may return.
	MaxRows int `yaml:"max_rows" env:"PIPELINE_MAX_ROWS" env-default:"2000"`
	// QueryTimeoutSeconds is the wall-clock budget for guarded execution.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"PIPELINE_QUERY_TIMEOUT_SECONDS" env-default:"30"`
	// MaxJoinHops bounds join-path search; mention sets further apart
	// than this are treated as disconnected components.
	MaxJoinHops int `yaml:"max_join_hops" env:"PIPELINE_MAX_JOIN_HOPS" env-default:"4"`
	// HistorySize is the capacity of the in-memory query history ring.
	HistorySize int `yaml:"history_size" env:"PIPELINE_HISTORY_SIZE" env-default:"500"`
}

// QueryTimeout returns the execution budget as a duration.
func (c *PipelineConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// CheckoutWait returns the pool checkout bound as a duration.
func (c *DatasourceConfig) CheckoutWait() time.Duration {
	return time.Duration(c.CheckoutWaitSeconds) * time.Second
}

// SchemaCacheTTL returns the schema cache lifetime as a duration.
func (c *DatasourceConfig) SchemaCacheTTL() time.Duration {
	return time.Duration(c.SchemaCacheTTLMinutes) * time.Minute
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	} else {
		// No config file - environment variables and defaults only
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read config from environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.MaxRows <= 0 {
		return fmt.Errorf("pipeline max_rows must be positive, got %d", c.Pipeline.MaxRows)
	}
	if c.Pipeline.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline query_timeout_seconds must be positive, got %d", c.Pipeline.QueryTimeoutSeconds)
	}
	if c.Pipeline.MaxJoinHops <= 0 {
		return fmt.Errorf("pipeline max_join_hops must be positive, got %d", c.Pipeline.MaxJoinHops)
	}
	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if _, err := uuid.Parse(s.ID); err != nil {
			return fmt.Errorf("sources[%d]: id must be a UUID: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %s", i, s.ID)
		}
		seen[s.ID] = true
		switch s.Kind {
		case "postgres", "document":
		default:
			return fmt.Errorf("sources[%d]: unknown kind %q", i, s.Kind)
		}
	}
	return nil
}
