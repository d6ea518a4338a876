package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for assay-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration (health, ping and metrics endpoints of the worker)
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Locking   LockingConfig   `yaml:"locking"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Pivot     PivotConfig     `yaml:"pivot"`
	CRM       CRMConfig       `yaml:"crm"`
	Drift     DriftConfig     `yaml:"drift"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
}

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"
	StorageDriverMemory   = "memory"
)

// StorageConfig selects the row store backend.
type StorageConfig struct {
	Driver         string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	SQLitePath     string `yaml:"sqlite_path" env:"STORAGE_SQLITE_PATH" env-default:"data/assay.db"`
	MigrationsPath string `yaml:"migrations_path" env:"STORAGE_MIGRATIONS_PATH" env-default:"migrations"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"assay"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"assay_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection settings. Redis is optional and only
// used for the distributed project lock.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Locking backends.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// LockingConfig configures per-project write serialization.
type LockingConfig struct {
	Backend string        `yaml:"backend" env:"LOCK_BACKEND" env-default:"local"`
	TTL     time.Duration `yaml:"ttl" env:"LOCK_TTL" env-default:"2m"`
	// RetryInterval is how often a waiting writer polls a held Redis lock.
	RetryInterval time.Duration `yaml:"retry_interval" env:"LOCK_RETRY_INTERVAL" env-default:"50ms"`
}

// JobsConfig configures background job execution.
type JobsConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"JOBS_MAX_RETRIES" env-default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"JOBS_INITIAL_BACKOFF" env-default:"2s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"JOBS_MAX_BACKOFF" env-default:"30s"`
	BatchSize      int           `yaml:"batch_size" env:"JOBS_BATCH_SIZE" env-default:"500"`
	// MaxComputeTasks bounds concurrently running optimizer jobs.
	MaxComputeTasks int `yaml:"max_compute_tasks" env:"JOBS_MAX_COMPUTE_TASKS" env-default:"2"`
	// PollInterval is how often serve prunes finished tasks from the queue.
	PollInterval time.Duration `yaml:"poll_interval" env:"JOBS_POLL_INTERVAL" env-default:"30s"`
}

// PivotConfig holds defaults for pivot requests.
type PivotConfig struct {
	PageSize      int    `yaml:"page_size" env:"PIVOT_PAGE_SIZE" env-default:"100"`
	Precision     int    `yaml:"precision" env:"PIVOT_PRECISION" env-default:"-1"`
	RepeatPattern string `yaml:"repeat_pattern" env:"PIVOT_REPEAT_PATTERN" env-default:""`
	// DuplicatePatterns is a ";"-separated list of regexes whose first
	// capture group names the original sample label.
	DuplicatePatterns  string  `yaml:"duplicate_patterns" env:"PIVOT_DUPLICATE_PATTERNS" env-default:""`
	DuplicateThreshold float64 `yaml:"duplicate_threshold" env:"PIVOT_DUPLICATE_THRESHOLD" env-default:"10"`
}

// CRMConfig holds defaults for reference material comparison.
type CRMConfig struct {
	// Patterns is a ";"-separated list of label regexes; empty uses the built-in set.
	Patterns             string  `yaml:"patterns" env:"CRM_PATTERNS" env-default:""`
	// PreferredMethods is a comma-separated method priority list.
	PreferredMethods     string  `yaml:"preferred_methods" env:"CRM_PREFERRED_METHODS" env-default:""`
	MinDiffPercent       float64 `yaml:"min_diff_percent" env:"CRM_MIN_DIFF_PERCENT" env-default:"-10"`
	MaxDiffPercent       float64 `yaml:"max_diff_percent" env:"CRM_MAX_DIFF_PERCENT" env-default:"10"`
	WarningMarginPercent float64 `yaml:"warning_margin_percent" env:"CRM_WARNING_MARGIN_PERCENT" env-default:"0"`
	WeightTolerance      float64 `yaml:"weight_tolerance" env:"CRM_WEIGHT_TOLERANCE" env-default:"5"`
}

// DriftConfig holds defaults for drift analysis.
type DriftConfig struct {
	BasePattern      string  `yaml:"base_pattern" env:"DRIFT_BASE_PATTERN" env-default:""`
	ConePattern      string  `yaml:"cone_pattern" env:"DRIFT_CONE_PATTERN" env-default:""`
	Method           string  `yaml:"method" env:"DRIFT_METHOD" env-default:"linear"`
	PolynomialDegree int     `yaml:"polynomial_degree" env:"DRIFT_POLYNOMIAL_DEGREE" env-default:"2"`
	SlopeStep        float64 `yaml:"slope_step" env:"DRIFT_SLOPE_STEP" env-default:"0"`
}

// OptimizerConfig holds defaults for the blank/scale search.
type OptimizerConfig struct {
	Population  int     `yaml:"population" env:"OPTIMIZER_POPULATION" env-default:"30"`
	Generations int     `yaml:"generations" env:"OPTIMIZER_GENERATIONS" env-default:"100"`
	Seed        int64   `yaml:"seed" env:"OPTIMIZER_SEED" env-default:"1"`
	BlankMin    float64 `yaml:"blank_min" env:"OPTIMIZER_BLANK_MIN" env-default:"-100"`
	BlankMax    float64 `yaml:"blank_max" env:"OPTIMIZER_BLANK_MAX" env-default:"100"`
	ScaleMin    float64 `yaml:"scale_min" env:"OPTIMIZER_SCALE_MIN" env-default:"0.5"`
	ScaleMax    float64 `yaml:"scale_max" env:"OPTIMIZER_SCALE_MAX" env-default:"2"`
	Workers     int     `yaml:"workers" env:"OPTIMIZER_WORKERS" env-default:"4"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnv builds configuration from defaults and environment variables only.
// Used by CLI commands run outside a directory holding config.yaml.
func LoadEnv(version string) (*Config, error) {
	cfg := &Config{Version: version}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges that cleanenv cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverSQLite, StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Locking.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis lock backend requires redis.host")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Locking.Backend)
	}

	if c.CRM.MinDiffPercent >= c.CRM.MaxDiffPercent {
		return fmt.Errorf("crm min_diff_percent (%v) must be below max_diff_percent (%v)",
			c.CRM.MinDiffPercent, c.CRM.MaxDiffPercent)
	}
	if c.CRM.WarningMarginPercent < 0 {
		return fmt.Errorf("crm warning_margin_percent must not be negative")
	}
	if c.Optimizer.Population < 4 {
		return fmt.Errorf("optimizer population must be at least 4, got %d", c.Optimizer.Population)
	}
	if c.Optimizer.Generations < 1 {
		return fmt.Errorf("optimizer generations must be at least 1")
	}
	if c.Optimizer.ScaleMin <= 0 || c.Optimizer.ScaleMin >= c.Optimizer.ScaleMax {
		return fmt.Errorf("optimizer scale bounds must satisfy 0 < min < max")
	}
	if c.Optimizer.BlankMin > c.Optimizer.BlankMax {
		return fmt.Errorf("optimizer blank_min must not exceed blank_max")
	}
	if c.Pivot.PageSize < 1 {
		return fmt.Errorf("pivot page_size must be positive")
	}
	if c.Jobs.BatchSize < 1 {
		return fmt.Errorf("jobs batch_size must be positive")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// SplitList splits a separated config value, dropping empty items.
// Pattern lists use ";" since regexes may contain commas.
func SplitList(value, sep string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
