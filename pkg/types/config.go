package types

import (
	"errors"
	"time"
)

// Config holds backend selection and engine settings for attic.Open.
type Config struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	// DSN is the Postgres connection string; ignored by other backends.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`

	SaveStrategy          string `json:"save_strategy" yaml:"save_strategy" mapstructure:"save_strategy"`
	OptimisticConcurrency bool   `json:"optimistic_concurrency" yaml:"optimistic_concurrency" mapstructure:"optimistic_concurrency"`
	// MaxDepth bounds reference hops when loading objects.
	MaxDepth int `json:"max_depth" yaml:"max_depth" mapstructure:"max_depth"`

	PermissionCacheTTL  time.Duration `json:"permission_cache_ttl" yaml:"permission_cache_ttl" mapstructure:"permission_cache_ttl"`
	PermissionCacheSize int           `json:"permission_cache_size" yaml:"permission_cache_size" mapstructure:"permission_cache_size"`

	Archive ArchiveConfig `json:"archive" yaml:"archive" mapstructure:"archive"`
	Log     LogConfig     `json:"log" yaml:"log" mapstructure:"log"`
}

// ArchiveConfig selects where delete archives go.
type ArchiveConfig struct {
	Driver   string `json:"driver" yaml:"driver" mapstructure:"driver"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty" mapstructure:"bucket"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	// PathStyle enables path-style S3 addressing (MinIO).
	PathStyle bool `json:"path_style,omitempty" yaml:"path_style,omitempty" mapstructure:"path_style"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// Supported backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Save strategies.
const (
	SaveDiff = "diff"
	SaveFull = "full"
)

// Archive drivers.
const (
	ArchiveTable = "table"
	ArchiveJSONL = "jsonl"
	ArchiveS3    = "s3"
)

// Defaults applied by WithDefaults.
const (
	DefaultMaxDepth            = 3
	DefaultPermissionCacheTTL  = time.Minute
	DefaultPermissionCacheSize = 4096
)

// Config validation errors.
var (
	ErrBackendEmpty         = errors.New("backend must not be empty")
	ErrBackendUnknown       = errors.New("unknown backend")
	ErrDSNEmpty             = errors.New("postgres backend needs a dsn")
	ErrSaveStrategyUnknown  = errors.New("unknown save strategy")
	ErrArchiveDriverUnknown = errors.New("unknown archive driver")
	ErrArchiveBucketEmpty   = errors.New("s3 archive needs a bucket")
	ErrMaxDepthInvalid      = errors.New("max depth must not be negative")
)

var knownBackends = map[string]bool{
	BackendSQLite:   true,
	BackendPostgres: true,
	BackendMemory:   true,
}

// WithDefaults returns a copy of c with empty settings filled in.
func (c Config) WithDefaults() Config {
	if c.SaveStrategy == "" {
		c.SaveStrategy = SaveDiff
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.PermissionCacheTTL == 0 {
		c.PermissionCacheTTL = DefaultPermissionCacheTTL
	}
	if c.PermissionCacheSize == 0 {
		c.PermissionCacheSize = DefaultPermissionCacheSize
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = ArchiveTable
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel
// error from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Backend == BackendPostgres && c.DSN == "" {
		return ErrDSNEmpty
	}
	switch c.SaveStrategy {
	case "", SaveDiff, SaveFull:
	default:
		return ErrSaveStrategyUnknown
	}
	if c.MaxDepth < 0 {
		return ErrMaxDepthInvalid
	}
	switch c.Archive.Driver {
	case "", ArchiveTable, ArchiveJSONL:
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			return ErrArchiveBucketEmpty
		}
	default:
		return ErrArchiveDriverUnknown
	}
	return nil
}
