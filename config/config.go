// Package config loads the himd daemon configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/him/blobstore"
)

// Catalog backends.
const (
	CatalogSQLite = "sqlite"
	CatalogBadger = "badger"
	CatalogMemory = "memory"
	CatalogDynamo = "dynamodb"
)

// Blob backends.
const (
	BlobLocal = "local"
	BlobS3    = "s3"
	BlobMinIO = "minio"
)

// Config holds the full himd configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Catalog         CatalogConfig `yaml:"catalog"`
	Blob            BlobConfig    `yaml:"blob"`
	Resources       Resources     `yaml:"resources"`
	Log             LogConfig     `yaml:"log"`
}

// CatalogConfig selects the metadata index backend.
type CatalogConfig struct {
	Backend string `yaml:"backend"` // sqlite | badger | memory | dynamodb

	// Path defaults to data_dir/him.db (sqlite) or data_dir/catalog (badger).
	Path string `yaml:"path"`

	// DynamoDB settings. Credentials come from the default AWS chain.
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// BlobConfig selects the payload backend.
type BlobConfig struct {
	Backend     string      `yaml:"backend"` // local | s3 | minio
	Compression string      `yaml:"compression"`
	CacheMB     int64       `yaml:"cache_mb"`
	Mmap        bool        `yaml:"mmap"`
	S3          S3Config    `yaml:"s3"`
	MinIO       MinIOConfig `yaml:"minio"`
}

// S3Config configures the S3 backend. Credentials come from the default AWS
// chain.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// MinIOConfig configures the MinIO backend.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Resources bounds shared resources.
type Resources struct {
	MaxSlots      int64 `yaml:"max_slots"`
	IOLimitMBps   int64 `yaml:"io_limit_mbps"`
	CacheMemoryMB int64 `yaml:"cache_memory_mb"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns the defaults used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8080",
		DataDir:         "data",
		ShutdownTimeout: 10 * time.Second,
		Catalog:         CatalogConfig{Backend: CatalogSQLite},
		Blob: BlobConfig{
			Backend:     BlobLocal,
			Compression: "none",
			S3:          S3Config{Prefix: "him/"},
			MinIO:       MinIOConfig{Prefix: "him/"},
		},
		Resources: Resources{MaxSlots: 4},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, applies HIM_*
// environment overrides looked up with getenv, and validates the result.
// A nil getenv uses os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"HIM_LISTEN":           &c.Listen,
		"HIM_DATA_DIR":         &c.DataDir,
		"HIM_CATALOG_BACKEND":  &c.Catalog.Backend,
		"HIM_CATALOG_PATH":     &c.Catalog.Path,
		"HIM_CATALOG_TABLE":    &c.Catalog.Table,
		"HIM_CATALOG_REGION":   &c.Catalog.Region,
		"HIM_CATALOG_ENDPOINT": &c.Catalog.Endpoint,
		"HIM_BLOB_BACKEND":     &c.Blob.Backend,
		"HIM_BLOB_COMPRESSION": &c.Blob.Compression,
		"HIM_S3_BUCKET":        &c.Blob.S3.Bucket,
		"HIM_S3_PREFIX":        &c.Blob.S3.Prefix,
		"HIM_S3_REGION":        &c.Blob.S3.Region,
		"HIM_S3_ENDPOINT":      &c.Blob.S3.Endpoint,
		"HIM_MINIO_ENDPOINT":   &c.Blob.MinIO.Endpoint,
		"HIM_MINIO_BUCKET":     &c.Blob.MinIO.Bucket,
		"HIM_MINIO_PREFIX":     &c.Blob.MinIO.Prefix,
		"HIM_MINIO_ACCESS_KEY": &c.Blob.MinIO.AccessKey,
		"HIM_MINIO_SECRET_KEY": &c.Blob.MinIO.SecretKey,
		"HIM_LOG_LEVEL":        &c.Log.Level,
		"HIM_LOG_FORMAT":       &c.Log.Format,
	}
	for name, dst := range strs {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int64{
		"HIM_BLOB_CACHE_MB":   &c.Blob.CacheMB,
		"HIM_MAX_SLOTS":       &c.Resources.MaxSlots,
		"HIM_IO_LIMIT_MBPS":   &c.Resources.IOLimitMBps,
		"HIM_CACHE_MEMORY_MB": &c.Resources.CacheMemoryMB,
	}
	for name, dst := range ints {
		v := getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"HIM_BLOB_MMAP":     &c.Blob.Mmap,
		"HIM_MINIO_USE_SSL": &c.Blob.MinIO.UseSSL,
	}
	for name, dst := range bools {
		v := getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	if v := getenv("HIM_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HIM_SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be > 0"))
	}

	switch c.Catalog.Backend {
	case CatalogSQLite, CatalogBadger:
		if c.DataDir == "" && c.Catalog.Path == "" {
			errs = append(errs, fmt.Errorf("catalog %s needs data_dir or catalog.path", c.Catalog.Backend))
		}
	case CatalogDynamo:
		if c.Catalog.Table == "" {
			errs = append(errs, errors.New("catalog.table is required for dynamodb"))
		}
	case CatalogMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend))
	}

	switch c.Blob.Backend {
	case BlobLocal:
		if c.DataDir == "" {
			errs = append(errs, errors.New("blob backend local needs data_dir"))
		}
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required"))
		}
	case BlobMinIO:
		if c.Blob.MinIO.Endpoint == "" || c.Blob.MinIO.Bucket == "" {
			errs = append(errs, errors.New("blob.minio.endpoint and blob.minio.bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}

	if _, err := blobstore.ParseCompression(c.Blob.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.Blob.CacheMB < 0 {
		errs = append(errs, errors.New("blob.cache_mb must be >= 0"))
	}
	if c.Resources.IOLimitMBps < 0 || c.Resources.CacheMemoryMB < 0 {
		errs = append(errs, errors.New("resource limits must be >= 0"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return lvl, nil
}

// CatalogPath returns the catalog location for the configured backend.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path != "" {
		return c.Catalog.Path
	}
	if c.Catalog.Backend == CatalogBadger {
		return filepath.Join(c.DataDir, "catalog")
	}
	return filepath.Join(c.DataDir, "him.db")
}
