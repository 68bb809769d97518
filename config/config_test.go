package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, filepath.Join("data", "him.db"), cfg.CatalogPath())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "himd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
data_dir: /var/lib/him
shutdown_timeout: 30s
catalog:
  backend: badger
blob:
  backend: minio
  compression: zstd
  cache_mb: 64
  minio:
    endpoint: localhost:9000
    bucket: tiles
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, CatalogBadger, cfg.Catalog.Backend)
	assert.Equal(t, filepath.Join("/var/lib/him", "catalog"), cfg.CatalogPath())
	assert.Equal(t, BlobMinIO, cfg.Blob.Backend)
	assert.Equal(t, int64(64), cfg.Blob.CacheMB)
	assert.Equal(t, "him/", cfg.Blob.MinIO.Prefix, "defaults survive partial sections")
	assert.Equal(t, int64(4), cfg.Resources.MaxSlots)

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"HIM_LISTEN":           ":7000",
		"HIM_BLOB_BACKEND":     "s3",
		"HIM_S3_BUCKET":        "bucket",
		"HIM_MAX_SLOTS":        "16",
		"HIM_MINIO_USE_SSL":    "true",
		"HIM_SHUTDOWN_TIMEOUT": "2s",
		"HIM_CATALOG_PATH":     "/tmp/cat.db",
		"HIM_BLOB_MMAP":        "1",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, BlobS3, cfg.Blob.Backend)
	assert.Equal(t, "bucket", cfg.Blob.S3.Bucket)
	assert.Equal(t, int64(16), cfg.Resources.MaxSlots)
	assert.True(t, cfg.Blob.MinIO.UseSSL)
	assert.True(t, cfg.Blob.Mmap)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/tmp/cat.db", cfg.CatalogPath())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("listen: [1, 2"), 0o600))
	_, err = Load(bad, env(nil))
	require.Error(t, err)

	_, err = Load("", env(map[string]string{"HIM_MAX_SLOTS": "many"}))
	require.ErrorContains(t, err, "HIM_MAX_SLOTS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"catalog", func(c *Config) { c.Catalog.Backend = "postgres" }, "unknown catalog backend"},
		{"blob", func(c *Config) { c.Blob.Backend = "gcs" }, "unknown blob backend"},
		{"dynamodb table", func(c *Config) { c.Catalog.Backend = CatalogDynamo }, "catalog.table"},
		{"s3 bucket", func(c *Config) { c.Blob.Backend = BlobS3 }, "blob.s3.bucket"},
		{"minio", func(c *Config) { c.Blob.Backend = BlobMinIO }, "blob.minio.endpoint"},
		{"compression", func(c *Config) { c.Blob.Compression = "brotli" }, "unknown compression"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
		{"listen", func(c *Config) { c.Listen = "" }, "listen is required"},
		{"timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"limits", func(c *Config) { c.Resources.IOLimitMBps = -1 }, "resource limits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.Catalog.Backend = CatalogMemory
	cfg.DataDir = ""
	cfg.Blob.Backend = BlobS3
	cfg.Blob.S3.Bucket = "b"
	assert.NoError(t, cfg.Validate())
}
