package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/blobstore"
	miniostore "github.com/hupe1980/him/blobstore/minio"
	s3store "github.com/hupe1980/him/blobstore/s3"
	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/catalog/badger"
	dynamocatalog "github.com/hupe1980/him/catalog/dynamodb"
	"github.com/hupe1980/him/catalog/sqlite"
	"github.com/hupe1980/him/config"
	"github.com/hupe1980/him/internal/cache"
	"github.com/hupe1980/him/resource"
	"github.com/hupe1980/him/server"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, os.Getenv)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("catalog") {
		cfg.Catalog.Backend, _ = flags.GetString("catalog")
	}
	if flags.Changed("blob") {
		cfg.Blob.Backend, _ = flags.GetString("blob")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	return cfg, cfg.Validate()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tile store HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("listen", "", "listen address")
	cmd.Flags().String("data-dir", "", "directory for the catalog and local payloads")
	cmd.Flags().String("catalog", "", "catalog backend: sqlite, badger, memory or dynamodb")
	cmd.Flags().String("blob", "", "payload backend: local, s3 or minio")
	cmd.Flags().String("log-level", "", "log level")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	rc := resource.NewController(resource.Config{
		MaxSlots:           cfg.Resources.MaxSlots,
		MemoryLimitBytes:   cfg.Resources.CacheMemoryMB << 20,
		IOLimitBytesPerSec: cfg.Resources.IOLimitMBps << 20,
	})

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}

	blobs, err := openBlobs(ctx, cfg, rc)
	if err != nil {
		_ = cat.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewPrometheusCollector(reg)

	store, err := him.New(ctx, cat, blobs,
		him.WithLogger(him.NewLogger(logger.Handler())),
		him.WithMetricsCollector(metrics),
	)
	if err != nil {
		_ = cat.Close()
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	logger.Info("tile store ready",
		"catalog", cfg.Catalog.Backend,
		"blob", cfg.Blob.Backend,
		"compression", cfg.Blob.Compression,
	)

	srv := server.New(store,
		server.WithLogger(logger),
		server.WithMetrics(reg, metrics),
	)
	return srv.ListenAndServe(ctx, cfg.Listen, cfg.ShutdownTimeout)
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (catalog.Catalog, error) {
	switch cfg.Catalog.Backend {
	case config.CatalogMemory:
		return catalog.NewMemoryCatalog(), nil
	case config.CatalogDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		ccfg := cfg.Catalog
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if ccfg.Region != "" {
				o.Region = ccfg.Region
			}
			if ccfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(ccfg.Endpoint)
			}
		})
		return dynamocatalog.New(client, ccfg.Table)
	case config.CatalogBadger:
		bcfg := badger.DefaultConfig(cfg.CatalogPath())
		bcfg.Logger = logger.With("component", "badger")
		return badger.Open(bcfg)
	default:
		path := cfg.CatalogPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return sqlite.Open(ctx, path)
	}
}

func openBlobs(ctx context.Context, cfg *config.Config, rc *resource.Controller) (blobstore.BlobStore, error) {
	var blobs blobstore.BlobStore
	switch cfg.Blob.Backend {
	case config.BlobS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		s3cfg := cfg.Blob.S3
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s3cfg.Region != "" {
				o.Region = s3cfg.Region
			}
			if s3cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s3cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		blobs = s3store.NewStore(client, s3cfg.Bucket, s3cfg.Prefix)
	case config.BlobMinIO:
		mcfg := cfg.Blob.MinIO
		client, err := minio.New(mcfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(mcfg.AccessKey, mcfg.SecretKey, ""),
			Secure: mcfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		store := miniostore.NewStore(client, mcfg.Bucket, mcfg.Prefix)
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		blobs = store
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		opts := []blobstore.LocalOption{blobstore.WithIOController(rc)}
		if cfg.Blob.Mmap {
			opts = append(opts, blobstore.WithMmap())
		}
		blobs = blobstore.NewLocalStore(cfg.DataDir, opts...)
	}

	algo, err := blobstore.ParseCompression(cfg.Blob.Compression)
	if err != nil {
		return nil, err
	}
	if algo != blobstore.CompressionNone {
		blobs = blobstore.NewCompressingStore(blobs, algo)
	}
	if cfg.Blob.CacheMB > 0 {
		blobs = blobstore.NewCachingStore(blobs, cache.NewLRU(cfg.Blob.CacheMB<<20, rc), 0)
	}
	return blobs, nil
}
