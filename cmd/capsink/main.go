// Command capsink runs the ingest server: it accepts producer WebSocket
// connections and aggregates their capture streams into objects in S3, or
// in an in-process store for local runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capsink/ingest"
	"github.com/zsiec/capsink/store"
)

var version = "dev"

type config struct {
	Addr           string `envconfig:"ADDR" default:":8080"`
	Store          string `envconfig:"STORE" default:"s3"` // "s3" or "memory"
	Bucket         string `envconfig:"BUCKET"`
	Region         string `envconfig:"REGION"`
	KeyPrefix      string `envconfig:"KEY_PREFIX" default:"captures/"`
	MinPartSize    int64  `envconfig:"MIN_PART_SIZE"`
	TargetPartSize int64  `envconfig:"TARGET_PART_SIZE"`
	Debug          bool   `envconfig:"DEBUG"`
}

func main() {
	var cfg config
	if err := envconfig.Process("CAPSINK", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	objStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to build object store", "error", err)
		os.Exit(1)
	}

	srv := ingest.NewServer(cfg.Addr, objStore, ingest.Config{
		MinPartSize:    cfg.MinPartSize,
		TargetPartSize: cfg.TargetPartSize,
		KeyPrefix:      cfg.KeyPrefix,
	}, nil)

	slog.Info("capsink starting",
		"version", version,
		"addr", cfg.Addr,
		"store", cfg.Store,
		"bucket", cfg.Bucket,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func buildStore(ctx context.Context, cfg config) (store.ObjectStore, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), nil
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("CAPSINK_BUCKET is required for the s3 store")
		}
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return store.NewS3(s3.NewFromConfig(awsCfg), cfg.Bucket, nil), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
