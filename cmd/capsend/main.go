// Command capsend streams a synthetic capture to a capsink server: it
// connects, waits for the session-ready acknowledgment, streams a bounded
// number of frames through the backpressure gate, then stops and waits for
// the completion acknowledgment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capsink/capture"
	"github.com/zsiec/capsink/sender"
	"github.com/zsiec/capsink/transport"
)

type config struct {
	URL           string        `envconfig:"URL" default:"ws://localhost:8080/ws"`
	Key           string        `envconfig:"KEY"`
	FrameSize     int           `envconfig:"FRAME_SIZE" default:"2097152"`
	FrameInterval time.Duration `envconfig:"FRAME_INTERVAL" default:"1s"`
	Frames        int           `envconfig:"FRAMES" default:"10"`
	ChunkSize     int           `envconfig:"CHUNK_SIZE" default:"65536"`
	HighWater     int64         `envconfig:"HIGH_WATER"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL"`
	Debug         bool          `envconfig:"DEBUG"`
}

func main() {
	var cfg config
	if err := envconfig.Process("CAPSEND", &cfg); err != nil {
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
		slog.Info("received signal, stopping", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("capsend failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	conn, err := transport.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	src := capture.NewSynthetic(cfg.FrameSize, cfg.FrameInterval, cfg.Frames)
	s := sender.New(conn, src, sender.Config{
		Key:          cfg.Key,
		ChunkSize:    cfg.ChunkSize,
		HighWater:    cfg.HighWater,
		PollInterval: cfg.PollInterval,
	}, nil)

	slog.Info("capsend starting",
		"url", cfg.URL,
		"frames", cfg.Frames,
		"frame_size", cfg.FrameSize,
		"interval", cfg.FrameInterval,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(ctx)
	})
	g.Go(func() error {
		if err := s.Connect(); err != nil {
			return err
		}
		if err := s.WaitReady(ctx); err != nil {
			return err
		}
		if err := s.Record(ctx); err != nil {
			return err
		}

		// Stream until the source runs dry or we are told to stop.
		select {
		case <-s.CaptureDone():
		case <-ctx.Done():
		}
		return s.Stop()
	})

	err = g.Wait()
	stats := s.Stats()
	slog.Info("capsend finished",
		"frames_sent", stats.FramesSent,
		"pieces_sent", stats.PiecesSent,
		"bytes_sent", stats.BytesSent,
		"backpressure_waits", stats.BackpressureWaits,
		"location", s.Location(),
	)
	return err
}
