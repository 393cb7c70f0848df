package sender

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zsiec/capsink/transport"
)

// Defaults for the backpressure gate: suspend transmission while the
// channel holds more than 4 MiB of unsent bytes, re-polling every 50 ms.
const (
	DefaultHighWater    = 4 << 20
	DefaultPollInterval = 50 * time.Millisecond
)

// Gate throttles transmission against a channel's outstanding-unsent-byte
// watermark. It provides soft flow control only: it bounds local
// buffering, it does not guarantee delivery. The zero value uses the
// defaults.
type Gate struct {
	// HighWater is the unsent-byte count above which sends suspend.
	HighWater int64
	// PollInterval is how long to sleep between watermark re-polls.
	PollInterval time.Duration

	waits atomic.Int64
}

func (g *Gate) highWater() int64 {
	if g.HighWater > 0 {
		return g.HighWater
	}
	return DefaultHighWater
}

func (g *Gate) pollInterval() time.Duration {
	if g.PollInterval > 0 {
		return g.PollInterval
	}
	return DefaultPollInterval
}

// Wait blocks until conn's unsent-byte count is at or below the high-water
// mark. It returns transport.ErrUnavailable as soon as conn reports
// closed, and ctx.Err() on cancellation. There is no overall timeout: the
// wait is bounded only by the watermark condition.
func (g *Gate) Wait(ctx context.Context, conn transport.Conn) error {
	for {
		if !conn.Open() {
			return transport.ErrUnavailable
		}
		if conn.Buffered() <= g.highWater() {
			return nil
		}
		g.waits.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval()):
		}
	}
}

// Waits returns how many poll intervals the gate has spent suspended.
func (g *Gate) Waits() int64 {
	return g.waits.Load()
}
