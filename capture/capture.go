// Package capture defines the device-capture collaborator contract: a
// source that emits periodic binary frames of recorded media. The Synthetic
// source generates frames without hardware, for the producer binary and
// tests.
package capture

import (
	"context"
	"io"
	"math/rand/v2"
	"time"
)

// Source emits the frames of one recording in order.
type Source interface {
	// Next blocks until the next frame is captured, the source is
	// exhausted (io.EOF), or ctx is cancelled.
	Next(ctx context.Context) ([]byte, error)
}

// Synthetic emits frames of a fixed size on a fixed interval, filled with
// deterministic pseudo-random bytes so end-to-end tests can verify the
// stored object byte for byte.
type Synthetic struct {
	frameSize int
	interval  time.Duration
	limit     int
	emitted   int
	rng       *rand.ChaCha8
}

// NewSynthetic creates a source emitting limit frames of frameSize bytes,
// one per interval. A limit of 0 means unbounded.
func NewSynthetic(frameSize int, interval time.Duration, limit int) *Synthetic {
	var seed [32]byte
	return &Synthetic{
		frameSize: frameSize,
		interval:  interval,
		limit:     limit,
		rng:       rand.NewChaCha8(seed),
	}
}

func (s *Synthetic) Next(ctx context.Context) ([]byte, error) {
	if s.limit > 0 && s.emitted >= s.limit {
		return nil, io.EOF
	}
	if s.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := make([]byte, s.frameSize)
	s.rng.Read(frame)
	s.emitted++
	return frame, nil
}
