package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/capsink/capture"
	"github.com/zsiec/capsink/protocol"
	"github.com/zsiec/capsink/transport"
)

// Config tunes one Sender. Zero values fall back to the gate defaults and
// an unsliced frame send.
type Config struct {
	// Key optionally names the destination object; the server allocates
	// one when empty.
	Key string
	// ChunkSize bounds the size of each transmitted piece. 0 sends
	// frames unsliced.
	ChunkSize int
	// HighWater and PollInterval configure the backpressure gate.
	HighWater    int64
	PollInterval time.Duration
}

// Stats is a point-in-time snapshot of producer counters.
type Stats struct {
	FramesSent        int64 `json:"framesSent"`
	PiecesSent        int64 `json:"piecesSent"`
	BytesSent         int64 `json:"bytesSent"`
	BackpressureWaits int64 `json:"backpressureWaits"`
}

// Sender coordinates one capture-to-storage session over a single duplex
// channel. All session state lives here, guarded by one mutex; the control
// read loop (Run) and the capture loop are the only goroutines touching it.
type Sender struct {
	log  *slog.Logger
	conn transport.Conn
	src  capture.Source
	gate Gate
	cfg  Config

	mu         sync.Mutex
	phase      protocol.Phase
	sessionKey string
	location   string
	terminated bool

	readyCh chan struct{}
	doneCh  chan struct{}

	captureCancel context.CancelFunc
	captureDone   chan struct{}

	framesSent atomic.Int64
	piecesSent atomic.Int64
	bytesSent  atomic.Int64
}

// New creates a Sender in the Idle phase. If log is nil, slog.Default()
// is used.
func New(conn transport.Conn, src capture.Source, cfg Config, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	s := &Sender{
		log:     log.With("component", "sender"),
		conn:    conn,
		src:     src,
		cfg:     cfg,
		phase:   protocol.PhaseIdle,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.gate.HighWater = cfg.HighWater
	s.gate.PollInterval = cfg.PollInterval
	return s
}

// Connect requests a new session. Legal only from Idle, Completed, or
// Failed; it moves through Connecting to AwaitingSession and emits the
// start request to the server.
func (s *Sender) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.phase.CanConnect() {
		return fmt.Errorf("connect not legal in phase %s", s.phase)
	}
	s.phase = protocol.PhaseConnecting

	if !s.conn.Open() {
		s.phase = protocol.PhaseFailed
		return transport.ErrUnavailable
	}

	// Fresh session: readiness and termination signals start over.
	s.readyCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.terminated = false
	s.sessionKey = ""
	s.location = ""

	s.phase = protocol.PhaseAwaitingSession
	if err := s.conn.SendControl(protocol.Start{Key: s.cfg.Key}); err != nil {
		s.phase = protocol.PhaseFailed
		s.terminateLocked()
		return fmt.Errorf("send start: %w", err)
	}
	return nil
}

// Run reads control messages until the session reaches a terminal phase
// or ctx is cancelled. It returns nil on Completed and an error on Failed.
func (s *Sender) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		msg, err := s.conn.ReadControl()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.log.Warn("dropping malformed control frame", "error", err)
				continue
			}
			return s.onChannelClosed(err)
		}

		switch m := msg.(type) {
		case protocol.UploadInfo:
			s.onUploadInfo(m)
		case protocol.PartAck:
			s.log.Info("part committed", "part", m.PartNumber, "size", m.Size, "etag", m.ETag)
		case protocol.Completed:
			if s.onCompleted(m) {
				return nil
			}
		case protocol.SessionError:
			if ferr := s.onSessionError(m); ferr != nil {
				return ferr
			}
		default:
			s.log.Warn("unexpected control message from server", "message", fmt.Sprintf("%T", m))
		}
	}
}

// onUploadInfo handles the session-ready acknowledgment. A duplicate
// acknowledgment while already Ready is a no-op: readiness side effects
// must not fire twice.
func (s *Sender) onUploadInfo(m protocol.UploadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case protocol.PhaseAwaitingSession:
		s.sessionKey = m.Key
		s.phase = protocol.PhaseReady
		s.log.Info("session ready", "key", m.Key, "upload_id", m.UploadID)
		close(s.readyCh)
	case protocol.PhaseReady:
		s.log.Debug("duplicate session-ready acknowledgment ignored", "key", m.Key)
	default:
		s.log.Warn("uploadInfo in unexpected phase", "phase", s.phase.String())
	}
}

func (s *Sender) onCompleted(m protocol.Completed) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != protocol.PhaseFinalizing {
		s.log.Warn("completed ack outside finalizing ignored", "phase", s.phase.String())
		return false
	}
	s.phase = protocol.PhaseCompleted
	s.location = m.Location
	s.log.Info("session completed", "key", m.Key, "location", m.Location)
	s.terminateLocked()
	return true
}

// onSessionError fails the session unless finalization is already in
// flight: a server error arriving after the finalize request must not
// override a subsequent completion.
func (s *Sender) onSessionError(m protocol.SessionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == protocol.PhaseFinalizing {
		s.log.Warn("server error while finalizing, awaiting completion", "message", m.Message)
		return nil
	}

	s.phase = protocol.PhaseFailed
	s.stopCaptureLocked()
	s.terminateLocked()
	return fmt.Errorf("session error from server: %s", m.Message)
}

func (s *Sender) onChannelClosed(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	streaming := s.phase == protocol.PhaseStreaming
	s.phase = protocol.PhaseFailed
	s.stopCaptureLocked()
	s.terminateLocked()
	if streaming {
		return fmt.Errorf("channel closed while streaming: %w", err)
	}
	return fmt.Errorf("channel closed: %w", err)
}

// WaitReady blocks until the session-ready acknowledgment arrives, the
// session terminates first, or ctx is cancelled.
func (s *Sender) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready, done := s.readyCh, s.doneCh
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-done:
		return errors.New("session ended before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record begins streaming captured frames. Legal only in Ready.
func (s *Sender) Record(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != protocol.PhaseReady {
		return fmt.Errorf("record not legal in phase %s", s.phase)
	}
	s.phase = protocol.PhaseStreaming

	capCtx, cancel := context.WithCancel(ctx)
	s.captureCancel = cancel
	s.captureDone = make(chan struct{})
	go s.captureLoop(capCtx, s.captureDone)
	return nil
}

func (s *Sender) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		frame, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("capture source exhausted")
			} else if ctx.Err() == nil {
				s.log.Error("capture failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		streaming := s.phase == protocol.PhaseStreaming
		s.mu.Unlock()
		if !streaming {
			return
		}

		if err := s.sendFrame(ctx, frame); err != nil {
			if errors.Is(err, transport.ErrUnavailable) {
				// Remaining pieces of this frame are abandoned, not
				// retried. The read loop will fail the session.
				s.log.Error("channel unavailable, frame pieces abandoned", "frame_size", len(frame))
			} else if ctx.Err() == nil {
				s.log.Error("frame send failed", "error", err)
			}
			return
		}
		s.framesSent.Add(1)
	}
}

// sendFrame slices one frame and transmits its pieces, gating each on the
// channel watermark.
func (s *Sender) sendFrame(ctx context.Context, frame []byte) error {
	for piece := range Slice(frame, s.cfg.ChunkSize) {
		if err := s.gate.Wait(ctx, s.conn); err != nil {
			return err
		}
		if err := s.conn.SendBinary(piece); err != nil {
			return err
		}
		s.piecesSent.Add(1)
		s.bytesSent.Add(int64(len(piece)))
	}
	return nil
}

// Stop ends streaming: the local capture is cancelled and drained first,
// then the finalize request goes to the server. Legal only in Streaming.
func (s *Sender) Stop() error {
	s.mu.Lock()
	if s.phase != protocol.PhaseStreaming {
		s.mu.Unlock()
		return fmt.Errorf("stop not legal in phase %s", s.phase)
	}
	s.stopCaptureLocked()
	done := s.captureDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = protocol.PhaseFinalizing
	if err := s.conn.SendControl(protocol.Stop{}); err != nil {
		s.phase = protocol.PhaseFailed
		s.terminateLocked()
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

func (s *Sender) stopCaptureLocked() {
	if s.captureCancel != nil {
		s.captureCancel()
		s.captureCancel = nil
	}
}

func (s *Sender) terminateLocked() {
	if !s.terminated {
		s.terminated = true
		close(s.doneCh)
	}
}

// CaptureDone reports when the capture loop has exited, either because the
// source was exhausted or because streaming stopped. Nil before Record.
func (s *Sender) CaptureDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureDone
}

// Phase returns the current connection phase.
func (s *Sender) Phase() protocol.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SessionKey returns the server-assigned key, once Ready.
func (s *Sender) SessionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey
}

// Location returns where the finalized object landed, once Completed.
func (s *Sender) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// Stats returns a snapshot of producer counters.
func (s *Sender) Stats() Stats {
	return Stats{
		FramesSent:        s.framesSent.Load(),
		PiecesSent:        s.piecesSent.Load(),
		BytesSent:         s.bytesSent.Load(),
		BackpressureWaits: s.gate.Waits(),
	}
}
