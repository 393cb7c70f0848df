package sender

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/capsink/capture"
	"github.com/zsiec/capsink/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSenderLifecycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := newFakeConn()
	src := capture.NewSynthetic(10, 0, 2)
	s := New(conn, src, Config{ChunkSize: 4}, testLogger())

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.Phase(); got != protocol.PhaseAwaitingSession {
		t.Fatalf("phase after connect: got %s, want awaiting-session", got)
	}

	conn.inbox <- protocol.UploadInfo{Key: "captures/x"}
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if got := s.SessionKey(); got != "captures/x" {
		t.Errorf("session key: got %q, want %q", got, "captures/x")
	}

	if err := s.Record(ctx); err != nil {
		t.Fatalf("Record: %v", err)
	}
	<-s.CaptureDone()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Phase(); got != protocol.PhaseFinalizing {
		t.Fatalf("phase after stop: got %s, want finalizing", got)
	}

	conn.inbox <- protocol.Completed{Location: "mem://captures/x", Key: "captures/x"}
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.Phase(); got != protocol.PhaseCompleted {
		t.Errorf("final phase: got %s, want completed", got)
	}
	if got := s.Location(); got != "mem://captures/x" {
		t.Errorf("location: got %q, want %q", got, "mem://captures/x")
	}

	stats := s.Stats()
	if stats.FramesSent != 2 {
		t.Errorf("frames sent: got %d, want 2", stats.FramesSent)
	}
	if stats.PiecesSent != 6 {
		t.Errorf("pieces sent: got %d, want 6", stats.PiecesSent)
	}
	if stats.BytesSent != 20 {
		t.Errorf("bytes sent: got %d, want 20", stats.BytesSent)
	}

	// Transmitted pieces must reassemble into the captured frames.
	want := make([]byte, 0, 20)
	ref := capture.NewSynthetic(10, 0, 2)
	for {
		frame, err := ref.Next(context.Background())
		if err == io.EOF {
			break
		}
		want = append(want, frame...)
	}
	var got []byte
	for _, piece := range conn.sentBinary() {
		got = append(got, piece...)
	}
	if !bytes.Equal(got, want) {
		t.Error("transmitted bytes do not equal captured frames")
	}

	control := conn.sentControl()
	if len(control) != 2 {
		t.Fatalf("control messages: got %d, want 2 (start, stop)", len(control))
	}
	if _, ok := control[0].(protocol.Start); !ok {
		t.Errorf("first control message: got %T, want Start", control[0])
	}
	if _, ok := control[1].(protocol.Stop); !ok {
		t.Errorf("second control message: got %T, want Stop", control[1])
	}
}

func TestSenderDuplicateReadyIsNoOp(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := newFakeConn()
	s := New(conn, capture.NewSynthetic(10, 0, 1), Config{}, testLogger())

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.inbox <- protocol.UploadInfo{Key: "captures/x"}
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	// A second acknowledgment while Ready must not re-trigger readiness
	// side effects or change the session key.
	conn.inbox <- protocol.UploadInfo{Key: "captures/other"}
	conn.inbox <- protocol.SessionError{Message: "bye"}

	if err := <-runErr; err == nil {
		t.Fatal("Run: expected error after session error")
	}
	if got := s.SessionKey(); got != "captures/x" {
		t.Errorf("session key changed by duplicate ready: got %q", got)
	}
	if got := s.Phase(); got != protocol.PhaseFailed {
		t.Errorf("final phase: got %s, want failed", got)
	}
}

func TestSenderErrorDuringFinalizeDoesNotDowngrade(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := newFakeConn()
	s := New(conn, capture.NewSynthetic(10, 0, 1), Config{}, testLogger())

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.inbox <- protocol.UploadInfo{Key: "captures/x"}
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := s.Record(ctx); err != nil {
		t.Fatalf("Record: %v", err)
	}
	<-s.CaptureDone()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A transient server error after the finalize request must not
	// override the completion that follows.
	conn.inbox <- protocol.SessionError{Message: "transient"}
	select {
	case err := <-runErr:
		t.Fatalf("Run returned during finalize: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	conn.inbox <- protocol.Completed{Location: "mem://captures/x", Key: "captures/x"}
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.Phase(); got != protocol.PhaseCompleted {
		t.Errorf("final phase: got %s, want completed", got)
	}
}

func TestSenderAbruptCloseWhileStreaming(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := newFakeConn()
	// Unbounded source: streaming only ends when the channel dies.
	s := New(conn, capture.NewSynthetic(10, time.Millisecond, 0), Config{}, testLogger())

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.inbox <- protocol.UploadInfo{Key: "captures/x"}
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := s.Record(ctx); err != nil {
		t.Fatalf("Record: %v", err)
	}

	conn.Close()

	err := <-runErr
	if err == nil {
		t.Fatal("Run: expected error after abrupt close")
	}
	if !strings.Contains(err.Error(), "streaming") {
		t.Errorf("error should mention streaming: %v", err)
	}
	if got := s.Phase(); got != protocol.PhaseFailed {
		t.Errorf("final phase: got %s, want failed", got)
	}

	// Local capture must stop immediately on abrupt failure.
	select {
	case <-s.CaptureDone():
	case <-time.After(time.Second):
		t.Error("capture loop still running after abrupt close")
	}
}

func TestSenderIllegalTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := newFakeConn()
	s := New(conn, capture.NewSynthetic(10, 0, 1), Config{}, testLogger())

	if err := s.Record(ctx); err == nil {
		t.Error("Record in Idle should fail")
	}
	if err := s.Stop(); err == nil {
		t.Error("Stop in Idle should fail")
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(); err == nil {
		t.Error("Connect while AwaitingSession should fail")
	}
	if err := s.Record(ctx); err == nil {
		t.Error("Record before Ready should fail")
	}
}
