package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/capsink/protocol"
)

// Queue depth of the write pump. The backpressure gate bounds outstanding
// bytes long before this many frames can accumulate.
const sendQueueDepth = 256

const writeTimeout = 10 * time.Second

type outFrame struct {
	kind int
	data []byte
}

// WS is a websocket-backed Conn. Writes go through a single pump goroutine
// (gorilla connections permit only one concurrent writer); the pump
// decrements the buffered-byte counter as frames reach the wire.
type WS struct {
	log  *slog.Logger
	conn *websocket.Conn

	out      chan outFrame
	buffered atomic.Int64
	closed   atomic.Bool
	done     chan struct{}
	once     sync.Once
}

// Dial connects to a capsink ingest endpoint (ws:// or wss:// URL) and
// starts the write pump. If log is nil, slog.Default() is used.
func Dial(ctx context.Context, url string, log *slog.Logger) (*WS, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	w := &WS{
		log:  log.With("component", "transport"),
		conn: conn,
		out:  make(chan outFrame, sendQueueDepth),
		done: make(chan struct{}),
	}
	go w.writePump()
	return w, nil
}

func (w *WS) writePump() {
	for {
		select {
		case f := <-w.out:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := w.conn.WriteMessage(f.kind, f.data)
			w.buffered.Add(-int64(len(f.data)))
			if err != nil {
				w.log.Warn("write failed, marking channel closed", "error", err)
				w.shutdown()
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *WS) shutdown() {
	w.closed.Store(true)
	w.once.Do(func() { close(w.done) })
}

func (w *WS) send(kind int, data []byte) error {
	if !w.Open() {
		return ErrUnavailable
	}
	w.buffered.Add(int64(len(data)))
	select {
	case w.out <- outFrame{kind: kind, data: data}:
		return nil
	case <-w.done:
		w.buffered.Add(-int64(len(data)))
		return ErrUnavailable
	}
}

func (w *WS) SendControl(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return w.send(websocket.TextMessage, data)
}

func (w *WS) SendBinary(p []byte) error {
	return w.send(websocket.BinaryMessage, p)
}

func (w *WS) ReadControl() (protocol.Message, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			w.shutdown()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if kind != websocket.TextMessage {
			// The server never sends binary frames; ignore strays.
			w.log.Warn("ignoring non-text frame from server", "kind", kind)
			continue
		}
		return protocol.Decode(data)
	}
}

func (w *WS) Buffered() int64 {
	return w.buffered.Load()
}

func (w *WS) Open() bool {
	return !w.closed.Load()
}

// Close tears the channel down. Frames still queued in the pump are
// abandoned.
func (w *WS) Close() error {
	w.shutdown()
	return w.conn.Close()
}
