package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/zsiec/capsink/protocol"
	"github.com/zsiec/capsink/store"
)

const ackWriteTimeout = 10 * time.Second

// Server accepts producer connections on /ws and serves the debug API.
type Server struct {
	log      *slog.Logger
	addr     string
	store    store.ObjectStore
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader
}

// NewServer creates a Server listening on addr once started. If log is
// nil, slog.Default() is used.
func NewServer(addr string, st store.ObjectStore, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "ingest-server"),
		addr:     addr,
		store:    st,
		cfg:      cfg,
		registry: NewRegistry(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// Producers are trusted processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: the producer WebSocket endpoint plus
// the session debug API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.registry.List())
	})
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ingest server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingest server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Registry exposes the active-session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	log := s.log.With("remote", r.RemoteAddr)
	log.Info("producer connected")

	acks := &wsAckWriter{conn: conn}
	agg := NewAggregator(s.store, acks, s.registry, s.cfg, log)
	agg.SetRemoteAddr(r.RemoteAddr)

	s.readLoop(r.Context(), conn, agg, acks, log)

	// The channel is gone: release the session, aborting any unfinalized
	// multipart upload.
	agg.OnDisconnect()
	log.Info("producer disconnected")
}

// readLoop is the single logical sequence of control for this connection:
// every session mutation is dispatched from here in arrival order.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, agg *Aggregator, acks *wsAckWriter, log *slog.Logger) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("connection closed abruptly", "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if err := agg.OnFrame(ctx, data); err != nil {
				s.ackError(acks, log, err)
			}
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				// The session, if any, is untouched by malformed frames.
				log.Warn("malformed control frame", "error", err)
				s.ackError(acks, log, err)
				continue
			}
			switch m := msg.(type) {
			case protocol.Start:
				if err := agg.OnStart(m.Key); err != nil {
					s.ackError(acks, log, err)
				}
			case protocol.Stop:
				if err := agg.OnFinalize(ctx); err != nil {
					s.ackError(acks, log, err)
				}
			default:
				log.Warn("unexpected control message from producer", "type", fmt.Sprintf("%T", m))
			}
		}
	}
}

func (s *Server) ackError(acks *wsAckWriter, log *slog.Logger, err error) {
	if ackErr := acks.WriteAck(protocol.SessionError{Message: err.Error()}); ackErr != nil {
		log.Warn("error ack not delivered", "error", ackErr)
	}
}

// wsAckWriter serializes acknowledgment writes; gorilla connections permit
// only one concurrent writer, and part acks arrive from the commit
// goroutine while the read loop writes others.
type wsAckWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsAckWriter) WriteAck(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(ackWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
