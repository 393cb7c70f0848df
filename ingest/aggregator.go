// Package ingest implements the consumer side of the streaming-upload
// coordinator: the WebSocket endpoint producers connect to, the
// per-connection upload aggregator that turns incoming binary frames into
// storage-sized parts, and the registry of active sessions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/capsink/protocol"
	"github.com/zsiec/capsink/store"
)

// Session-level rejections surfaced to the producer as error acks.
var (
	ErrSessionConflict = errors.New("session already active on this connection")
	ErrNoActiveSession = errors.New("no active session")
)

// DefaultTargetPartSize is the buffered-byte count at which a multipart
// session commits its next part. Strictly above store.MinPartSize so every
// committed part except the last satisfies the backend minimum.
const DefaultTargetPartSize = 6 << 20

// How long the best-effort abort after a disconnect may take. There is no
// channel left to surface its outcome on either way.
const abortTimeout = 30 * time.Second

// Config tunes one aggregator. Zero values use the defaults.
type Config struct {
	// MinPartSize is the buffered-byte count at which an undecided
	// session enters multipart mode. Defaults to store.MinPartSize.
	MinPartSize int64
	// TargetPartSize is the buffered-byte count at which a multipart
	// session commits a part. Defaults to DefaultTargetPartSize.
	TargetPartSize int64
	// KeyPrefix prefixes allocated object keys, e.g. "captures/".
	KeyPrefix string
}

func (c Config) minPartSize() int64 {
	if c.MinPartSize > 0 {
		return c.MinPartSize
	}
	return store.MinPartSize
}

func (c Config) targetPartSize() int64 {
	if c.TargetPartSize > 0 {
		return c.TargetPartSize
	}
	return DefaultTargetPartSize
}

// AckWriter delivers consumer→producer acknowledgments. Implementations
// must be safe for concurrent use: part acks are written from the commit
// goroutine while the connection's read loop may write others.
type AckWriter interface {
	WriteAck(m protocol.Message) error
}

// Mode is how a session will reach the object store.
type Mode int

// A session starts Undecided; it flips to Multipart once buffered bytes
// reach the backend's minimum part size, or to SinglePut at finalize when
// they never did. The Undecided→Multipart transition is one-way.
const (
	ModeUndecided Mode = iota
	ModeSinglePut
	ModeMultipart
)

func (m Mode) String() string {
	switch m {
	case ModeUndecided:
		return "undecided"
	case ModeSinglePut:
		return "single-put"
	case ModeMultipart:
		return "multipart"
	default:
		return "unknown"
	}
}

// session is the full state of one end-to-end upload. It is created on a
// start request and discarded as one unit on completion or disconnect,
// never piecemeal.
type session struct {
	key      string
	uploadID string
	mode     Mode
	parts    []store.Part

	// Aggregation buffer: frame payloads in arrival order plus their
	// total length. Appends happen on frame arrival, drains on commit.
	pending     [][]byte
	pendingSize int64

	nextPart int32

	// At most one commit may be in flight per session. commitBusy is the
	// explicit guard; commitDone is closed when the in-flight commit
	// finishes, successfully or not.
	commitBusy bool
	commitDone chan struct{}

	// failed marks a session abandoned after a store failure. Frames are
	// still drained from the channel but no longer buffered.
	failed bool

	bytesReceived int64
	frames        int64
	connectedAt   time.Time
}

// Aggregator coordinates one connection's upload session: it buffers
// incoming frames, decides part boundaries, and drives the store's
// multipart lifecycle. OnStart/OnFrame/OnFinalize/OnDisconnect are called
// from the connection's single read loop; the commit goroutine is the only
// other mutator, and everything shared is guarded by mu.
type Aggregator struct {
	log      *slog.Logger
	store    store.ObjectStore
	acks     AckWriter
	registry *Registry
	cfg      Config
	remote   string

	mu   sync.Mutex
	sess *session
}

// NewAggregator creates an aggregator for one connection. registry may be
// nil; if log is nil, slog.Default() is used.
func NewAggregator(st store.ObjectStore, acks AckWriter, registry *Registry, cfg Config, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		log:      log.With("component", "aggregator"),
		store:    st,
		acks:     acks,
		registry: registry,
		cfg:      cfg,
	}
}

// SetRemoteAddr records the producer's address for diagnostics.
func (a *Aggregator) SetRemoteAddr(addr string) {
	a.remote = addr
}

// OnStart opens a new session and replies with the session-ready
// acknowledgment. A start while a session is already active is rejected,
// not queued. Multipart initialization with the store is deferred until
// enough bytes arrive, so short sessions never open a multipart upload.
func (a *Aggregator) OnStart(requestedKey string) error {
	a.mu.Lock()
	if a.sess != nil {
		a.mu.Unlock()
		return ErrSessionConflict
	}

	key := requestedKey
	if key == "" {
		key = a.cfg.KeyPrefix + uuid.NewString()
	}
	sess := &session{
		key:         key,
		mode:        ModeUndecided,
		nextPart:    1,
		connectedAt: time.Now(),
	}
	a.sess = sess
	a.mu.Unlock()

	if a.registry != nil {
		if !a.registry.add(key, a) {
			a.mu.Lock()
			a.sess = nil
			a.mu.Unlock()
			return fmt.Errorf("session key %q already in use", key)
		}
	}

	a.log.Info("session started", "key", key)
	return a.acks.WriteAck(protocol.UploadInfo{Key: key})
}

// OnFrame appends one binary frame to the aggregation buffer and advances
// the part lifecycle: entering multipart mode at the minimum-part-size
// threshold, committing a part at the target threshold. A zero-length
// frame is accepted and contributes nothing.
func (a *Aggregator) OnFrame(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	sess := a.sess
	if sess == nil {
		a.mu.Unlock()
		return ErrNoActiveSession
	}
	if sess.failed {
		a.mu.Unlock()
		a.log.Debug("dropping frame for abandoned session", "key", sess.key, "size", len(frame))
		return nil
	}

	sess.bytesReceived += int64(len(frame))
	sess.frames++
	if len(frame) > 0 {
		sess.pending = append(sess.pending, frame)
		sess.pendingSize += int64(len(frame))
	}

	if sess.mode == ModeUndecided && sess.pendingSize >= a.cfg.minPartSize() {
		// One-way transition, guarded: exactly one multipart begin per
		// session.
		sess.mode = ModeMultipart
		key := sess.key
		a.mu.Unlock()

		uploadID, err := a.store.CreateMultipart(ctx, key)
		if err != nil {
			a.failSession(sess, fmt.Errorf("begin multipart upload: %w", err))
			return nil
		}

		a.mu.Lock()
		sess.uploadID = uploadID
		a.log.Info("entered multipart mode", "key", key, "upload_id", uploadID)
	}

	if sess.mode == ModeMultipart && sess.uploadID != "" &&
		sess.pendingSize >= a.cfg.targetPartSize() && !sess.commitBusy {
		a.startCommitLocked(ctx, sess)
	}
	a.mu.Unlock()
	return nil
}

// startCommitLocked drains the buffer into a local snapshot and commits it
// as the next part on a separate goroutine. Frames arriving while the
// commit is outstanding accumulate in the fresh buffer; the guard ensures
// no second commit starts until this one finishes.
func (a *Aggregator) startCommitLocked(ctx context.Context, sess *session) {
	snapshot := drainLocked(sess)
	number := sess.nextPart
	sess.nextPart++
	sess.commitBusy = true
	sess.commitDone = make(chan struct{})

	// The commit outlives connection cancellation: in-flight store calls
	// are allowed to complete.
	go a.commit(context.WithoutCancel(ctx), sess, number, snapshot)
}

func (a *Aggregator) commit(ctx context.Context, sess *session, number int32, data []byte) {
	etag, err := a.store.UploadPart(ctx, sess.key, sess.uploadID, number, data)

	if err != nil {
		a.log.Error("part commit failed", "key", sess.key, "part", number, "error", err)
		a.writeErrorAck(fmt.Errorf("commit part %d: %w", number, err))
		a.mu.Lock()
		sess.failed = true
		sess.commitBusy = false
		done := sess.commitDone
		a.mu.Unlock()
		close(done)
		return
	}

	part := store.Part{Number: number, Size: int64(len(data)), ETag: etag}
	a.log.Info("part committed", "key", sess.key, "part", number, "size", part.Size)
	// Ack before releasing the commit guard so a waiting finalize cannot
	// emit its completion ahead of this part's ack.
	if ackErr := a.acks.WriteAck(protocol.PartAck{PartNumber: number, Size: part.Size, ETag: etag}); ackErr != nil {
		a.log.Warn("part ack not delivered", "key", sess.key, "part", number, "error", ackErr)
	}

	a.mu.Lock()
	sess.parts = append(sess.parts, part)
	sess.commitBusy = false
	done := sess.commitDone
	a.mu.Unlock()
	close(done)
}

// OnFinalize closes out the session: a single put when the volume never
// reached the multipart threshold, otherwise a forced final commit of any
// remainder followed by complete-multipart-upload. On success it emits the
// completion acknowledgment and resets; on failure it emits an error
// acknowledgment and leaves the session abandoned.
func (a *Aggregator) OnFinalize(ctx context.Context) error {
	a.mu.Lock()
	sess := a.sess
	if sess == nil {
		a.mu.Unlock()
		return ErrNoActiveSession
	}
	a.waitCommitLocked(sess)

	if sess.failed {
		a.mu.Unlock()
		a.writeErrorAck(errors.New("session already failed"))
		return nil
	}

	switch sess.mode {
	case ModeUndecided:
		sess.mode = ModeSinglePut
		data := drainLocked(sess)
		key := sess.key
		a.mu.Unlock()

		location, err := a.store.PutObject(ctx, key, data)
		if err != nil {
			a.failSession(sess, fmt.Errorf("put object: %w", err))
			return nil
		}
		a.finish(sess, location)
		return nil

	case ModeMultipart:
		if sess.pendingSize > 0 {
			// The final part may be smaller than the backend minimum.
			data := drainLocked(sess)
			number := sess.nextPart
			sess.nextPart++
			key, uploadID := sess.key, sess.uploadID
			a.mu.Unlock()

			etag, err := a.store.UploadPart(ctx, key, uploadID, number, data)
			if err != nil {
				a.failSession(sess, fmt.Errorf("commit final part %d: %w", number, err))
				return nil
			}
			part := store.Part{Number: number, Size: int64(len(data)), ETag: etag}
			if ackErr := a.acks.WriteAck(protocol.PartAck{PartNumber: number, Size: part.Size, ETag: etag}); ackErr != nil {
				a.log.Warn("part ack not delivered", "key", key, "part", number, "error", ackErr)
			}

			a.mu.Lock()
			sess.parts = append(sess.parts, part)
		}

		// Parts are appended in commit order, but completion must not
		// assume callers never reorder.
		sort.Slice(sess.parts, func(i, j int) bool {
			return sess.parts[i].Number < sess.parts[j].Number
		})
		parts := make([]store.Part, len(sess.parts))
		copy(parts, sess.parts)
		key, uploadID := sess.key, sess.uploadID
		a.mu.Unlock()

		location, err := a.store.CompleteMultipart(ctx, key, uploadID, parts)
		if err != nil {
			a.failSession(sess, fmt.Errorf("complete multipart upload: %w", err))
			return nil
		}
		a.finish(sess, location)
		return nil

	default:
		a.mu.Unlock()
		a.writeErrorAck(fmt.Errorf("finalize in unexpected mode %s", sess.mode))
		return nil
	}
}

// OnDisconnect releases the session after the channel is gone. An
// unfinalized multipart upload is aborted best-effort: there is no channel
// left to surface a failure on, so it is logged and dropped.
func (a *Aggregator) OnDisconnect() {
	a.mu.Lock()
	sess := a.sess
	if sess == nil {
		a.mu.Unlock()
		return
	}
	a.waitCommitLocked(sess)
	needAbort := sess.mode == ModeMultipart && sess.uploadID != ""
	key, uploadID := sess.key, sess.uploadID
	a.resetLocked()
	a.mu.Unlock()

	if needAbort {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if err := a.store.AbortMultipart(ctx, key, uploadID); err != nil {
			a.log.Warn("best-effort abort failed", "key", key, "upload_id", uploadID, "error", err)
		}
	}
	a.log.Info("session discarded on disconnect", "key", key)
}

// waitCommitLocked blocks until no commit is in flight, releasing the
// mutex while waiting. Finalize and disconnect must not proceed past an
// outstanding part commit.
func (a *Aggregator) waitCommitLocked(sess *session) {
	for sess.commitBusy {
		done := sess.commitDone
		a.mu.Unlock()
		<-done
		a.mu.Lock()
	}
}

// drainLocked removes and concatenates all buffered bytes.
func drainLocked(sess *session) []byte {
	data := make([]byte, 0, sess.pendingSize)
	for _, b := range sess.pending {
		data = append(data, b...)
	}
	sess.pending = nil
	sess.pendingSize = 0
	return data
}

func (a *Aggregator) finish(sess *session, location string) {
	a.mu.Lock()
	key := sess.key
	a.resetLocked()
	a.mu.Unlock()

	a.log.Info("session completed", "key", key, "location", location)
	if err := a.acks.WriteAck(protocol.Completed{Location: location, Key: key}); err != nil {
		a.log.Warn("completion ack not delivered", "key", key, "error", err)
	}
}

// failSession marks the session abandoned and surfaces the failure to the
// producer. Nothing is retried or rolled back mid-flight.
func (a *Aggregator) failSession(sess *session, err error) {
	a.mu.Lock()
	sess.failed = true
	a.mu.Unlock()
	a.log.Error("session failed", "key", sess.key, "error", err)
	a.writeErrorAck(err)
}

func (a *Aggregator) writeErrorAck(err error) {
	if ackErr := a.acks.WriteAck(protocol.SessionError{Message: err.Error()}); ackErr != nil {
		a.log.Warn("error ack not delivered", "error", ackErr)
	}
}

// resetLocked clears the session and its registry entry as one unit.
func (a *Aggregator) resetLocked() {
	if a.sess == nil {
		return
	}
	if a.registry != nil {
		a.registry.remove(a.sess.key)
	}
	a.sess = nil
}

// Snapshot returns the current session's state for the debug API, or
// false when no session is active.
func (a *Aggregator) Snapshot() (SessionSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess := a.sess
	if sess == nil {
		return SessionSnapshot{}, false
	}
	return SessionSnapshot{
		Key:           sess.key,
		Mode:          sess.mode.String(),
		UploadID:      sess.uploadID,
		BytesReceived: sess.bytesReceived,
		Frames:        sess.frames,
		Parts:         len(sess.parts),
		PendingBytes:  sess.pendingSize,
		ConnectedAt:   sess.connectedAt.UnixMilli(),
		UptimeMs:      time.Since(sess.connectedAt).Milliseconds(),
		RemoteAddr:    a.remote,
	}, true
}
