package ingest

import (
	"log/slog"
	"sort"
	"sync"
)

// SessionSnapshot is a point-in-time view of one active session, exposed
// on the debug API.
type SessionSnapshot struct {
	Key           string `json:"key"`
	Mode          string `json:"mode"`
	UploadID      string `json:"uploadId,omitempty"`
	BytesReceived int64  `json:"bytesReceived"`
	Frames        int64  `json:"frames"`
	Parts         int    `json:"parts"`
	PendingBytes  int64  `json:"pendingBytes"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Registry tracks active upload sessions by object key so the server can
// enumerate them. One entry per connection with an open session.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Aggregator
}

// NewRegistry creates an empty registry. If log is nil, slog.Default()
// is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "session-registry"),
		sessions: make(map[string]*Aggregator),
	}
}

// add registers a session. Returns false if the key is already taken by
// another live session.
func (r *Registry) add(key string, a *Aggregator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		r.log.Warn("session key already in use, rejecting", "key", key)
		return false
	}
	r.sessions[key] = a
	r.log.Info("session registered", "key", key)
	return true
}

func (r *Registry) remove(key string) {
	r.mu.Lock()
	_, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("session unregistered", "key", key)
	}
}

// List returns snapshots of all active sessions, ordered by key.
func (r *Registry) List() []SessionSnapshot {
	r.mu.RLock()
	aggs := make([]*Aggregator, 0, len(r.sessions))
	for _, a := range r.sessions {
		aggs = append(aggs, a)
	}
	r.mu.RUnlock()

	snaps := make([]SessionSnapshot, 0, len(aggs))
	for _, a := range aggs {
		if snap, ok := a.Snapshot(); ok {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}
