package server

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// SessionInfo holds metadata about one live WebSocket session. Served as
// JSON on /sessions.
type SessionInfo struct {
	// ID is the session's unique identifier.
	ID string `json:"id"`

	// RemoteAddr is the client's network address.
	RemoteAddr string `json:"remote_addr"`

	// ConnectedAt is when the WebSocket upgrade completed.
	ConnectedAt time.Time `json:"connected_at"`
}

// registry tracks live sessions so shutdown can cancel them and /sessions
// can list them. http.Server.Shutdown never waits for hijacked connections,
// so the server must know about its own.
// All methods are safe for concurrent use.
type registry struct {
	mu       sync.Mutex
	sessions map[string]liveSession
	draining bool
}

type liveSession struct {
	info   SessionInfo
	cancel context.CancelFunc
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]liveSession)}
}

// add registers a live session's metadata and cancel func. Returns false
// when the server is draining and the session must not start.
func (r *registry) add(info SessionInfo, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.sessions[info.ID] = liveSession{info: info, cancel: cancel}
	return true
}

// remove forgets a session. Safe to call for IDs that were never added.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// count returns the number of live sessions.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// isDraining reports whether beginDrain has been called.
func (r *registry) isDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// beginDrain rejects future sessions and returns the cancel funcs of every
// live one. The caller invokes them outside the lock.
func (r *registry) beginDrain() []context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, ls := range r.sessions {
		cancels = append(cancels, ls.cancel)
	}
	return cancels
}

// snapshot returns metadata for every live session, oldest connection first.
func (r *registry) snapshot() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, ls := range r.sessions {
		infos = append(infos, ls.info)
	}
	r.mu.Unlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}
