package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// SupersededReason is the close reason sent to a connection that is
// replaced by a newer connection for the same user.
const SupersededReason = "superseded by new connection"

// Registry maps each authenticated user id to that user's single live
// connection. It is the only shared mutable state in the server core; all
// operations are safe under concurrent invocation from independent
// per-connection goroutines.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]clientConn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]clientConn)}
}

// Register atomically replaces any existing entry for userID. An evicted
// connection is closed with a normal-closure frame so the old client knows
// it was superseded rather than dropped.
func (r *Registry) Register(userID int64, conn clientConn) {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	// Close outside the lock; the evicted peer's write may block.
	if prev != nil && prev != conn {
		prev.CloseWithReason(websocket.CloseNormalClosure, SupersededReason)
	}
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID int64) (clientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Unregister removes the entry for userID only if the registered
// connection is identical to conn. This guards the race where an old
// connection's close fires after a newer connection has already
// registered: the stale close must not evict the live entry.
func (r *Registry) Unregister(userID int64, conn clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] == conn {
		delete(r.conns, userID)
	}
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection with the given reason and
// empties the registry. Used during graceful shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]clientConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[int64]clientConn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.CloseWithReason(websocket.CloseGoingAway, reason)
	}
}
