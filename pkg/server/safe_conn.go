package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 5 * time.Second

// clientConn is the subset of SafeConn the registry and dispatcher need.
// Tests substitute a recording fake.
type clientConn interface {
	WriteJSON(v any) error
	CloseWithReason(code int, reason string) error
}

// SafeConn wraps a websocket connection with automatic write
// synchronization. Multiple goroutines (the owning session's handler and
// relays from other users' sessions) may write to the same connection;
// gorilla/websocket does not allow concurrent writers, so every write goes
// through the mutex here. The raw connection is private.
type SafeConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex // Protects writes and the closed flag
	closed bool
}

// NewSafeConn wraps a websocket connection with write synchronization.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteJSON marshals v and writes it as a single text frame.
func (sc *SafeConn) WriteJSON(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return websocket.ErrCloseSent
	}
	return sc.conn.WriteJSON(v)
}

// ReadMessage reads the next frame. Reads don't need write
// synchronization; only the owning session goroutine calls this.
func (sc *SafeConn) ReadMessage() ([]byte, error) {
	_, payload, err := sc.conn.ReadMessage()
	return payload, err
}

// CloseWithReason sends a close control frame carrying the given status
// code and human-readable reason, then closes the underlying connection.
// Safe to call more than once.
func (sc *SafeConn) CloseWithReason(code int, reason string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return nil
	}
	sc.closed = true

	// Best effort; the peer may already be gone.
	deadline := time.Now().Add(closeWriteTimeout)
	sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return sc.conn.Close()
}

// Close closes the connection with a normal-closure frame and no reason.
func (sc *SafeConn) Close() error {
	return sc.CloseWithReason(websocket.CloseNormalClosure, "")
}

// RemoteAddr returns the remote network address as a string.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
