package server

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

// Session is the server-side state for one open socket connection. It
// starts unauthenticated; a successful auth envelope binds it to a user id
// and registers its connection. A session that never authenticates still
// goes through the same teardown path.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	mu            sync.RWMutex
	userID        int64
	authenticated bool

	lastActivity atomic.Int64 // Unix milliseconds
}

// Identity returns the bound user id and whether the session has
// authenticated.
func (sess *Session) Identity() (int64, bool) {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.userID, sess.authenticated
}

func (sess *Session) setAuthenticated(userID int64) {
	sess.mu.Lock()
	sess.userID = userID
	sess.authenticated = true
	sess.mu.Unlock()
}

func (sess *Session) touch() {
	sess.lastActivity.Store(time.Now().UnixMilli())
}

// sessionLoop is the per-connection receive loop. Each connection runs its
// own loop; malformed payloads are logged per-envelope without
// terminating the loop. On exit — transport close, error, or shutdown —
// the session always unregisters before releasing the connection.
func (s *Server) sessionLoop(sess *Session) {
	defer func() {
		if userID, ok := sess.Identity(); ok {
			s.registry.Unregister(userID, sess.Conn)
		}
		sess.Conn.Close()
		s.removeSession(sess.ID)
		if s.metrics != nil {
			s.metrics.RecordActiveConnections(s.registry.Count())
		}
		debugLog.Printf("Session %d closed", sess.ID)
	}()

	for {
		raw, err := sess.Conn.ReadMessage()
		if err != nil {
			debugLog.Printf("Session %d read: %v", sess.ID, err)
			return
		}
		sess.touch()

		env, err := protocol.DecodeClientEnvelope(raw)
		if err != nil {
			if _, authenticated := sess.Identity(); !authenticated {
				// Unauthenticated malformed input gets an explicit reply.
				s.sendAuthError(sess, "malformed envelope")
			} else {
				debugLog.Printf("Session %d sent malformed envelope: %v", sess.ID, err)
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordEnvelopeReceived(env.Type)
		}

		s.handleEnvelope(sess, env)
	}
}

// handleEnvelope dispatches one decoded envelope according to the
// session's protocol state.
func (s *Server) handleEnvelope(sess *Session, env *protocol.ClientEnvelope) {
	userID, authenticated := sess.Identity()

	if !authenticated {
		if env.Type != protocol.TypeAuth {
			s.sendAuthError(sess, "authentication required")
			return
		}
		s.handleAuth(sess, env)
		return
	}

	switch env.Type {
	case protocol.TypeMessage:
		var data protocol.MessageData
		if err := env.DecodeData(&data); err != nil {
			debugLog.Printf("Session %d: %v", sess.ID, err)
			return
		}
		s.dispatcher.HandleMessage(userID, sess.Conn, data)

	case protocol.TypeStatusUpdate:
		var data protocol.StatusUpdateData
		if err := env.DecodeData(&data); err != nil {
			debugLog.Printf("Session %d: %v", sess.ID, err)
			return
		}
		s.dispatcher.HandleStatusUpdate(userID, data)

	case protocol.TypeAuth:
		debugLog.Printf("Session %d re-sent auth after authenticating; ignoring", sess.ID)

	default:
		debugLog.Printf("Session %d sent unsupported envelope type %q; ignoring", sess.ID, env.Type)
	}
}

// handleAuth validates the bearer credential and, on success, registers
// the connection (evicting any previous connection for the same user).
// On failure the connection stays open; the client decides whether to
// retry.
func (s *Server) handleAuth(sess *Session, env *protocol.ClientEnvelope) {
	token := strings.TrimSpace(strings.TrimPrefix(env.Token, "Bearer "))
	if token == "" {
		s.sendAuthError(sess, "missing token")
		return
	}

	claims, err := s.validator.Validate(token)
	if err != nil {
		debugLog.Printf("Session %d auth failed: %v", sess.ID, err)
		s.sendAuthError(sess, "invalid or expired token")
		return
	}

	sess.setAuthenticated(claims.UserID)
	s.registry.Register(claims.UserID, sess.Conn)

	if s.metrics != nil {
		s.metrics.RecordActiveConnections(s.registry.Count())
	}
	debugLog.Printf("Session %d authenticated as user %d", sess.ID, claims.UserID)

	if err := sess.Conn.WriteJSON(protocol.NewAuthSuccess(claims.UserID)); err != nil {
		debugLog.Printf("Session %d auth_success write failed: %v", sess.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(protocol.TypeAuthSuccess)
	}
}

func (s *Server) sendAuthError(sess *Session, message string) {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure()
	}
	if err := sess.Conn.WriteJSON(protocol.NewAuthError(message)); err != nil {
		debugLog.Printf("Session %d auth_error write failed: %v", sess.ID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(protocol.TypeAuthError)
	}
}
