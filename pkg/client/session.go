package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

// MessageListener observes incoming message and message_sent envelopes.
// The envelope type distinguishes a delivery from the sender's own ack.
type MessageListener func(envelopeType string, msg protocol.MessageDTO)

// StatusListener observes status_update envelopes.
type StatusListener func(update protocol.StatusUpdateDTO)

// ConnectionListener observes connection state changes.
type ConnectionListener func(connected bool)

const defaultRetryInterval = 5 * time.Second

// Session owns the process's single outbound messaging connection. It
// performs the auth handshake on open, retries at a fixed interval after
// an unexpected close, and falls back to the request/response surface
// when no connection is open.
type Session struct {
	endpoint      string
	api           *API
	dialer        *websocket.Dialer
	retryInterval time.Duration
	logger        *log.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	connected      bool
	userID         int64
	closeRequested bool
	retryTimer     *time.Timer

	// writeMu serializes frame writes; the auth write, Send, and
	// UpdateStatus may run on different goroutines.
	writeMu sync.Mutex

	listenerMu          sync.Mutex
	nextListenerID      int
	messageListeners    []registeredMessageListener
	statusListeners     []registeredStatusListener
	connectionListeners []registeredConnectionListener

	wg sync.WaitGroup
}

type registeredMessageListener struct {
	id int
	fn MessageListener
}

type registeredStatusListener struct {
	id int
	fn StatusListener
}

type registeredConnectionListener struct {
	id int
	fn ConnectionListener
}

// NewSession creates a session manager over the given API consumer. The
// socket endpoint is derived from the API's base URL; the bearer
// credential is read from the API at connect time.
func NewSession(api *API, endpoint string) *Session {
	return &Session{
		endpoint:      endpoint,
		api:           api,
		dialer:        websocket.DefaultDialer,
		retryInterval: defaultRetryInterval,
		logger:        log.New(io.Discard, "", 0),
	}
}

// SetRetryInterval changes the fixed reconnect interval.
func (s *Session) SetRetryInterval(interval time.Duration) {
	s.retryInterval = interval
}

// SetLogger sets a logger for debugging session events.
func (s *Session) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// Connect opens the messaging connection and sends the auth envelope. It
// is a no-op when a connection is already open or in progress. On
// failure the fixed-interval retry cycle is scheduled.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.connected || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.closeRequested = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	conn, _, err := s.dialer.Dial(s.endpoint, nil)
	if err != nil {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
		s.scheduleRetry()
		return fmt.Errorf("failed to connect to %s: %w", s.endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connecting = false
	// Optimistic: connected is tracked from transport-open, not from
	// auth_success.
	s.connected = true
	s.mu.Unlock()

	token := strings.TrimSpace(strings.TrimPrefix(s.api.Token(), "Bearer "))
	if err := s.writeJSON(conn, protocol.NewAuth(token)); err != nil {
		s.logger.Printf("Auth write failed: %v", err)
		conn.Close()
		s.handleDisconnect(conn)
		return err
	}

	s.notifyConnection(true)

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// Disconnect closes the connection without scheduling a reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closeRequested = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.wg.Wait()
}

// Connected reports whether a connection is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// UserID returns the identity confirmed by auth_success, or 0 before the
// handshake completes.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Send sends a message to receiverID. With an open connection the
// envelope is written and the result arrives later through the
// message-listener path as a message_sent envelope, so the returned
// message is nil. Without one the request/response fallback is used and
// the stored message is returned synchronously.
func (s *Session) Send(receiverID int64, content string) (*protocol.MessageDTO, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if connected && conn != nil {
		env, err := protocol.NewClientMessage(receiverID, content)
		if err != nil {
			return nil, err
		}
		if err := s.writeJSON(conn, env); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return s.api.SendMessage(receiverID, content)
}

// UpdateStatus advances a message's delivery status, over the socket when
// open, otherwise over the request/response fallback.
func (s *Session) UpdateStatus(messageID int64, status protocol.Status) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if connected && conn != nil {
		env, err := protocol.NewClientStatusUpdate(messageID, status)
		if err != nil {
			return err
		}
		return s.writeJSON(conn, env)
	}

	_, err := s.api.UpdateStatus(messageID, status)
	return err
}

// AddMessageListener registers a message listener and returns its id for
// removal. Dispatch is synchronous and in registration order.
func (s *Session) AddMessageListener(fn MessageListener) int {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListenerID++
	s.messageListeners = append(s.messageListeners, registeredMessageListener{id: s.nextListenerID, fn: fn})
	return s.nextListenerID
}

// RemoveMessageListener removes a message listener by id.
func (s *Session) RemoveMessageListener(id int) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, l := range s.messageListeners {
		if l.id == id {
			s.messageListeners = append(s.messageListeners[:i], s.messageListeners[i+1:]...)
			return
		}
	}
}

// AddStatusListener registers a status listener.
func (s *Session) AddStatusListener(fn StatusListener) int {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListenerID++
	s.statusListeners = append(s.statusListeners, registeredStatusListener{id: s.nextListenerID, fn: fn})
	return s.nextListenerID
}

// RemoveStatusListener removes a status listener by id.
func (s *Session) RemoveStatusListener(id int) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, l := range s.statusListeners {
		if l.id == id {
			s.statusListeners = append(s.statusListeners[:i], s.statusListeners[i+1:]...)
			return
		}
	}
}

// AddConnectionListener registers a connection listener.
func (s *Session) AddConnectionListener(fn ConnectionListener) int {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListenerID++
	s.connectionListeners = append(s.connectionListeners, registeredConnectionListener{id: s.nextListenerID, fn: fn})
	return s.nextListenerID
}

// RemoveConnectionListener removes a connection listener by id.
func (s *Session) RemoveConnectionListener(id int) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, l := range s.connectionListeners {
		if l.id == id {
			s.connectionListeners = append(s.connectionListeners[:i], s.connectionListeners[i+1:]...)
			return
		}
	}
}

func decode(raw []byte, dst any) error {
	return json.Unmarshal(raw, dst)
}

func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Printf("Read failed: %v", err)
			s.handleDisconnect(conn)
			return
		}
		s.handleEnvelope(conn, raw)
	}
}

func (s *Session) handleEnvelope(conn *websocket.Conn, raw []byte) {
	envType, err := protocol.PeekType(raw)
	if err != nil {
		s.logger.Printf("Malformed envelope: %v", err)
		return
	}

	switch envType {
	case protocol.TypeAuthSuccess:
		var env protocol.AuthSuccessEnvelope
		if err := decode(raw, &env); err != nil {
			s.logger.Printf("Bad auth_success: %v", err)
			return
		}
		s.mu.Lock()
		s.userID = env.UserID
		s.mu.Unlock()
		s.logger.Printf("Authenticated as user %d", env.UserID)

	case protocol.TypeAuthError:
		var env protocol.AuthErrorEnvelope
		if err := decode(raw, &env); err != nil {
			s.logger.Printf("Bad auth_error: %v", err)
			return
		}
		s.logger.Printf("Auth rejected: %s", env.Message)
		// Tear the transport down; the reconnect cycle takes over.
		conn.Close()

	case protocol.TypeMessage, protocol.TypeMessageSent:
		var env protocol.MessageEnvelope
		if err := decode(raw, &env); err != nil {
			s.logger.Printf("Bad %s envelope: %v", envType, err)
			return
		}
		s.dispatchMessage(envType, env.Message)

	case protocol.TypeStatusUpdate:
		var env protocol.StatusUpdateEnvelope
		if err := decode(raw, &env); err != nil {
			s.logger.Printf("Bad status_update: %v", err)
			return
		}
		s.dispatchStatus(env.Update)

	default:
		s.logger.Printf("Unsupported envelope type %q; ignoring", envType)
	}
}

// handleDisconnect runs exactly once per connection; a stale call for an
// already-replaced connection is a no-op.
func (s *Session) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasConnected := s.connected
	s.connected = false
	requested := s.closeRequested
	s.mu.Unlock()

	conn.Close()

	if wasConnected {
		s.notifyConnection(false)
	}
	if !requested {
		s.scheduleRetry()
	}
}

// scheduleRetry arms the fixed-interval reconnect timer. The timer
// re-arms after each failed attempt and is cancelled by the first
// successful connect or an explicit disconnect.
func (s *Session) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeRequested || s.retryTimer != nil || s.connected || s.connecting {
		return
	}
	s.retryTimer = time.AfterFunc(s.retryInterval, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		if err := s.Connect(); err != nil {
			s.logger.Printf("Reconnect failed: %v", err)
		}
	})
}

func (s *Session) dispatchMessage(envelopeType string, msg protocol.MessageDTO) {
	s.listenerMu.Lock()
	listeners := make([]registeredMessageListener, len(s.messageListeners))
	copy(listeners, s.messageListeners)
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l.fn(envelopeType, msg)
	}
}

func (s *Session) dispatchStatus(update protocol.StatusUpdateDTO) {
	s.listenerMu.Lock()
	listeners := make([]registeredStatusListener, len(s.statusListeners))
	copy(listeners, s.statusListeners)
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l.fn(update)
	}
}

func (s *Session) notifyConnection(connected bool) {
	s.listenerMu.Lock()
	listeners := make([]registeredConnectionListener, len(s.connectionListeners))
	copy(listeners, s.connectionListeners)
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l.fn(connected)
	}
}
