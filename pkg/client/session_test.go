package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

// fakePortal is a scripted counterpart for session tests: a socket
// endpoint that accepts any non-empty token, records received envelopes,
// and can push envelopes to the connected client, plus a minimal
// request/response surface for the fallback path.
type fakePortal struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	received  []protocol.ClientEnvelope
	dials     atomic.Int32
	rejectAll atomic.Bool

	fallbackSends atomic.Int32
}

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleSocket)
	mux.HandleFunc("/api/messages", p.handleFallbackSend)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) baseURL() string {
	return p.server.URL
}

func (p *fakePortal) wsURL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws"
}

func (p *fakePortal) handleSocket(w http.ResponseWriter, r *http.Request) {
	p.dials.Add(1)

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeClientEnvelope(raw)
		if err != nil {
			continue
		}

		if env.Type == protocol.TypeAuth {
			if p.rejectAll.Load() || env.Token == "" {
				conn.WriteJSON(protocol.NewAuthError("invalid or expired token"))
				continue
			}
			conn.WriteJSON(protocol.NewAuthSuccess(2))
		}

		p.mu.Lock()
		p.received = append(p.received, *env)
		p.mu.Unlock()
	}
}

func (p *fakePortal) handleFallbackSend(w http.ResponseWriter, r *http.Request) {
	p.fallbackSends.Add(1)

	var req struct {
		ReceiverID int64  `json:"receiverId"`
		Content    string `json:"content"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(protocol.MessageDTO{
		ID:         101,
		SenderID:   2,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		SentAt:     time.Now().UTC(),
		Status:     protocol.StatusSent,
	})
}

// push sends an envelope from the portal to the connected client.
func (p *fakePortal) push(t *testing.T, v any) {
	t.Helper()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteJSON(v))
}

// dropConnection closes the current socket from the portal side.
func (p *fakePortal) dropConnection() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *fakePortal) lastReceived() []protocol.ClientEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.ClientEnvelope, len(p.received))
	copy(out, p.received)
	return out
}

func newTestSession(t *testing.T, p *fakePortal) *Session {
	api := NewAPI(p.baseURL())
	api.SetToken("test-token")
	s := NewSession(api, p.wsURL())
	s.SetRetryInterval(20 * time.Millisecond)
	t.Cleanup(s.Disconnect)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSessionConnectSendsAuth(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	require.NoError(t, s.Connect())
	assert.True(t, s.Connected())

	waitFor(t, time.Second, func() bool { return len(p.lastReceived()) == 1 })
	auth := p.lastReceived()[0]
	assert.Equal(t, protocol.TypeAuth, auth.Type)
	assert.Equal(t, "test-token", auth.Token)

	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })
}

func TestSessionConnectStripsSchemePrefix(t *testing.T) {
	p := newFakePortal(t)
	api := NewAPI(p.baseURL())
	api.SetToken("Bearer test-token")
	s := NewSession(api, p.wsURL())
	t.Cleanup(s.Disconnect)

	require.NoError(t, s.Connect())

	waitFor(t, time.Second, func() bool { return len(p.lastReceived()) == 1 })
	assert.Equal(t, "test-token", p.lastReceived()[0].Token)
}

func TestSessionConnectIsIdempotent(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())

	// Give any stray dial a chance to land before asserting.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), p.dials.Load())
}

func TestSessionDispatchesMessagesInOrder(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	var mu sync.Mutex
	var order []string
	s.AddMessageListener(func(envelopeType string, msg protocol.MessageDTO) {
		mu.Lock()
		order = append(order, "first:"+envelopeType)
		mu.Unlock()
	})
	s.AddMessageListener(func(envelopeType string, msg protocol.MessageDTO) {
		mu.Lock()
		order = append(order, "second:"+envelopeType)
		mu.Unlock()
	})

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	p.push(t, protocol.NewMessage(testMessage(1, "hello")))
	p.push(t, protocol.NewMessageSent(testMessage(2, "ack")))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"first:message", "second:message",
		"first:message_sent", "second:message_sent",
	}, order)
}

func TestSessionRemoveListener(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	var calls atomic.Int32
	id := s.AddMessageListener(func(string, protocol.MessageDTO) { calls.Add(1) })
	var kept atomic.Int32
	s.AddMessageListener(func(string, protocol.MessageDTO) { kept.Add(1) })
	s.RemoveMessageListener(id)

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	p.push(t, protocol.NewMessage(testMessage(1, "hello")))
	waitFor(t, time.Second, func() bool { return kept.Load() == 1 })
	assert.Equal(t, int32(0), calls.Load())
}

func TestSessionDispatchesStatusUpdates(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	var mu sync.Mutex
	var got []protocol.StatusUpdateDTO
	s.AddStatusListener(func(update protocol.StatusUpdateDTO) {
		mu.Lock()
		got = append(got, update)
		mu.Unlock()
	})

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	p.push(t, protocol.NewStatusUpdate(7, protocol.StatusRead, time.Now().UTC()))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(7), got[0].MessageID)
	assert.Equal(t, protocol.StatusRead, got[0].Status)
}

func TestSessionReconnectsAfterUnexpectedClose(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	var mu sync.Mutex
	var transitions []bool
	s.AddConnectionListener(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	p.dropConnection()

	// The retry timer reconnects on its own.
	waitFor(t, 2*time.Second, func() bool { return p.dials.Load() >= 2 && s.Connected() })

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 3)
	assert.Equal(t, []bool{true, false, true}, transitions[:3])
}

func TestSessionStopsRetryingAfterSuccess(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	p.dropConnection()
	waitFor(t, 2*time.Second, func() bool { return p.dials.Load() >= 2 && s.Connected() })

	// Once reconnected, no further dials happen.
	settled := p.dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, p.dials.Load())
}

func TestSessionNoRetryAfterRequestedDisconnect(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	s.Disconnect()
	assert.False(t, s.Connected())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), p.dials.Load())
}

func TestSessionAuthErrorTriggersReconnectCycle(t *testing.T) {
	p := newFakePortal(t)
	p.rejectAll.Store(true)
	s := newTestSession(t, p)

	s.Connect()

	// Each attempt is rejected and torn down, so the dial count keeps
	// climbing until the portal starts accepting.
	waitFor(t, 2*time.Second, func() bool { return p.dials.Load() >= 2 })

	p.rejectAll.Store(false)
	waitFor(t, 2*time.Second, func() bool { return s.UserID() == 2 })
}

func TestSessionSendOverSocket(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.UserID() == 2 })

	msg, err := s.Send(5, "Bonjour")
	require.NoError(t, err)
	assert.Nil(t, msg, "socket send has no synchronous result")

	waitFor(t, time.Second, func() bool { return len(p.lastReceived()) == 2 })
	env := p.lastReceived()[1]
	assert.Equal(t, protocol.TypeMessage, env.Type)

	var data protocol.MessageData
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, int64(5), data.ReceiverID)
	assert.Equal(t, "Bonjour", data.Content)
	assert.Equal(t, int32(0), p.fallbackSends.Load())
}

func TestSessionSendFallsBackWhenDisconnected(t *testing.T) {
	p := newFakePortal(t)
	s := newTestSession(t, p)

	msg, err := s.Send(5, "Bonjour")
	require.NoError(t, err)
	require.NotNil(t, msg, "fallback send returns the stored message")
	assert.Equal(t, int64(101), msg.ID)
	assert.Equal(t, "Bonjour", msg.Content)
	assert.Equal(t, int32(1), p.fallbackSends.Load())
	assert.Equal(t, int32(0), p.dials.Load())
}
