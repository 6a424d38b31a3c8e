package pawchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake hub
// ============================================================================

// fakeHub is an httptest server speaking the JSON hub protocol on /chatHub.
// Extra REST handlers can be registered on mux.
type fakeHub struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	accepts     atomic.Int32
	acceptDelay time.Duration
	reject      atomic.Bool

	mu          sync.Mutex
	conns       []*websocket.Conn
	tokens      []string
	failTargets map[string]string

	invocations chan hubMessage
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:           t,
		mux:         http.NewServeMux(),
		failTargets: make(map[string]string),
		invocations: make(chan hubMessage, 64),
	}
	h.mux.HandleFunc(DefaultHubPath, h.serveHub)
	h.srv = httptest.NewServer(h.mux)
	t.Cleanup(func() {
		h.dropAll()
		h.srv.Close()
	})
	return h
}

func (h *fakeHub) serveHub(w http.ResponseWriter, r *http.Request) {
	if h.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	h.accepts.Add(1)
	if h.acceptDelay > 0 {
		time.Sleep(h.acceptDelay)
	}
	h.mu.Lock()
	h.tokens = append(h.tokens, r.URL.Query().Get("access_token"))
	h.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	var req handshakeRequest
	if recs := splitRecords(data); len(recs) != 1 || json.Unmarshal(recs[0], &req) != nil || req.Protocol != "json" {
		c.Close(websocket.StatusProtocolError, "bad handshake")
		return
	}
	if err := c.Write(ctx, websocket.MessageText, []byte("{}\x1e")); err != nil {
		return
	}

	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		for _, rec := range splitRecords(data) {
			var msg hubMessage
			if json.Unmarshal(rec, &msg) != nil || msg.Type != hubInvocation {
				continue
			}
			select {
			case h.invocations <- msg:
			default:
			}
			if msg.InvocationID == "" {
				continue
			}
			h.mu.Lock()
			failure := h.failTargets[msg.Target]
			h.mu.Unlock()
			reply := map[string]interface{}{"type": hubCompletion, "invocationId": msg.InvocationID}
			if failure != "" {
				reply["error"] = failure
			} else {
				reply["result"] = nil
			}
			b, _ := encodeRecord(reply)
			_ = c.Write(ctx, websocket.MessageText, b)
		}
	}
}

func (h *fakeHub) failTarget(target, message string) {
	h.mu.Lock()
	h.failTargets[target] = message
	h.mu.Unlock()
}

// send writes a record to every open connection.
func (h *fakeHub) send(v interface{}) {
	h.t.Helper()
	b, err := encodeRecord(v)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	h.mu.Lock()
	conns := append([]*websocket.Conn{}, h.conns...)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Write(context.Background(), websocket.MessageText, b)
	}
}

// push sends a server-to-client invocation.
func (h *fakeHub) push(target string, args ...interface{}) {
	h.send(map[string]interface{}{"type": hubInvocation, "target": target, "arguments": args})
}

func (h *fakeHub) dropAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

// nextInvocation waits for the next client invocation of target.
func (h *fakeHub) nextInvocation(target string) hubMessage {
	h.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-h.invocations:
			if msg.Target == target {
				return msg
			}
		case <-timeout:
			h.t.Fatalf("no %s invocation received", target)
			return hubMessage{}
		}
	}
}

func (h *fakeHub) transport() *WebSocketTransport {
	return NewWebSocketTransport(h.srv.URL)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(h *fakeHub, opts ...ManagerOption) *ConnectionManager {
	opts = append([]ManagerOption{WithConnectionID("device-1")}, opts...)
	m := NewConnectionManager(h.transport(), StaticToken("test-token"), opts...)
	h.t.Cleanup(func() { m.Disconnect() })
	return m
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestConnectionManagerConnect(t *testing.T) {
	t.Run("concurrent connects share one attempt", func(t *testing.T) {
		h := newFakeHub(t)
		h.acceptDelay = 100 * time.Millisecond
		m := newTestManager(h)

		var wg sync.WaitGroup
		errs := make(chan error, 5)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- m.Connect(context.Background())
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
		}
		if got := h.accepts.Load(); got != 1 {
			t.Errorf("accepts = %d, want 1", got)
		}
		if m.State() != StateConnected {
			t.Errorf("state = %s", m.State())
		}
	})

	t.Run("connected manager returns immediately", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := h.accepts.Load(); got != 1 {
			t.Errorf("accepts = %d, want 1", got)
		}
	})

	t.Run("token sent as access_token", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.tokens) != 1 || h.tokens[0] != "test-token" {
			t.Errorf("tokens = %v", h.tokens)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		h := newFakeHub(t)
		m := NewConnectionManager(h.transport(), StaticToken(""))
		err := m.Connect(context.Background())
		if !errors.Is(err, ErrAuthRequired) {
			t.Fatalf("err = %v, want ErrAuthRequired", err)
		}
		if h.accepts.Load() != 0 {
			t.Error("should not dial without a token")
		}
		if m.State() != StateError {
			t.Errorf("state = %s, want error", m.State())
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		h := newFakeHub(t)
		h.reject.Store(true)
		m := newTestManager(h)
		err := m.Connect(context.Background())
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want *ConnectionError", err)
		}
		if ce.Op != "dial" {
			t.Errorf("op = %q", ce.Op)
		}
	})

	t.Run("disconnect when disconnected is a no-op", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		var changes atomic.Int32
		m.OnStateChange(func(ConnectionState) { changes.Add(1) })
		if err := m.Disconnect(); err != nil {
			t.Fatal(err)
		}
		if m.State() != StateDisconnected || changes.Load() != 0 {
			t.Errorf("state = %s, changes = %d", m.State(), changes.Load())
		}
	})

	t.Run("connect after disconnect during dial starts a new attempt", func(t *testing.T) {
		h := newFakeHub(t)
		h.acceptDelay = 300 * time.Millisecond
		m := newTestManager(h)

		first := make(chan error, 1)
		go func() { first <- m.Connect(context.Background()) }()
		eventually(t, "first dial", func() bool { return h.accepts.Load() == 1 })
		m.Disconnect()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect after Disconnect: %v", err)
		}
		if m.State() != StateConnected {
			t.Errorf("state = %s", m.State())
		}
		if got := h.accepts.Load(); got != 2 {
			t.Errorf("accepts = %d, want 2", got)
		}
		select {
		case err := <-first:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("abandoned dial err = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("abandoned dial never returned")
		}
		if m.State() != StateConnected {
			t.Errorf("abandoned dial changed state to %s", m.State())
		}
	})

	t.Run("disconnect closes without reconnecting", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h, WithRealtimeConfig(RealtimeConfig{ReconnectDelays: []time.Duration{0}}))
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		m.Disconnect()
		time.Sleep(100 * time.Millisecond)
		if m.State() != StateDisconnected {
			t.Errorf("state = %s", m.State())
		}
		if got := h.accepts.Load(); got != 1 {
			t.Errorf("accepts = %d, want 1", got)
		}
	})
}

// ============================================================================
// Invocations
// ============================================================================

func TestConnectionManagerInvoke(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		if err := m.SendMessage(context.Background(), "5", "u2", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("send message", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := m.SendMessage(context.Background(), "5", "u2", "hi"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		inv := h.nextInvocation(methodSendMessage)
		if len(inv.Arguments) != 3 {
			t.Fatalf("arguments = %d", len(inv.Arguments))
		}
		if string(inv.Arguments[0]) != "5" || string(inv.Arguments[1]) != `"u2"` || string(inv.Arguments[2]) != `"hi"` {
			t.Errorf("arguments = %s %s %s", inv.Arguments[0], inv.Arguments[1], inv.Arguments[2])
		}
	})

	t.Run("hub error", func(t *testing.T) {
		h := newFakeHub(t)
		h.failTarget(methodSendMessage, "conversation not found")
		m := newTestManager(h)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		err := m.SendMessage(context.Background(), "5", "u2", "hi")
		var he *HubError
		if !errors.As(err, &he) || he.Message != "conversation not found" {
			t.Fatalf("err = %v", err)
		}
	})
}

// ============================================================================
// Inbound events
// ============================================================================

func TestConnectionManagerInbound(t *testing.T) {
	t.Run("received message is cached and acknowledged", func(t *testing.T) {
		h := newFakeHub(t)
		cache := NewLocalMessageCache(NewMemoryStore())
		m := newTestManager(h, WithManagerCache(cache))

		got := make(chan Message, 1)
		m.OnMessageReceived(func(msg Message) {
			if n := len(cache.GetMessages(msg.ConversationID)); n != 1 {
				t.Errorf("handler saw %d cached messages", n)
			}
			got <- msg
		})
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}

		h.push(eventReceiveMessage, map[string]interface{}{
			"id": 42, "conversationId": 5, "senderId": "u2", "receiverId": "u1",
			"content": "hello", "sentAt": "2026-03-01T10:00:00Z", "isDelivered": false,
		})

		select {
		case msg := <-got:
			if msg.ID != "42" || msg.Content != "hello" {
				t.Errorf("msg = %+v", msg)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no message event")
		}

		ack := h.nextInvocation(methodMarkAsDelivered)
		if len(ack.Arguments) != 1 || string(ack.Arguments[0]) != "42" {
			t.Errorf("ack arguments = %v", ack.Arguments)
		}
		m.Wait()

		if convs := cache.GetConversations(); len(convs) != 1 || convs[0].LastMessage == nil || convs[0].LastMessage.Content != "hello" {
			t.Errorf("conversations = %+v", convs)
		}
	})

	t.Run("timestamp without zone offset", func(t *testing.T) {
		h := newFakeHub(t)
		cache := NewLocalMessageCache(NewMemoryStore())
		m := newTestManager(h, WithManagerCache(cache))

		got := make(chan Message, 1)
		m.OnMessageReceived(func(msg Message) { got <- msg })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.push(eventReceiveMessage, map[string]interface{}{
			"id": 46, "conversationId": 5, "senderId": "u2", "receiverId": "u1",
			"content": "zone-less", "sentAt": "2024-03-01T10:00:00.1234567", "isDelivered": false,
		})

		want := time.Date(2024, 3, 1, 10, 0, 0, 123456700, time.UTC)
		select {
		case msg := <-got:
			if !msg.SentAt.Equal(want) {
				t.Errorf("sentAt = %v, want %v", msg.SentAt, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no message event")
		}
		if ack := h.nextInvocation(methodMarkAsDelivered); string(ack.Arguments[0]) != "46" {
			t.Errorf("ack arguments = %s", ack.Arguments)
		}
		if msgs := cache.GetMessages("5"); len(msgs) != 1 {
			t.Errorf("cached = %+v", msgs)
		}
	})

	t.Run("own and delivered messages are not acknowledged", func(t *testing.T) {
		h := newFakeHub(t)
		token := signTestToken(t, jwt.MapClaims{"sub": "u1"})
		m := NewConnectionManager(h.transport(), StaticToken(token), WithConnectionID("device-1"))
		t.Cleanup(func() { m.Disconnect() })

		var received atomic.Int32
		m.OnMessageReceived(func(Message) { received.Add(1) })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.push(eventReceiveMessage, map[string]interface{}{
			"id": 43, "conversationId": 5, "senderId": "u1", "receiverId": "u2",
			"content": "mine", "sentAt": "2026-03-01T10:00:00Z",
		})
		h.push(eventReceiveMessage, map[string]interface{}{
			"id": 44, "conversationId": 5, "senderId": "u2", "receiverId": "u1",
			"content": "seen", "sentAt": "2026-03-01T10:01:00Z", "isDelivered": true,
		})
		h.push(eventReceiveMessage, map[string]interface{}{
			"id": 45, "conversationId": 5, "senderId": "u2", "receiverId": "u1",
			"content": "new", "sentAt": "2026-03-01T10:02:00Z",
		})

		ack := h.nextInvocation(methodMarkAsDelivered)
		if string(ack.Arguments[0]) != "45" {
			t.Errorf("first ack = %s, want 45", ack.Arguments[0])
		}
		eventually(t, "all messages delivered to handlers", func() bool { return received.Load() == 3 })
		m.Wait()
		select {
		case extra := <-h.invocations:
			if extra.Target == methodMarkAsDelivered {
				t.Errorf("unexpected ack %s", extra.Arguments[0])
			}
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("no acknowledgement once the connection is gone", func(t *testing.T) {
		h := newFakeHub(t)
		cache := NewLocalMessageCache(NewMemoryStore())
		m := newTestManager(h, WithManagerCache(cache))

		var received atomic.Int32
		m.OnMessageReceived(func(Message) { received.Add(1) })
		m.messageReceived(newHubConnection(nil, func() {}), Message{
			ID: "9", ConversationID: "5", SenderID: "u2", ReceiverID: "u1", Content: "late", SentAt: time.Now(),
		})

		done := make(chan struct{})
		go func() {
			m.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Wait blocked on an acknowledgement for a closed connection")
		}
		if received.Load() != 1 || len(cache.GetMessages("5")) != 1 {
			t.Errorf("received = %d, cached = %+v", received.Load(), cache.GetMessages("5"))
		}
	})

	t.Run("delivery event updates cache", func(t *testing.T) {
		h := newFakeHub(t)
		cache := NewLocalMessageCache(NewMemoryStore())
		cache.PutMessage(Message{ID: "7", ConversationID: "5", SenderID: "u1", Content: "hi", SentAt: time.Now()})
		m := newTestManager(h, WithManagerCache(cache))

		got := make(chan ID, 1)
		m.OnMessageDelivered(func(id ID) { got <- id })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.push(eventMessageDelivered, 7)

		select {
		case id := <-got:
			if id != "7" {
				t.Errorf("id = %s", id)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no delivered event")
		}
		msgs := cache.GetMessages("5")
		if len(msgs) != 1 || !msgs[0].IsDelivered || msgs[0].DeliveredAt == nil {
			t.Errorf("cached = %+v", msgs)
		}
	})

	t.Run("presence and panicking handler", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)

		got := make(chan string, 2)
		m.OnUserConnected(func(string) { panic("boom") })
		m.OnUserConnected(func(id string) { got <- "+" + id })
		m.OnUserDisconnected(func(id string) { got <- "-" + id })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.push(eventUserConnected, map[string]interface{}{"id": "u2", "name": "Sam"})
		h.push(eventUserDisconnected, "u2")

		for _, want := range []string{"+u2", "-u2"} {
			select {
			case g := <-got:
				if g != want {
					t.Errorf("got %q, want %q", g, want)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("missing %s", want)
			}
		}
	})

	t.Run("generic handler", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		got := make(chan int, 1)
		m.On("AdoptionStatusChanged", func(target string, args []json.RawMessage) { got <- len(args) })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.push("AdoptionStatusChanged", 1, "approved")
		select {
		case n := <-got:
			if n != 2 {
				t.Errorf("args = %d", n)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no generic event")
		}
	})
}

// ============================================================================
// Reconnection
// ============================================================================

func TestConnectionManagerReconnect(t *testing.T) {
	t.Run("reconnects after unexpected close", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h, WithRealtimeConfig(RealtimeConfig{
			ReconnectDelays: []time.Duration{0, 20 * time.Millisecond},
		}))

		var sawReconnecting atomic.Bool
		m.OnStateChange(func(s ConnectionState) {
			if s == StateReconnecting {
				sawReconnecting.Store(true)
			}
		})
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.dropAll()

		eventually(t, "second connection", func() bool {
			return h.accepts.Load() == 2 && m.State() == StateConnected
		})
		if !sawReconnecting.Load() {
			t.Error("never reported reconnecting")
		}
		if err := m.SendMessage(context.Background(), "5", "u2", "after reconnect"); err != nil {
			t.Errorf("send after reconnect: %v", err)
		}
	})

	t.Run("gives up when schedule is exhausted", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h, WithRealtimeConfig(RealtimeConfig{
			ReconnectDelays: []time.Duration{0, 10 * time.Millisecond},
		}))
		var attempts atomic.Int32
		m.OnReconnecting(func(int, time.Duration) { attempts.Add(1) })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.reject.Store(true)
		h.dropAll()

		eventually(t, "disconnected", func() bool { return m.State() == StateDisconnected })
		if got := attempts.Load(); got != 2 {
			t.Errorf("attempts = %d, want 2", got)
		}
	})

	t.Run("close without reconnect", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.send(map[string]interface{}{"type": hubClose, "error": "server shutting down"})

		eventually(t, "disconnected", func() bool { return m.State() == StateDisconnected })
		time.Sleep(50 * time.Millisecond)
		if got := h.accepts.Load(); got != 1 {
			t.Errorf("accepts = %d, want 1", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newFakeHub(t)
		m := newTestManager(h, WithRealtimeConfig(RealtimeConfig{DisableReconnect: true}))
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		h.dropAll()
		eventually(t, "disconnected", func() bool { return m.State() == StateDisconnected })
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("manual reconnect: %v", err)
		}
	})
}

func TestReconnectorSchedule(t *testing.T) {
	r := &reconnector{delays: []time.Duration{0, time.Second, 2 * time.Second}}
	for _, want := range []time.Duration{0, time.Second, 2 * time.Second} {
		d, ok := r.next()
		if !ok || d != want {
			t.Fatalf("next = %v, %v; want %v", d, ok, want)
		}
	}
	if _, ok := r.next(); ok {
		t.Fatal("schedule should be exhausted")
	}

	r = &reconnector{delays: []time.Duration{0, time.Second}, forever: true}
	r.next()
	r.next()
	for i := 0; i < 3; i++ {
		if d, ok := r.next(); !ok || d != time.Second {
			t.Fatalf("forever next = %v, %v", d, ok)
		}
	}
	r.reset()
	if d, _ := r.next(); d != 0 {
		t.Errorf("after reset = %v", d)
	}
}

func TestDecodeMessageRef(t *testing.T) {
	cases := map[string]ID{
		`42`:                 "42",
		`"abc"`:              "abc",
		`{"id":9}`:           "9",
		`{"messageId":"m1"}`: "m1",
		`[]`:                 "",
	}
	for in, want := range cases {
		if got := decodeMessageRef(json.RawMessage(in)); got != want {
			t.Errorf("decodeMessageRef(%s) = %q, want %q", in, got, want)
		}
	}
}
