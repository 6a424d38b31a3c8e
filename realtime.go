package pawchat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultReconnectDelays is the automatic reconnect schedule: immediately,
// then after 2, 5, 10 and 20 seconds.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}

// RealtimeConfig configures the hub connection.
type RealtimeConfig struct {
	// DisableReconnect turns off automatic reconnection after an unexpected close.
	DisableReconnect bool
	// ReconnectDelays is the wait before each reconnect attempt.
	ReconnectDelays []time.Duration
	// RetryForever keeps retrying with the last delay once the schedule is used up.
	RetryForever bool
	// HandshakeTimeout bounds dial plus protocol handshake.
	HandshakeTimeout time.Duration
	// InvokeTimeout bounds a hub invocation waiting for its completion.
	InvokeTimeout time.Duration
	// KeepAliveInterval is how often the client pings the hub.
	KeepAliveInterval time.Duration
	// ServerTimeout closes the connection when nothing is received for this long.
	ServerTimeout time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelays == nil {
		c.ReconnectDelays = DefaultReconnectDelays
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.ServerTimeout == 0 {
		c.ServerTimeout = 30 * time.Second
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// HubEventHandler receives any hub invocation by target, with raw arguments.
type HubEventHandler func(target string, args []json.RawMessage)

// Handlers run on the connection's read goroutine, one after another, in
// the order events arrive. A panicking handler is logged and skipped.
type eventDispatcher struct {
	mu                 sync.RWMutex
	logger             *zap.Logger
	generic            map[string][]HubEventHandler
	onMessage          []func(Message)
	onDelivered        []func(ID)
	onUserConnected    []func(string)
	onUserDisconnected []func(string)
	onState            []func(ConnectionState)
	onReconnecting     []func(int, time.Duration)
}

func newEventDispatcher(logger *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:  logger,
		generic: make(map[string][]HubEventHandler),
	}
}

func (d *eventDispatcher) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *eventDispatcher) emitMessage(msg Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall(eventReceiveMessage, func() { h(msg) })
	}
}

func (d *eventDispatcher) emitDelivered(id ID) {
	d.mu.RLock()
	handlers := append([]func(ID){}, d.onDelivered...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall(eventMessageDelivered, func() { h(id) })
	}
}

func (d *eventDispatcher) emitPresence(target, userID string) {
	d.mu.RLock()
	var handlers []func(string)
	if target == eventUserConnected {
		handlers = append(handlers, d.onUserConnected...)
	} else {
		handlers = append(handlers, d.onUserDisconnected...)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall(target, func() { h(userID) })
	}
}

func (d *eventDispatcher) emitGeneric(target string, args []json.RawMessage) {
	d.mu.RLock()
	handlers := append([]HubEventHandler{}, d.generic[target]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall(target, func() { h(target, args) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("state", func() { h(s) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("reconnecting", func() { h(attempt, delay) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	delays  []time.Duration
	forever bool
	attempt int
}

// next returns the delay before the next attempt, or false when the
// schedule is exhausted.
func (r *reconnector) next() (time.Duration, bool) {
	if len(r.delays) == 0 {
		return 0, false
	}
	if r.attempt >= len(r.delays) {
		if !r.forever {
			return 0, false
		}
		r.attempt++
		return r.delays[len(r.delays)-1], true
	}
	d := r.delays[r.attempt]
	r.attempt++
	return d, true
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// hubConnection
// ============================================================================

// hubConnection is one live, handshaken connection and its pending invocations.
type hubConnection struct {
	conn   HubConn
	cancel context.CancelFunc
	seq    atomic.Int64

	mu      sync.Mutex
	pending map[string]chan hubMessage
	closed  bool
	once    sync.Once
}

func newHubConnection(conn HubConn, cancel context.CancelFunc) *hubConnection {
	return &hubConnection{
		conn:    conn,
		cancel:  cancel,
		pending: make(map[string]chan hubMessage),
	}
}

func (hc *hubConnection) invoke(ctx context.Context, timeout time.Duration, target string, args []interface{}) (json.RawMessage, error) {
	id := strconv.FormatInt(hc.seq.Add(1), 10)
	ch := make(chan hubMessage, 1)

	hc.mu.Lock()
	if hc.closed {
		hc.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	hc.pending[id] = ch
	hc.mu.Unlock()
	defer func() {
		hc.mu.Lock()
		delete(hc.pending, id)
		hc.mu.Unlock()
	}()

	if args == nil {
		args = []interface{}{}
	}
	rec, err := encodeRecord(invocationMessage{Type: hubInvocation, InvocationID: id, Target: target, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := hc.conn.Write(ctx, rec); err != nil {
		return nil, &ConnectionError{Op: "invoke " + target, Err: err}
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if msg.Error != "" {
			return nil, &HubError{Target: target, Message: msg.Error}
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, &ConnectionError{Op: "invoke " + target, Err: ctx.Err()}
	}
}

func (hc *hubConnection) complete(msg hubMessage) {
	hc.mu.Lock()
	ch, ok := hc.pending[msg.InvocationID]
	if ok {
		delete(hc.pending, msg.InvocationID)
	}
	hc.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// shutdown stops the connection's goroutines, closes the transport and
// fails every pending invocation. It is safe to call more than once.
func (hc *hubConnection) shutdown(reason string) {
	hc.once.Do(func() {
		hc.cancel()
		_ = hc.conn.Close(reason)

		hc.mu.Lock()
		hc.closed = true
		for id, ch := range hc.pending {
			close(ch)
			delete(hc.pending, id)
		}
		hc.mu.Unlock()
	})
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single hub connection of a client session. It
// connects on demand, reconnects automatically after unexpected closes, and
// dispatches inbound hub events. Every received message is written to the
// cache and acknowledged back to the hub before handlers see it.
type ConnectionManager struct {
	transport    Transport
	tokens       TokenSource
	cache        *LocalMessageCache
	connectionID string
	config       RealtimeConfig
	logger       *zap.Logger
	metrics      *Metrics
	dispatcher   *eventDispatcher
	group        singleflight.Group
	acks         sync.WaitGroup

	mu              sync.Mutex
	state           ConnectionState
	current         *hubConnection
	epoch           uint64
	recon           *reconnector
	reconnectCancel context.CancelFunc
}

type ManagerOption func(*ConnectionManager)

func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = logger }
}

func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// WithManagerCache sets the cache inbound messages and delivery updates are
// written to. The cache also supplies the persisted connection identifier.
func WithManagerCache(cache *LocalMessageCache) ManagerOption {
	return func(m *ConnectionManager) { m.cache = cache }
}

func WithRealtimeConfig(cfg RealtimeConfig) ManagerOption {
	return func(m *ConnectionManager) { m.config = cfg }
}

// WithConnectionID overrides the per-device connection identifier.
func WithConnectionID(id string) ManagerOption {
	return func(m *ConnectionManager) { m.connectionID = id }
}

// NewConnectionManager creates a disconnected manager. tokens is read on
// every connect attempt.
func NewConnectionManager(transport Transport, tokens TokenSource, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		transport: transport,
		tokens:    tokens,
		logger:    zap.NewNop(),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.defaults()
	m.logger = m.logger.Named("realtime")
	m.dispatcher = newEventDispatcher(m.logger)
	m.recon = &reconnector{delays: m.config.ReconnectDelays, forever: m.config.RetryForever}
	m.metrics.setState(StateDisconnected)
	return m
}

// ── Handlers ─────────────────────────────────────────────

// OnMessageReceived registers a handler for ReceiveMessage events. The
// message is already cached when the handler runs. Handlers must not wait on
// hub invocations; start a goroutine for that.
func (m *ConnectionManager) OnMessageReceived(h func(Message)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onMessage = append(m.dispatcher.onMessage, h)
	m.dispatcher.mu.Unlock()
}

// OnMessageDelivered registers a handler for MessageDelivered events.
func (m *ConnectionManager) OnMessageDelivered(h func(messageID ID)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onDelivered = append(m.dispatcher.onDelivered, h)
	m.dispatcher.mu.Unlock()
}

func (m *ConnectionManager) OnUserConnected(h func(userID string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onUserConnected = append(m.dispatcher.onUserConnected, h)
	m.dispatcher.mu.Unlock()
}

func (m *ConnectionManager) OnUserDisconnected(h func(userID string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onUserDisconnected = append(m.dispatcher.onUserDisconnected, h)
	m.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler called after every state transition.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onState = append(m.dispatcher.onState, h)
	m.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (m *ConnectionManager) OnReconnecting(h func(attempt int, delay time.Duration)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onReconnecting = append(m.dispatcher.onReconnecting, h)
	m.dispatcher.mu.Unlock()
}

// On registers a raw handler for any hub invocation target.
func (m *ConnectionManager) On(target string, h HubEventHandler) {
	m.dispatcher.mu.Lock()
	m.dispatcher.generic[target] = append(m.dispatcher.generic[target], h)
	m.dispatcher.mu.Unlock()
}

// ── Lifecycle ────────────────────────────────────────────

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the hub connection. It returns immediately when
// already connected, and concurrent callers share one in-flight attempt.
// Cancelling ctx abandons the wait but not the shared attempt, which is
// bounded by HandshakeTimeout.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.current != nil && m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	// Attempts are shared per epoch: a Connect after Disconnect never joins
	// a dial that Disconnect has already abandoned.
	key := "connect-" + strconv.FormatUint(epoch, 10)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return nil, m.dial(context.WithoutCancel(ctx), epoch)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) dial(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrConnectionClosed}
	}
	if m.current != nil && m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	stale := m.current
	m.current = nil
	reconnecting := m.reconnectCancel != nil
	m.mu.Unlock()

	if stale != nil {
		stale.shutdown("replaced")
	}

	token, err := resolveToken(m.tokens, time.Now())
	if err != nil {
		m.dialFailed(epoch, reconnecting)
		return err
	}
	if !reconnecting {
		m.transition(epoch, StateConnecting)
	}

	connID := m.connectionID
	if connID == "" && m.cache != nil {
		connID = m.cache.ConnectionID()
	}

	hctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	conn, err := m.transport.Dial(hctx, token, connID)
	if err != nil {
		m.dialFailed(epoch, reconnecting)
		return &ConnectionError{Op: "dial", Err: err}
	}
	leftover, err := m.handshake(hctx, conn)
	if err != nil {
		_ = conn.Close("handshake failed")
		m.dialFailed(epoch, reconnecting)
		return &ConnectionError{Op: "handshake", Err: err}
	}

	runCtx, stop := context.WithCancel(context.Background())
	hc := newHubConnection(conn, stop)

	m.mu.Lock()
	if m.epoch != epoch {
		// Disconnect was called while dialing.
		m.mu.Unlock()
		hc.shutdown("client disconnect")
		return &ConnectionError{Op: "connect", Err: ErrConnectionClosed}
	}
	m.current = hc
	m.state = StateConnected
	m.recon.reset()
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.mu.Unlock()
	m.stateChanged(StateConnected)

	m.logger.Info("hub connected", zap.String("connection_id", connID))

	go m.readLoop(runCtx, hc, leftover)
	go m.keepAlive(runCtx, hc)
	return nil
}

func (m *ConnectionManager) handshake(ctx context.Context, conn HubConn) ([][]byte, error) {
	if err := conn.Write(ctx, handshakeRecord()); err != nil {
		return nil, err
	}
	data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return parseHandshake(data)
}

func (m *ConnectionManager) dialFailed(epoch uint64, reconnecting bool) {
	if reconnecting {
		return
	}
	m.transition(epoch, StateError)
}

// transition sets the state unless Disconnect has run since epoch was read.
func (m *ConnectionManager) transition(epoch uint64, s ConnectionState) {
	m.mu.Lock()
	if m.epoch != epoch || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.stateChanged(s)
}

func (m *ConnectionManager) stateChanged(s ConnectionState) {
	m.metrics.setState(s)
	m.dispatcher.emitState(s)
}

// Disconnect closes the connection and stops any reconnection in progress.
// It is a no-op when already disconnected.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.epoch++
	hc := m.current
	m.current = nil
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	m.recon.reset()
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if hc != nil {
		hc.shutdown("client disconnect")
	}
	if changed {
		m.stateChanged(StateDisconnected)
		m.logger.Info("hub disconnected")
	}
	return nil
}

// Wait blocks until background delivery acknowledgements have finished.
func (m *ConnectionManager) Wait() {
	m.acks.Wait()
}

// ── Invocations ──────────────────────────────────────────

// Invoke calls a hub method and waits for its completion.
func (m *ConnectionManager) Invoke(ctx context.Context, target string, args ...interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	hc := m.current
	if m.state != StateConnected {
		hc = nil
	}
	m.mu.Unlock()
	if hc == nil {
		return nil, ErrNotConnected
	}
	return hc.invoke(ctx, m.config.InvokeTimeout, target, args)
}

// SendMessage invokes the hub's SendMessage method.
func (m *ConnectionManager) SendMessage(ctx context.Context, conversationID ID, receiverID, content string) error {
	_, err := m.Invoke(ctx, methodSendMessage, conversationID, receiverID, content)
	return err
}

// MarkMessageAsDelivered acknowledges receipt of a message to the hub.
func (m *ConnectionManager) MarkMessageAsDelivered(ctx context.Context, messageID ID) error {
	_, err := m.Invoke(ctx, methodMarkAsDelivered, messageID)
	return err
}

// ── Connection goroutines ────────────────────────────────

func (m *ConnectionManager) readLoop(ctx context.Context, hc *hubConnection, leftover [][]byte) {
	for _, rec := range leftover {
		if closing := m.handleRecord(hc, rec); closing != nil {
			m.connectionLost(hc, &HubError{Target: "close", Message: closing.Error}, closing.AllowReconnect)
			return
		}
	}
	for {
		rctx, cancel := context.WithTimeout(ctx, m.config.ServerTimeout)
		data, err := hc.conn.Read(rctx)
		cancel()
		if err != nil {
			m.connectionLost(hc, err, true)
			return
		}
		for _, rec := range splitRecords(data) {
			if closing := m.handleRecord(hc, rec); closing != nil {
				m.connectionLost(hc, &HubError{Target: "close", Message: closing.Error}, closing.AllowReconnect)
				return
			}
		}
	}
}

func (m *ConnectionManager) keepAlive(ctx context.Context, hc *hubConnection) {
	ticker := time.NewTicker(m.config.KeepAliveInterval)
	defer ticker.Stop()

	ping, _ := encodeRecord(pingMessage{Type: hubPing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, m.config.KeepAliveInterval)
			err := hc.conn.Write(wctx, ping)
			cancel()
			if err != nil {
				// The read loop notices the broken connection.
				m.logger.Debug("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}

// connectionLost handles the end of hc. A connection that is no longer
// current was closed on purpose and is ignored.
func (m *ConnectionManager) connectionLost(hc *hubConnection, cause error, allowReconnect bool) {
	m.mu.Lock()
	if m.current != hc {
		m.mu.Unlock()
		hc.shutdown("closed")
		return
	}
	m.current = nil
	epoch := m.epoch
	m.mu.Unlock()
	hc.shutdown("connection lost")

	m.logger.Warn("hub connection lost", zap.Error(cause), zap.Bool("allow_reconnect", allowReconnect))

	if m.config.DisableReconnect || !allowReconnect {
		m.transition(epoch, StateDisconnected)
		return
	}
	m.startReconnect(epoch)
}

func (m *ConnectionManager) startReconnect(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.reconnectCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.state = StateReconnecting
	m.mu.Unlock()
	m.stateChanged(StateReconnecting)

	go m.reconnectLoop(ctx)
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		delay, ok := m.recon.next()
		attempt := m.recon.attempt
		m.mu.Unlock()

		if !ok {
			m.logger.Warn("hub reconnect attempts exhausted", zap.Int("attempts", attempt))
			m.mu.Lock()
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			m.reconnectCancel()
			m.reconnectCancel = nil
			m.recon.reset()
			m.state = StateDisconnected
			m.mu.Unlock()
			m.stateChanged(StateDisconnected)
			return
		}

		m.metrics.recordReconnect()
		m.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.Connect(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		m.logger.Warn("hub reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// ── Inbound dispatch ─────────────────────────────────────

// handleRecord processes one inbound record and returns it when it is a
// Close message.
func (m *ConnectionManager) handleRecord(hc *hubConnection, rec []byte) *hubMessage {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		m.logger.Warn("malformed hub record", zap.Error(err))
		return nil
	}
	switch msg.Type {
	case hubInvocation:
		m.metrics.recordHubEvent(msg.Target)
		m.handleInvocation(hc, msg)
	case hubCompletion:
		hc.complete(msg)
	case hubPing:
	case hubClose:
		return &msg
	default:
		m.logger.Debug("ignoring hub message", zap.Int("type", msg.Type))
	}
	return nil
}

func (m *ConnectionManager) handleInvocation(hc *hubConnection, msg hubMessage) {
	var arg json.RawMessage
	if len(msg.Arguments) > 0 {
		arg = msg.Arguments[0]
	}

	switch msg.Target {
	case eventReceiveMessage:
		var in Message
		if err := json.Unmarshal(arg, &in); err != nil {
			m.logger.Warn("malformed ReceiveMessage", zap.Error(err))
			break
		}
		m.messageReceived(hc, in)
	case eventMessageDelivered:
		id := decodeMessageRef(arg)
		if id == "" {
			m.logger.Warn("malformed MessageDelivered", zap.ByteString("argument", arg))
			break
		}
		if m.cache != nil {
			m.cache.MarkDelivered(id)
		}
		m.dispatcher.emitDelivered(id)
	case eventUserConnected, eventUserDisconnected:
		if userID := decodeUserRef(arg); userID != "" {
			m.dispatcher.emitPresence(msg.Target, userID)
		}
	}

	m.dispatcher.emitGeneric(msg.Target, msg.Arguments)
}

// messageReceived caches msg, acknowledges it and notifies handlers. Own
// messages and messages already delivered are not acknowledged.
func (m *ConnectionManager) messageReceived(hc *hubConnection, msg Message) {
	if m.cache != nil {
		m.cache.PutMessage(msg)
	}
	if msg.ID != "" && !msg.IsDelivered {
		self := selfUserID(m.tokens)
		if self == "" || msg.SenderID != self {
			m.spawnAck(hc, msg.ID)
		}
	}
	m.dispatcher.emitMessage(msg)
}

// spawnAck starts a delivery acknowledgement while hc is the current
// connection. acks.Add runs under m.mu, so none can follow Disconnect.
func (m *ConnectionManager) spawnAck(hc *hubConnection, id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != hc || hc == nil {
		m.logger.Debug("connection closed, skipping delivery acknowledgement", zap.String("message_id", string(id)))
		return
	}
	m.acks.Add(1)
	go m.ackDelivered(id)
}

// ackDelivered runs off the read goroutine, which must stay free to read
// the completion of the acknowledgement.
func (m *ConnectionManager) ackDelivered(id ID) {
	defer m.acks.Done()
	ctx, cancel := context.WithTimeout(context.Background(), m.config.InvokeTimeout)
	defer cancel()
	if err := m.MarkMessageAsDelivered(ctx, id); err != nil {
		m.logger.Warn("delivery acknowledgement failed", zap.String("message_id", string(id)), zap.Error(err))
	}
}

// decodeMessageRef reads a MessageDelivered argument: a bare id or a message.
func decodeMessageRef(raw json.RawMessage) ID {
	if len(raw) == 0 {
		return ""
	}
	var id ID
	if json.Unmarshal(raw, &id) == nil && id != "" {
		return id
	}
	var obj struct {
		ID        ID `json:"id"`
		MessageID ID `json:"messageId"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.MessageID != "" {
			return obj.MessageID
		}
		return obj.ID
	}
	return ""
}
