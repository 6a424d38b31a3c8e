package pawchat

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Chat wires the REST client, the hub connection, the local cache, the
// send dispatcher and the conversation list around one Store. All of them
// share a single ConnectionManager.
type Chat struct {
	client        *Client
	cache         *LocalMessageCache
	manager       *ConnectionManager
	dispatcher    *MessageDispatcher
	conversations *ConversationStore
	logger        *zap.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

type chatOptions struct {
	transport Transport
	realtime  RealtimeConfig
	policy    CachePolicy
	logger    *zap.Logger
	metrics   *Metrics
}

type ChatOption func(*chatOptions)

// WithTransport replaces the default WebSocket transport.
func WithTransport(t Transport) ChatOption {
	return func(o *chatOptions) { o.transport = t }
}

func WithChatRealtimeConfig(cfg RealtimeConfig) ChatOption {
	return func(o *chatOptions) { o.realtime = cfg }
}

func WithChatCachePolicy(p CachePolicy) ChatOption {
	return func(o *chatOptions) { o.policy = p }
}

func WithChatLogger(logger *zap.Logger) ChatOption {
	return func(o *chatOptions) { o.logger = logger }
}

func WithChatMetrics(m *Metrics) ChatOption {
	return func(o *chatOptions) { o.metrics = m }
}

// NewChat builds a chat session over client and store. When client has no
// token source it is pointed at the token persisted in store.
func NewChat(client *Client, store Store, opts ...ChatOption) *Chat {
	o := chatOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if client.tokens == nil {
		client.tokens = StoreTokenSource(store)
	}
	if o.transport == nil {
		o.transport = NewWebSocketTransport(client.BaseURL())
	}
	tokens := client.TokenSource()

	cache := NewLocalMessageCache(store,
		WithCachePolicy(o.policy),
		WithCacheLogger(o.logger.Named("cache")))
	manager := NewConnectionManager(o.transport, tokens,
		WithManagerCache(cache),
		WithRealtimeConfig(o.realtime),
		WithManagerLogger(o.logger),
		WithManagerMetrics(o.metrics))
	dispatcher := NewMessageDispatcher(manager, client, cache,
		WithSenderID(func() string { return selfUserID(tokens) }),
		WithDispatcherLogger(o.logger.Named("dispatcher")),
		WithDispatcherMetrics(o.metrics))
	conversations := NewConversationStore(client, cache,
		WithConversationLogger(o.logger.Named("conversations")))

	c := &Chat{
		client:        client,
		cache:         cache,
		manager:       manager,
		dispatcher:    dispatcher,
		conversations: conversations,
		logger:        o.logger,
		online:        make(map[string]struct{}),
	}

	manager.OnMessageReceived(conversations.HandleMessageReceived)
	manager.OnMessageDelivered(conversations.HandleMessageDelivered)
	manager.OnUserConnected(c.userConnected)
	manager.OnUserDisconnected(c.userDisconnected)
	manager.OnStateChange(func(s ConnectionState) {
		if s != StateConnected {
			c.clearOnline()
		}
	})
	return c
}

// Start loads the conversation list and connects to the hub. The list is
// loaded even when the connection fails; the connect error is returned.
func (c *Chat) Start(ctx context.Context) error {
	c.conversations.LoadConversations(ctx)
	return c.manager.Connect(ctx)
}

// Close disconnects from the hub and waits for pending acknowledgements.
func (c *Chat) Close() error {
	err := c.manager.Disconnect()
	c.manager.Wait()
	return err
}

// SendMessage dispatches a message and reflects it in the conversation
// list. It never fails; see MessageDispatcher.SendMessage.
func (c *Chat) SendMessage(ctx context.Context, conversationID ID, receiverID, content string) Message {
	msg := c.dispatcher.SendMessage(ctx, conversationID, receiverID, content)
	c.conversations.HandleMessageSent(msg)
	return msg
}

func (c *Chat) Client() *Client                   { return c.client }
func (c *Chat) Cache() *LocalMessageCache         { return c.cache }
func (c *Chat) Connection() *ConnectionManager    { return c.manager }
func (c *Chat) Dispatcher() *MessageDispatcher    { return c.dispatcher }
func (c *Chat) Conversations() *ConversationStore { return c.conversations }
func (c *Chat) State() ConnectionState            { return c.manager.State() }
func (c *Chat) Connect(ctx context.Context) error { return c.manager.Connect(ctx) }
func (c *Chat) SelfUserID() string                { return selfUserID(c.client.TokenSource()) }

// ── Presence ─────────────────────────────────────────────

// OnlineUsers returns the users the hub reported online since the current
// connection was established, sorted.
func (c *Chat) OnlineUsers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID is currently online.
func (c *Chat) IsOnline(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.online[userID]
	return ok
}

func (c *Chat) userConnected(userID string) {
	c.mu.Lock()
	c.online[userID] = struct{}{}
	c.mu.Unlock()
	c.logger.Debug("user online", zap.String("user_id", userID))
}

func (c *Chat) userDisconnected(userID string) {
	c.mu.Lock()
	delete(c.online, userID)
	c.mu.Unlock()
	c.logger.Debug("user offline", zap.String("user_id", userID))
}

func (c *Chat) clearOnline() {
	c.mu.Lock()
	c.online = make(map[string]struct{})
	c.mu.Unlock()
}
