package pawchat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CachePolicy bounds per-conversation message lists. Zero values mean unbounded.
type CachePolicy struct {
	// MaxMessagesPerConversation keeps only the newest N messages.
	MaxMessagesPerConversation int
	// MaxAge drops messages sent longer ago than this.
	MaxAge time.Duration
}

// LocalMessageCache is the device-local mirror of conversations and
// messages. It is advisory only: reads never fail, and a corrupt or missing
// entry reads as empty.
type LocalMessageCache struct {
	store  Store
	policy CachePolicy
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

type CacheOption func(*LocalMessageCache)

func WithCachePolicy(p CachePolicy) CacheOption {
	return func(c *LocalMessageCache) { c.policy = p }
}

func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *LocalMessageCache) { c.logger = logger }
}

// NewLocalMessageCache creates a cache over store.
func NewLocalMessageCache(store Store, opts ...CacheOption) *LocalMessageCache {
	c := &LocalMessageCache{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── Messages ─────────────────────────────────────────────

// GetMessages returns the cached messages of a conversation, oldest first.
func (c *LocalMessageCache) GetMessages(conversationID ID) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readMessages(conversationID)
}

// PutMessage appends msg unless a message with the same id is already
// cached, and refreshes the owning conversation's lastMessage.
func (c *LocalMessageCache) PutMessage(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.readMessages(msg.ConversationID)
	for _, m := range msgs {
		if m.ID == msg.ID {
			return
		}
	}
	msgs = insertOrdered(msgs, msg)
	msgs = c.applyPolicy(msgs)
	c.writeMessages(msg.ConversationID, msgs)
	c.touchConversation(msg)
}

// PutMessages stores a batch, e.g. a history page fetched from the API.
func (c *LocalMessageCache) PutMessages(conversationID ID, batch []Message) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := mergeMessages(c.readMessages(conversationID), batch)
	msgs = c.applyPolicy(msgs)
	c.writeMessages(conversationID, msgs)
	if len(msgs) > 0 {
		c.touchConversation(msgs[len(msgs)-1])
	}
}

// ReplaceMessage swaps the message cached as oldID for msg, keeping a single
// entry. It is how an optimistic local message is reconciled with the
// server's copy. If oldID is not cached, msg is inserted.
func (c *LocalMessageCache) ReplaceMessage(oldID ID, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.readMessages(msg.ConversationID)
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID == oldID || m.ID == msg.ID {
			continue
		}
		out = append(out, m)
	}
	out = insertOrdered(out, msg)
	out = c.applyPolicy(out)
	c.writeMessages(msg.ConversationID, out)
	c.touchConversation(msg)
}

// MarkDelivered flags the message with id as delivered. It scans every
// cached conversation and is a no-op when the message is unknown or already
// delivered. The updated message is returned when a transition happened.
func (c *LocalMessageCache) MarkDelivered(messageID ID) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conv := range c.readConversations() {
		msgs := c.readMessages(conv.ID)
		for i := range msgs {
			if msgs[i].ID != messageID {
				continue
			}
			if !msgs[i].markDelivered(c.now()) {
				return Message{}, false
			}
			c.writeMessages(conv.ID, msgs)
			if i == len(msgs)-1 {
				c.touchConversation(msgs[i])
			}
			return msgs[i], true
		}
	}
	return Message{}, false
}

// ── Conversations ────────────────────────────────────────

// GetConversations returns the cached conversation list as stored.
func (c *LocalMessageCache) GetConversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readConversations()
}

// PutConversations replaces the cached list. Callers merge before writing.
func (c *LocalMessageCache) PutConversations(list []Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeConversations(list)
}

// SetUnread persists the unread counter of one conversation summary.
func (c *LocalMessageCache) SetUnread(conversationID ID, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	convs := c.readConversations()
	for i := range convs {
		if convs[i].ID == conversationID {
			if convs[i].UnreadCount == n {
				return
			}
			convs[i].UnreadCount = n
			c.writeConversations(convs)
			return
		}
	}
}

// ConnectionID returns the per-device connection identifier, generating and
// persisting it on first use.
func (c *LocalMessageCache) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok, err := c.store.Get(connectionIDKey); err == nil && ok && v != "" {
		return v
	} else if err != nil {
		c.logger.Warn("read connection id", zap.Error(err))
	}
	id := uuid.NewString()
	if err := c.store.Set(connectionIDKey, id); err != nil {
		c.logger.Warn("persist connection id", zap.Error(err))
	}
	return id
}

// ── Internals (c.mu held) ────────────────────────────────

func (c *LocalMessageCache) readMessages(conversationID ID) []Message {
	raw, ok, err := c.store.Get(messagesKey(conversationID))
	if err != nil {
		c.logger.Warn("read cached messages", zap.String("conversation_id", string(conversationID)), zap.Error(err))
		return []Message{}
	}
	if !ok || raw == "" {
		return []Message{}
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		c.logger.Warn("corrupt cached messages", zap.String("conversation_id", string(conversationID)), zap.Error(err))
		return []Message{}
	}
	return msgs
}

func (c *LocalMessageCache) writeMessages(conversationID ID, msgs []Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		c.logger.Warn("encode cached messages", zap.Error(err))
		return
	}
	if err := c.store.Set(messagesKey(conversationID), string(raw)); err != nil {
		c.logger.Warn("write cached messages", zap.String("conversation_id", string(conversationID)), zap.Error(err))
	}
}

func (c *LocalMessageCache) readConversations() []Conversation {
	raw, ok, err := c.store.Get(conversationsKey)
	if err != nil {
		c.logger.Warn("read cached conversations", zap.Error(err))
		return []Conversation{}
	}
	if !ok || raw == "" {
		return []Conversation{}
	}
	var convs []Conversation
	if err := json.Unmarshal([]byte(raw), &convs); err != nil {
		c.logger.Warn("corrupt cached conversations", zap.Error(err))
		return []Conversation{}
	}
	return convs
}

func (c *LocalMessageCache) writeConversations(convs []Conversation) {
	if convs == nil {
		convs = []Conversation{}
	}
	raw, err := json.Marshal(convs)
	if err != nil {
		c.logger.Warn("encode cached conversations", zap.Error(err))
		return
	}
	if err := c.store.Set(conversationsKey, string(raw)); err != nil {
		c.logger.Warn("write cached conversations", zap.Error(err))
	}
}

// touchConversation refreshes lastMessage on the owning summary, creating a
// minimal summary when the conversation is not cached yet.
func (c *LocalMessageCache) touchConversation(msg Message) {
	convs := c.readConversations()
	for i := range convs {
		if convs[i].ID != msg.ConversationID {
			continue
		}
		if convs[i].LastMessage != nil && convs[i].LastMessage.SentAt.After(msg.SentAt) {
			return
		}
		convs[i].LastMessage = lastMessageOf(msg)
		c.writeConversations(convs)
		return
	}
	convs = append(convs, Conversation{
		ID:             msg.ConversationID,
		Participant1ID: msg.SenderID,
		Participant2ID: msg.ReceiverID,
		LastMessage:    lastMessageOf(msg),
	})
	c.writeConversations(convs)
}

func (c *LocalMessageCache) applyPolicy(msgs []Message) []Message {
	if c.policy.MaxAge > 0 {
		cutoff := c.now().Add(-c.policy.MaxAge)
		i := 0
		for i < len(msgs) && msgs[i].SentAt.Before(cutoff) {
			i++
		}
		msgs = msgs[i:]
	}
	if limit := c.policy.MaxMessagesPerConversation; limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// insertOrdered inserts msg after every message sent at or before it.
func insertOrdered(msgs []Message, msg Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].SentAt.After(msg.SentAt) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	return msgs
}

// mergeMessages unions two lists by id, oldest first. For an id present in
// both, the delivered copy wins, otherwise the incoming one.
func mergeMessages(existing, incoming []Message) []Message {
	byID := make(map[ID]int, len(existing)+len(incoming))
	out := make([]Message, 0, len(existing)+len(incoming))
	for _, m := range existing {
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range incoming {
		if i, ok := byID[m.ID]; ok {
			if out[i].IsDelivered && !m.IsDelivered {
				continue
			}
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}
