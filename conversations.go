package pawchat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationAPI is the part of the REST API the conversation list needs.
// *Client implements it.
type ConversationAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID ID) ([]Message, error)
	CreateConversation(ctx context.Context, receiverID string) (*Conversation, error)
}

// ConversationStore holds the conversation list, the active conversation
// and its messages. Reads degrade to the cache and never return errors.
type ConversationStore struct {
	api    ConversationAPI
	cache  *LocalMessageCache
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations []Conversation
	active        ID
	messages      []Message
	loading       bool
	generation    uint64
	onChange      []func()
}

type ConversationStoreOption func(*ConversationStore)

func WithConversationLogger(logger *zap.Logger) ConversationStoreOption {
	return func(s *ConversationStore) { s.logger = logger }
}

// NewConversationStore creates an empty store. The cached list is visible
// immediately through Conversations.
func NewConversationStore(api ConversationAPI, cache *LocalMessageCache, opts ...ConversationStoreOption) *ConversationStore {
	s := &ConversationStore{
		api:    api,
		cache:  cache,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.conversations = cache.GetConversations()
	return s
}

// OnChange registers a handler called after the list, the selection or the
// active messages change.
func (s *ConversationStore) OnChange(h func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, h)
	s.mu.Unlock()
}

func (s *ConversationStore) notify() {
	s.mu.Lock()
	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ── Accessors ────────────────────────────────────────────

// Conversations returns a copy of the current list.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation{}, s.conversations...)
}

// Messages returns a copy of the active conversation's messages.
func (s *ConversationStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message{}, s.messages...)
}

// Active returns the selected conversation id.
func (s *ConversationStore) Active() (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// Loading reports whether the active conversation's messages are loading.
func (s *ConversationStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// TotalUnread sums the unread counters of every conversation.
func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conversations {
		n += c.UnreadCount
	}
	return n
}

// ── Loading ──────────────────────────────────────────────

// LoadConversations refreshes the list from the API. When the API fails or
// has nothing, the cached list is returned as it is; otherwise both lists
// are merged and the result is cached.
func (s *ConversationStore) LoadConversations(ctx context.Context) []Conversation {
	cached := s.cache.GetConversations()

	remote, err := s.api.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("list conversations failed, using cache", zap.Error(err))
	}

	list := cached
	if err == nil && len(remote) > 0 {
		list = mergeConversations(remote, cached)
		s.cache.PutConversations(list)
	}

	s.mu.Lock()
	s.conversations = append([]Conversation{}, list...)
	out := append([]Conversation{}, list...)
	s.mu.Unlock()

	s.notify()
	return out
}

// SelectConversation makes id active, clears its unread counter and loads
// its messages. When selections overlap, only the most recently issued one
// updates Messages.
func (s *ConversationStore) SelectConversation(ctx context.Context, id ID) []Message {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.active = id
	s.loading = true
	s.messages = nil
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations[i].UnreadCount = 0
		}
	}
	s.mu.Unlock()

	s.cache.SetUnread(id, 0)
	s.notify()

	return s.loadMessages(ctx, id, gen)
}

// LoadMessages reloads the active conversation's messages.
func (s *ConversationStore) LoadMessages(ctx context.Context) []Message {
	s.mu.Lock()
	id := s.active
	if id == "" {
		s.mu.Unlock()
		return []Message{}
	}
	s.generation++
	gen := s.generation
	s.loading = true
	s.mu.Unlock()

	return s.loadMessages(ctx, id, gen)
}

func (s *ConversationStore) loadMessages(ctx context.Context, id ID, gen uint64) []Message {
	remote, err := s.api.GetMessages(ctx, id)
	if err != nil {
		s.logger.Warn("load messages failed, using cache", zap.String("conversation_id", string(id)), zap.Error(err))
	} else {
		s.cache.PutMessages(id, remote)
	}
	msgs := s.cache.GetMessages(id)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("dropping stale message load", zap.String("conversation_id", string(id)))
		return msgs
	}
	s.messages = msgs
	s.loading = false
	s.mu.Unlock()

	s.notify()
	return append([]Message{}, msgs...)
}

// CreateConversation opens a conversation with receiverID, adds it to the
// list and selects it.
func (s *ConversationStore) CreateConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, receiverID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	replaced := false
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			s.conversations[i] = *conv
			replaced = true
		}
	}
	if !replaced {
		s.conversations = append([]Conversation{*conv}, s.conversations...)
	}
	list := append([]Conversation{}, s.conversations...)
	s.mu.Unlock()

	s.cache.PutConversations(list)
	s.SelectConversation(ctx, conv.ID)
	return conv, nil
}

// ── Inbound events ───────────────────────────────────────

// HandleMessageReceived applies an inbound message: appended to Messages
// when its conversation is active, otherwise counted as unread. Each call
// counts, including repeated deliveries of the same message.
func (s *ConversationStore) HandleMessageReceived(msg Message) {
	s.mu.Lock()
	unread := -1
	if msg.ConversationID == s.active {
		if !containsMessage(s.messages, msg.ID) {
			s.messages = insertOrdered(s.messages, msg)
		}
	}

	idx := s.indexOf(msg.ConversationID)
	if idx < 0 {
		s.conversations = append(s.conversations, Conversation{
			ID:             msg.ConversationID,
			Participant1ID: msg.SenderID,
			Participant2ID: msg.ReceiverID,
		})
		idx = len(s.conversations) - 1
	}
	conv := &s.conversations[idx]
	if conv.LastMessage == nil || !conv.LastMessage.SentAt.After(msg.SentAt) {
		conv.LastMessage = lastMessageOf(msg)
	}
	if msg.ConversationID != s.active {
		conv.UnreadCount++
		unread = conv.UnreadCount
	}
	sortConversations(s.conversations)
	s.mu.Unlock()

	if unread >= 0 {
		s.cache.SetUnread(msg.ConversationID, unread)
	}
	s.notify()
}

// HandleMessageDelivered marks a message of the active conversation delivered.
func (s *ConversationStore) HandleMessageDelivered(messageID ID) {
	s.mu.Lock()
	changed := false
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			changed = s.messages[i].markDelivered(s.now())
			break
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// HandleMessageSent refreshes state after an outbound send. The active
// message list is re-read from the cache so that an optimistic entry that
// was reconciled with the server's copy appears only once.
func (s *ConversationStore) HandleMessageSent(msg Message) {
	fromCache := s.cache.GetMessages(msg.ConversationID)

	s.mu.Lock()
	if msg.ConversationID == s.active && !s.loading {
		s.messages = fromCache
	}
	if idx := s.indexOf(msg.ConversationID); idx >= 0 {
		conv := &s.conversations[idx]
		if conv.LastMessage == nil || !conv.LastMessage.SentAt.After(msg.SentAt) {
			conv.LastMessage = lastMessageOf(msg)
		}
		sortConversations(s.conversations)
	}
	s.mu.Unlock()

	s.notify()
}

func (s *ConversationStore) indexOf(id ID) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func containsMessage(msgs []Message, id ID) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ── Merge ────────────────────────────────────────────────

// mergeConversations unions the API and cached lists by id. For an id in
// both, the copy with the later activity wins (the API copy on a tie) and
// the unread counter comes from the API. The result is ordered by activity,
// newest first.
func mergeConversations(remote, cached []Conversation) []Conversation {
	byID := make(map[ID]int, len(remote)+len(cached))
	out := make([]Conversation, 0, len(remote)+len(cached))
	for _, c := range remote {
		if i, ok := byID[c.ID]; ok {
			out[i] = c
			continue
		}
		byID[c.ID] = len(out)
		out = append(out, c)
	}
	for _, c := range cached {
		i, ok := byID[c.ID]
		if !ok {
			byID[c.ID] = len(out)
			out = append(out, c)
			continue
		}
		r := out[i]
		if !c.lastActivity().After(r.lastActivity()) {
			continue
		}
		merged := c
		merged.UnreadCount = r.UnreadCount
		if merged.Participant1ID == "" {
			merged.Participant1ID = r.Participant1ID
		}
		if merged.Participant2ID == "" {
			merged.Participant2ID = r.Participant2ID
		}
		out[i] = merged
	}
	sortConversations(out)
	return out
}

func sortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].lastActivity().After(list[j].lastActivity())
	})
}
