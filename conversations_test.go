package pawchat

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type fakeConversationAPI struct {
	mu       sync.Mutex
	convs    []Conversation
	listErr  error
	messages map[ID][]Message
	getErr   error
	gates    map[ID]chan struct{}
	started  chan ID
	created  *Conversation
}

func (f *fakeConversationAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Conversation{}, f.convs...), nil
}

func (f *fakeConversationAPI) GetMessages(ctx context.Context, id ID) ([]Message, error) {
	f.mu.Lock()
	gate := f.gates[id]
	msgs := append([]Message{}, f.messages[id]...)
	err := f.getErr
	f.mu.Unlock()
	if f.started != nil {
		f.started <- id
	}
	if gate != nil {
		<-gate
	}
	return msgs, err
}

func (f *fakeConversationAPI) CreateConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	if f.created == nil {
		return nil, &RequestError{Method: "POST", Path: "/api/chat/conversations", StatusCode: 400}
	}
	c := *f.created
	return &c, nil
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func TestLoadConversations(t *testing.T) {
	cachedList := []Conversation{
		{ID: "1", Participant1ID: "u1", Participant2ID: "u2", UnreadCount: 1},
		{ID: "2", Participant1ID: "u1", Participant2ID: "u3"},
		{ID: "3", Participant1ID: "u1", Participant2ID: "u4", UnreadCount: 4},
	}

	t.Run("empty API result returns cache unchanged", func(t *testing.T) {
		cache := NewLocalMessageCache(NewMemoryStore())
		cache.PutConversations(cachedList)
		want := cache.GetConversations()

		s := NewConversationStore(&fakeConversationAPI{convs: []Conversation{}}, cache)
		got := s.LoadConversations(context.Background())
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v\nwant %+v", got, want)
		}
		if !reflect.DeepEqual(cache.GetConversations(), want) {
			t.Error("cache should be untouched")
		}
	})

	t.Run("API error returns cache", func(t *testing.T) {
		cache := NewLocalMessageCache(NewMemoryStore())
		cache.PutConversations(cachedList)
		s := NewConversationStore(&fakeConversationAPI{listErr: errors.New("offline")}, cache)
		if got := s.LoadConversations(context.Background()); len(got) != 3 {
			t.Errorf("got %d conversations", len(got))
		}
	})

	t.Run("merge by last activity", func(t *testing.T) {
		cache := NewLocalMessageCache(NewMemoryStore())
		cache.PutConversations([]Conversation{
			{ID: "1", LastMessage: &LastMessage{Content: "newer local", SentAt: at(30)}, UnreadCount: 9},
			{ID: "2", Participant1ID: "u1", Participant2ID: "u3", LastMessage: &LastMessage{Content: "cache only", SentAt: at(5)}},
		})
		api := &fakeConversationAPI{convs: []Conversation{
			{ID: "1", Participant1ID: "u1", Participant2ID: "u2", LastMessage: &LastMessage{Content: "older", SentAt: at(10)}, UnreadCount: 2},
			{ID: "4", Participant1ID: "u1", Participant2ID: "u5", LastMessage: &LastMessage{Content: "api only", SentAt: at(20)}},
		}}
		s := NewConversationStore(api, cache)

		got := s.LoadConversations(context.Background())
		if len(got) != 3 {
			t.Fatalf("got %d conversations: %+v", len(got), got)
		}
		if got[0].ID != "1" || got[1].ID != "4" || got[2].ID != "2" {
			t.Errorf("order = %s %s %s", got[0].ID, got[1].ID, got[2].ID)
		}
		c1 := got[0]
		if c1.LastMessage.Content != "newer local" || c1.UnreadCount != 2 || c1.Participant2ID != "u2" {
			t.Errorf("merged = %+v", c1)
		}
		if len(cache.GetConversations()) != 3 {
			t.Error("merged list should be cached")
		}
	})
}

func TestConversationUnread(t *testing.T) {
	newStore := func() (*ConversationStore, *LocalMessageCache) {
		cache := NewLocalMessageCache(NewMemoryStore())
		cache.PutConversations([]Conversation{
			{ID: "5", Participant1ID: "u1", Participant2ID: "u2"},
			{ID: "6", Participant1ID: "u1", Participant2ID: "u3"},
		})
		api := &fakeConversationAPI{messages: map[ID][]Message{}}
		return NewConversationStore(api, cache), cache
	}
	unread := func(s *ConversationStore, id ID) int {
		for _, c := range s.Conversations() {
			if c.ID == id {
				return c.UnreadCount
			}
		}
		return -1
	}

	t.Run("inactive conversation counts every delivery", func(t *testing.T) {
		s, cache := newStore()
		msg := Message{ID: "1", ConversationID: "5", SenderID: "u2", Content: "hi", SentAt: at(1)}
		s.HandleMessageReceived(msg)
		if got := unread(s, "5"); got != 1 {
			t.Fatalf("unread = %d, want 1", got)
		}
		s.HandleMessageReceived(msg)
		if got := unread(s, "5"); got != 2 {
			t.Fatalf("unread = %d, want 2", got)
		}
		for _, c := range cache.GetConversations() {
			if c.ID == "5" && c.UnreadCount != 2 {
				t.Errorf("cached unread = %d", c.UnreadCount)
			}
		}
		if s.TotalUnread() != 2 {
			t.Errorf("total = %d", s.TotalUnread())
		}
	})

	t.Run("select resets unread", func(t *testing.T) {
		s, cache := newStore()
		s.HandleMessageReceived(Message{ID: "1", ConversationID: "5", Content: "hi", SentAt: at(1)})
		s.SelectConversation(context.Background(), "5")
		if got := unread(s, "5"); got != 0 {
			t.Errorf("unread = %d", got)
		}
		for _, c := range cache.GetConversations() {
			if c.ID == "5" && c.UnreadCount != 0 {
				t.Errorf("cached unread = %d", c.UnreadCount)
			}
		}
		if id, ok := s.Active(); !ok || id != "5" {
			t.Errorf("active = %q", id)
		}
	})

	t.Run("active conversation appends", func(t *testing.T) {
		s, _ := newStore()
		s.SelectConversation(context.Background(), "5")
		msg := Message{ID: "1", ConversationID: "5", Content: "hi", SentAt: at(1)}
		s.HandleMessageReceived(msg)
		s.HandleMessageReceived(msg)
		if got := unread(s, "5"); got != 0 {
			t.Errorf("unread = %d", got)
		}
		if msgs := s.Messages(); len(msgs) != 1 {
			t.Errorf("messages = %d", len(msgs))
		}
		s.HandleMessageDelivered("1")
		if msgs := s.Messages(); !msgs[0].IsDelivered {
			t.Error("not delivered")
		}
	})

	t.Run("unknown conversation is added", func(t *testing.T) {
		s, _ := newStore()
		s.HandleMessageReceived(Message{ID: "1", ConversationID: "9", SenderID: "u7", ReceiverID: "u1", Content: "new", SentAt: at(2)})
		if got := unread(s, "9"); got != 1 {
			t.Errorf("unread = %d", got)
		}
		if s.Conversations()[0].ID != "9" {
			t.Error("newest conversation should sort first")
		}
	})
}

func TestSelectConversation(t *testing.T) {
	t.Run("loads and caches messages", func(t *testing.T) {
		cache := NewLocalMessageCache(NewMemoryStore())
		api := &fakeConversationAPI{messages: map[ID][]Message{
			"5": {{ID: "1", ConversationID: "5", Content: "a", SentAt: at(1)}, {ID: "2", ConversationID: "5", Content: "b", SentAt: at(2)}},
		}}
		s := NewConversationStore(api, cache)

		msgs := s.SelectConversation(context.Background(), "5")
		if len(msgs) != 2 || len(s.Messages()) != 2 {
			t.Fatalf("messages = %d / %d", len(msgs), len(s.Messages()))
		}
		if s.Loading() {
			t.Error("still loading")
		}
		if len(cache.GetMessages("5")) != 2 {
			t.Error("messages should be cached")
		}
	})

	t.Run("falls back to cache", func(t *testing.T) {
		cache := NewLocalMessageCache(NewMemoryStore())
		cache.PutMessage(Message{ID: "1", ConversationID: "5", Content: "cached", SentAt: at(1)})
		s := NewConversationStore(&fakeConversationAPI{getErr: errors.New("offline")}, cache)
		if msgs := s.SelectConversation(context.Background(), "5"); len(msgs) != 1 || msgs[0].Content != "cached" {
			t.Errorf("messages = %+v", msgs)
		}
	})

	t.Run("last issued selection wins", func(t *testing.T) {
		gate := make(chan struct{})
		api := &fakeConversationAPI{
			messages: map[ID][]Message{
				"1": {{ID: "10", ConversationID: "1", Content: "slow", SentAt: at(1)}},
				"2": {{ID: "20", ConversationID: "2", Content: "fast", SentAt: at(1)}},
			},
			gates:   map[ID]chan struct{}{"1": gate},
			started: make(chan ID, 2),
		}
		s := NewConversationStore(api, NewLocalMessageCache(NewMemoryStore()))

		done := make(chan struct{})
		go func() {
			s.SelectConversation(context.Background(), "1")
			close(done)
		}()
		<-api.started

		s.SelectConversation(context.Background(), "2")
		<-api.started
		close(gate)
		<-done

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].Content != "fast" {
			t.Errorf("messages = %+v", msgs)
		}
		if id, _ := s.Active(); id != "2" {
			t.Errorf("active = %s", id)
		}
	})
}

func TestCreateConversation(t *testing.T) {
	t.Run("adds and selects", func(t *testing.T) {
		cache := NewLocalMessageCache(NewMemoryStore())
		api := &fakeConversationAPI{created: &Conversation{ID: "8", Participant1ID: "u1", Participant2ID: "u2"}}
		s := NewConversationStore(api, cache)

		conv, err := s.CreateConversation(context.Background(), "u2")
		if err != nil {
			t.Fatal(err)
		}
		if conv.ID != "8" {
			t.Errorf("id = %s", conv.ID)
		}
		if id, _ := s.Active(); id != "8" {
			t.Errorf("active = %s", id)
		}
		if len(cache.GetConversations()) != 1 {
			t.Error("not cached")
		}
	})

	t.Run("error is returned", func(t *testing.T) {
		s := NewConversationStore(&fakeConversationAPI{}, NewLocalMessageCache(NewMemoryStore()))
		if _, err := s.CreateConversation(context.Background(), "u2"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestHandleMessageSent(t *testing.T) {
	cache := NewLocalMessageCache(NewMemoryStore())
	cache.PutConversations([]Conversation{{ID: "5"}})
	s := NewConversationStore(&fakeConversationAPI{}, cache)
	s.SelectConversation(context.Background(), "5")

	local := Message{ID: "local-1", ConversationID: "5", Content: "hi", SentAt: at(3)}
	cache.PutMessage(local)
	server := local
	server.ID = "77"
	cache.ReplaceMessage(local.ID, server)
	s.HandleMessageSent(server)

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "77" {
		t.Errorf("messages = %+v", msgs)
	}
	if lm := s.Conversations()[0].LastMessage; lm == nil || lm.Content != "hi" {
		t.Errorf("lastMessage = %+v", lm)
	}
}
