package pawchat

import (
	"context"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

func TestChat(t *testing.T) {
	h := newFakeHub(t)
	h.mux.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":5,"participant1Id":"u1","participant2Id":"u2","unreadCount":0}]`))
	})
	h.mux.HandleFunc("/api/chat/conversations/5/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	store := NewMemoryStore()
	store.Set(TokenKey, signTestToken(t, jwt.MapClaims{"sub": "u1"}))

	chat := NewChat(NewClient(h.srv.URL), store, WithChatLogger(zaptest.NewLogger(t)))
	defer chat.Close()

	if err := chat.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if chat.State() != StateConnected {
		t.Fatalf("state = %s", chat.State())
	}
	if chat.SelfUserID() != "u1" {
		t.Errorf("self = %q", chat.SelfUserID())
	}
	convs := chat.Conversations().Conversations()
	if len(convs) != 1 || convs[0].ID != "5" {
		t.Fatalf("conversations = %+v", convs)
	}

	t.Run("presence", func(t *testing.T) {
		h.push(eventUserConnected, "u2")
		eventually(t, "u2 online", func() bool { return chat.IsOnline("u2") })
		if users := chat.OnlineUsers(); len(users) != 1 || users[0] != "u2" {
			t.Errorf("online = %v", users)
		}
	})

	t.Run("inbound message raises unread", func(t *testing.T) {
		h.push(eventReceiveMessage, map[string]interface{}{
			"id": 50, "conversationId": 5, "senderId": "u2", "receiverId": "u1",
			"content": "is Biscuit still available?", "sentAt": "2024-03-01T10:00:00Z",
		})
		eventually(t, "unread count", func() bool { return chat.Conversations().TotalUnread() == 1 })
		h.nextInvocation(methodMarkAsDelivered)
		if got := chat.Cache().GetMessages("5"); len(got) != 1 {
			t.Errorf("cached = %+v", got)
		}
	})

	t.Run("send over hub", func(t *testing.T) {
		chat.Conversations().SelectConversation(context.Background(), "5")
		msg := chat.SendMessage(context.Background(), "5", "u2", "yes!")
		if msg.Failed || !msg.ID.IsLocal() || msg.SenderID != "u1" {
			t.Errorf("msg = %+v", msg)
		}
		inv := h.nextInvocation(methodSendMessage)
		if string(inv.Arguments[2]) != `"yes!"` {
			t.Errorf("arguments = %s", inv.Arguments)
		}
		msgs := chat.Conversations().Messages()
		if len(msgs) != 2 || msgs[1].Content != "yes!" {
			t.Errorf("active messages = %+v", msgs)
		}
	})

	t.Run("close", func(t *testing.T) {
		if err := chat.Close(); err != nil {
			t.Fatal(err)
		}
		if chat.State() != StateDisconnected || len(chat.OnlineUsers()) != 0 {
			t.Errorf("state = %s, online = %v", chat.State(), chat.OnlineUsers())
		}
	})
}
