package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pawhaven/pawchat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON   bool
	conversationsUnread bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool

	// listen
	listenJSON        bool
	listenMetricsAddr string
)

func init() {
	rootCmd.AddCommand(conversationsCmd, messagesCmd, openCmd, sendCmd, listenCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the newest N messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print events as JSON lines")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, newest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.close()

		convs := s.chat.Conversations().LoadConversations(ctx)
		if conversationsUnread {
			filtered := convs[:0:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		self := s.chat.SelfUserID()
		for _, c := range convs {
			preview := ""
			var at time.Time
			if c.LastMessage != nil {
				preview = c.LastMessage.Content
				at = c.LastMessage.SentAt
			}
			if len(preview) > 48 {
				preview = preview[:45] + "..."
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-8s %-24s %s  %s%s\n", c.ID, c.OtherParticipant(self), formatTime(at), preview, unread)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.close()

		store := s.chat.Conversations()
		store.LoadConversations(ctx)
		msgs := store.SelectConversation(ctx, pawchat.ID(args[0]))
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		self := s.chat.SelfUserID()
		for _, m := range msgs {
			who := m.SenderID
			if who == self {
				who = "me"
			}
			fmt.Printf("[%s] %s: %s  (%s)\n", formatTime(m.SentAt), who, m.Content, m.Status())
		}
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <receiver-id>",
	Short: "Open (or create) a conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.close()

		conv, err := s.chat.Conversations().CreateConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.OtherParticipant(s.chat.SelfUserID()))
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <receiver-id> <message>",
	Short: "Send a message",
	Long:  "Send a message over the hub, falling back to the REST API when the hub is unreachable.",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.close()

		content := strings.Join(args[2:], " ")
		msg := s.chat.SendMessage(ctx, pawchat.ID(args[0]), args[1], content)
		if sendJSON {
			if err := printJSON(msg); err != nil {
				return err
			}
		} else {
			fmt.Printf("Message %s: %s\n", msg.ID, msg.Status())
		}
		if msg.Failed {
			return errors.New("message could not be sent; it is kept locally as failed")
		}
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

// listenEvent is the --json line format of listen.
type listenEvent struct {
	Event   string           `json:"event"`
	At      time.Time        `json:"at"`
	Message *pawchat.Message `json:"message,omitempty"`
	ID      pawchat.ID       `json:"id,omitempty"`
	UserID  string           `json:"userId,omitempty"`
	State   string           `json:"state,omitempty"`
	Attempt int              `json:"attempt,omitempty"`
	Delay   string           `json:"delay,omitempty"`
}

// eventPrinter serializes output from hub callbacks.
type eventPrinter struct {
	mu   sync.Mutex
	json bool
}

func (p *eventPrinter) print(ev listenEvent, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		ev.At = time.Now().UTC()
		b, _ := json.Marshal(ev)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), text)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and print live chat events",
	Long:  "Connect to the hub and print incoming messages, delivery receipts, presence and connection state until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *pawchat.Metrics
		if listenMetricsAddr != "" {
			metrics = pawchat.NewMetrics(prometheus.DefaultRegisterer)
		}
		s, err := openSession(ctx, metrics)
		if err != nil {
			return err
		}
		defer s.close()

		if listenMetricsAddr != "" {
			srv := &http.Server{Addr: listenMetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			s.logger.Info("serving metrics", zap.String("addr", listenMetricsAddr))
		}

		out := &eventPrinter{json: listenJSON}
		conn := s.chat.Connection()
		conn.OnMessageReceived(func(m pawchat.Message) {
			out.print(listenEvent{Event: "message", Message: &m},
				fmt.Sprintf("message %s in %s from %s: %s", m.ID, m.ConversationID, m.SenderID, m.Content))
		})
		conn.OnMessageDelivered(func(id pawchat.ID) {
			out.print(listenEvent{Event: "delivered", ID: id}, fmt.Sprintf("delivered %s", id))
		})
		conn.OnUserConnected(func(userID string) {
			out.print(listenEvent{Event: "online", UserID: userID}, fmt.Sprintf("%s is online", userID))
		})
		conn.OnUserDisconnected(func(userID string) {
			out.print(listenEvent{Event: "offline", UserID: userID}, fmt.Sprintf("%s went offline", userID))
		})
		conn.OnStateChange(func(state pawchat.ConnectionState) {
			out.print(listenEvent{Event: "state", State: string(state)}, fmt.Sprintf("connection %s", state))
		})
		conn.OnReconnecting(func(attempt int, delay time.Duration) {
			out.print(listenEvent{Event: "reconnecting", Attempt: attempt, Delay: delay.String()},
				fmt.Sprintf("reconnect attempt %d in %s", attempt, delay))
		})

		if err := s.chat.Start(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if !listenJSON {
			fmt.Printf("Listening as %s, %d unread. Press Ctrl+C to stop.\n",
				valueOrDefault(s.chat.SelfUserID(), "(unknown)"), s.chat.Conversations().TotalUnread())
		}

		<-ctx.Done()
		return nil
	},
}
