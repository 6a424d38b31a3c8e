package pawchat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Send paths, in the order they are tried.
const (
	PathRealtime = "realtime"
	PathREST     = "rest"
	PathLocal    = "local"
)

// LiveChannel is the realtime side of a send. *ConnectionManager implements it.
type LiveChannel interface {
	State() ConnectionState
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, conversationID ID, receiverID, content string) error
}

// MessageAPI is the request/response side of a send. *Client implements it.
type MessageAPI interface {
	SendMessage(ctx context.Context, conversationID ID, receiverID, content string) (*Message, error)
}

// MessageDispatcher delivers outbound messages over the live channel, then
// the REST API, and finally records a failed local placeholder. Every
// outcome is written to the cache before SendMessage returns.
type MessageDispatcher struct {
	live     LiveChannel
	api      MessageAPI
	cache    *LocalMessageCache
	senderID func() string
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type DispatcherOption func(*MessageDispatcher)

func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *MessageDispatcher) { d.logger = logger }
}

func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *MessageDispatcher) { d.metrics = metrics }
}

// WithSenderID sets how the local user's id is filled into optimistic messages.
func WithSenderID(fn func() string) DispatcherOption {
	return func(d *MessageDispatcher) { d.senderID = fn }
}

// NewMessageDispatcher creates a dispatcher. live or api may be nil to skip
// that path.
func NewMessageDispatcher(live LiveChannel, api MessageAPI, cache *LocalMessageCache, opts ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		live:     live,
		api:      api,
		cache:    cache,
		senderID: func() string { return "" },
		logger:   zap.NewNop(),
		tracer:   tracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendMessage sends content to receiverID in conversationID and returns the
// resulting message. It never fails: a message the server never accepted
// comes back with Failed set.
//
// A realtime send keeps the client-generated local id; the server's copy
// arrives later as a ReceiveMessage echo or on the next history load.
func (d *MessageDispatcher) SendMessage(ctx context.Context, conversationID ID, receiverID, content string) Message {
	ctx, span := d.tracer.Start(ctx, "pawchat.SendMessage",
		trace.WithAttributes(attribute.String("pawchat.conversation_id", string(conversationID))))
	defer span.End()

	msg := Message{
		ID:             ID(localIDPrefix + uuid.NewString()),
		ConversationID: conversationID,
		SenderID:       d.senderID(),
		ReceiverID:     receiverID,
		Content:        content,
		SentAt:         d.now().UTC(),
	}
	log := d.logger.With(
		zap.String("conversation_id", string(conversationID)),
		zap.String("message_id", string(msg.ID)),
	)

	if strings.TrimSpace(content) == "" {
		msg.Failed = true
		d.finish(span, PathLocal)
		log.Warn("refusing to send empty message")
		return msg
	}

	d.cache.PutMessage(msg)

	err := d.sendRealtime(ctx, conversationID, receiverID, content)
	if err == nil {
		d.finish(span, PathRealtime)
		return msg
	}
	log.Warn("realtime send failed, falling back to REST", zap.String("path", PathRealtime), zap.Error(err))

	sent, err := d.sendREST(ctx, conversationID, receiverID, content)
	if err == nil {
		if sent.ConversationID == "" {
			sent.ConversationID = conversationID
		}
		d.cache.ReplaceMessage(msg.ID, *sent)
		d.finish(span, PathREST)
		return *sent
	}
	log.Warn("REST send failed, keeping local copy", zap.String("path", PathREST), zap.Error(err))

	msg.Failed = true
	d.cache.ReplaceMessage(msg.ID, msg)
	d.finish(span, PathLocal)
	return msg
}

var errNoPath = errors.New("send path not configured")

func (d *MessageDispatcher) sendRealtime(ctx context.Context, conversationID ID, receiverID, content string) error {
	if d.live == nil {
		return errNoPath
	}
	if d.live.State() != StateConnected {
		if err := d.live.Connect(ctx); err != nil {
			return err
		}
	}
	return d.live.SendMessage(ctx, conversationID, receiverID, content)
}

func (d *MessageDispatcher) sendREST(ctx context.Context, conversationID ID, receiverID, content string) (*Message, error) {
	if d.api == nil {
		return nil, errNoPath
	}
	sent, err := d.api.SendMessage(ctx, conversationID, receiverID, content)
	if err != nil {
		return nil, err
	}
	if sent == nil || sent.ID == "" {
		return nil, errors.New("server returned no message id")
	}
	return sent, nil
}

func (d *MessageDispatcher) finish(span trace.Span, path string) {
	span.SetAttributes(attribute.String("pawchat.send_path", path))
	d.metrics.recordSend(path)
}
