// Package pawchat is the Go client for the PawHaven adoption chat service.
//
// It talks to the REST API under /api/chat and to the realtime hub at
// /chatHub, and mirrors conversations and messages into a device-local Store
// so that reads keep working when the network does not.
//
// Example:
//
//	store := pawchat.NewMemoryStore()
//	store.Set(pawchat.TokenKey, jwt)
//
//	client := pawchat.NewClient("https://pawhaven.example",
//		pawchat.WithTokenSource(pawchat.StoreTokenSource(store)))
//	chat := pawchat.NewChat(client, store)
//	defer chat.Close()
//
//	_ = chat.Start(ctx)
//	convs := chat.Conversations().LoadConversations(ctx)
//	msg := chat.SendMessage(ctx, convs[0].ID, "u2", "Is Biscuit still available?")
package pawchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 30 * time.Second
	apiBasePath    = "/api"
)

// ============================================================================
// Client
// ============================================================================

// Client calls the chat REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenSource sets where the bearer credential is read from.
func WithTokenSource(src TokenSource) ClientOption {
	return func(c *Client) { c.tokens = src }
}

// WithToken uses a fixed bearer credential.
func WithToken(token string) ClientOption {
	return WithTokenSource(StaticToken(token))
}

// WithRateLimit paces outbound REST calls to rps requests per second.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the service at baseURL (scheme and host,
// without the /api suffix).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
		tracer: tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// TokenSource returns the credential source shared with the hub connection.
func (c *Client) TokenSource() TokenSource { return c.tokens }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := resolveToken(c.tokens, time.Now())
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "pawchat.api "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("pawchat.path", path),
		))
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiBasePath+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.recordRequest(method, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.recordRequest(method, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return &RequestError{
			Method:     method,
			Path:       apiBasePath + path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// errorMessage extracts a human message from an error body. The backend
// returns either {"message": ...}, a problem-details {"title": ...}, or text.
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Title   string `json:"title"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Title != "":
			return body.Title
		case body.Error != "":
			return body.Error
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ============================================================================
// Chat API Methods
// ============================================================================

// ListConversations returns the current user's conversations. A 404 is
// treated as an empty list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.doRequest(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		if isNotFound(err) {
			return []Conversation{}, nil
		}
		return nil, err
	}
	if out == nil {
		out = []Conversation{}
	}
	return out, nil
}

// GetMessages returns the messages of a conversation, oldest first. A 404 is
// treated as an empty list.
func (c *Client) GetMessages(ctx context.Context, conversationID ID) ([]Message, error) {
	var out []Message
	path := "/chat/conversations/" + string(conversationID) + "/messages"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		if isNotFound(err) {
			return []Message{}, nil
		}
		return nil, err
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// CreateConversation opens a conversation with receiverID.
func (c *Client) CreateConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	var out Conversation
	if err := c.doRequest(ctx, http.MethodPost, "/chat/conversations", &createConversationRequest{ReceiverID: receiverID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message; the server assigns its id.
func (c *Client) SendMessage(ctx context.Context, conversationID ID, receiverID, content string) (*Message, error) {
	var out Message
	payload := &sendMessageRequest{ConversationID: conversationID, ReceiverID: receiverID, Content: content}
	if err := c.doRequest(ctx, http.MethodPost, "/chat/messages", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkDelivered flags a message as delivered.
func (c *Client) MarkDelivered(ctx context.Context, messageID ID) (*Message, error) {
	var out Message
	if err := c.doRequest(ctx, http.MethodPut, "/chat/messages/"+string(messageID)+"/delivered", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
