package pawchat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// HubConn is one physical duplex connection to the hub.
type HubConn interface {
	// Read blocks for the next transport message.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one transport message. It may be called concurrently.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down.
	Close(reason string) error
}

// Transport opens hub connections. token is read fresh for every dial;
// connectionID is the persisted per-device identifier.
type Transport interface {
	Dial(ctx context.Context, token, connectionID string) (HubConn, error)
}

// ============================================================================
// WebSocket transport
// ============================================================================

const (
	DefaultHubPath     = "/chatHub"
	defaultWSReadLimit = 1 << 20
	connectionIDHeader = "X-Connection-Id"
)

// WebSocketTransport dials the hub over WebSocket.
type WebSocketTransport struct {
	BaseURL    string
	HubPath    string
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewWebSocketTransport creates a transport for the hub under baseURL.
func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{BaseURL: strings.TrimRight(baseURL, "/"), HubPath: DefaultHubPath}
}

// HubURL returns the ws(s) URL of the hub, with the access token as the
// access_token query parameter when token is non-empty.
func (t *WebSocketTransport) HubURL(token string) string {
	base := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	path := t.HubPath
	if path == "" {
		path = DefaultHubPath
	}
	u := base + path
	if token != "" {
		u += "?access_token=" + url.QueryEscape(token)
	}
	return u
}

func (t *WebSocketTransport) Dial(ctx context.Context, token, connectionID string) (HubConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if connectionID != "" {
		header.Set(connectionIDHeader, connectionID)
	}

	conn, _, err := websocket.Dial(ctx, t.HubURL(token), &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultWSReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
