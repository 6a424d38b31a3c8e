package pawchat

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultNATSHubSubject  = "chathub.in"
	DefaultNATSInboxPrefix = "chathub.out."
	defaultNATSDialTimeout = 5 * time.Second
)

// NATSTransport carries hub records over NATS for deployments that bridge
// the hub onto a NATS cluster. Outbound records are published to HubSubject
// with the bearer credential in the Authorization header; inbound records
// arrive on InboxPrefix+connectionID.
type NATSTransport struct {
	URL         string
	HubSubject  string
	InboxPrefix string
	// ServerToken authenticates to the NATS server itself, independent of
	// the user's bearer credential.
	ServerToken string
	Logger      *zap.Logger
}

// NewNATSTransport creates a transport for the NATS server at url.
func NewNATSTransport(url string) *NATSTransport {
	return &NATSTransport{
		URL:         url,
		HubSubject:  DefaultNATSHubSubject,
		InboxPrefix: DefaultNATSInboxPrefix,
	}
}

func (t *NATSTransport) Dial(ctx context.Context, token, connectionID string) (HubConn, error) {
	log := t.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := defaultNATSDialTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	opts := []nats.Option{
		nats.Name("pawchat-" + connectionID),
		nats.Timeout(timeout),
		// Reconnection is owned by ConnectionManager.
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err))
		}),
	}
	if t.ServerToken != "" {
		opts = append(opts, nats.Token(t.ServerToken))
	}

	nc, err := nats.Connect(t.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	inbox := t.InboxPrefix + connectionID
	sub, err := nc.SubscribeSync(inbox)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", inbox, err)
	}

	return &natsConn{
		nc:           nc,
		sub:          sub,
		subject:      t.HubSubject,
		inbox:        inbox,
		token:        token,
		connectionID: connectionID,
	}, nil
}

type natsConn struct {
	nc           *nats.Conn
	sub          *nats.Subscription
	subject      string
	inbox        string
	token        string
	connectionID string
}

func (c *natsConn) Read(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(c.subject)
	msg.Reply = c.inbox
	msg.Data = data
	msg.Header.Set("Authorization", "Bearer "+c.token)
	msg.Header.Set(connectionIDHeader, c.connectionID)
	return c.nc.PublishMsg(msg)
}

func (c *natsConn) Close(reason string) error {
	_ = c.sub.Unsubscribe()
	c.nc.Close()
	return nil
}
