package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinel/core"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Message headers carried with every published alert.
const (
	HeaderAlertID  = "x-alert-id"
	HeaderRuleID   = "x-rule-id"
	HeaderSeverity = "x-severity"
	HeaderEventID  = "x-event-id"
)

const defaultFlushTimeout = 2 * time.Second

// NATSNotifier publishes alerts as JSON to a subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *zap.SugaredLogger
}

// NewNATSNotifier connects to url. The connection reconnects on its own; a
// publish while disconnected is buffered by the client.
func NewNATSNotifier(url, subject string, logger *zap.SugaredLogger) (*NATSNotifier, error) {
	if subject == "" {
		return nil, fmt.Errorf("NATS subject is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("sentinel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("NATS reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSNotifier{conn: nc, subject: subject, logger: logger}, nil
}

// Notify publishes alert and waits for the server to acknowledge the flush.
func (n *NATSNotifier) Notify(ctx context.Context, alert *core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return core.NewTransientNotifyError("nats", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set(HeaderAlertID, alert.ID)
	msg.Header.Set(HeaderRuleID, alert.RuleID)
	msg.Header.Set(HeaderSeverity, alert.Severity)
	msg.Header.Set(HeaderEventID, alert.EventID)

	if err := n.conn.PublishMsg(msg); err != nil {
		return core.NewTransientNotifyError("nats", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return core.NewTransientNotifyError("nats", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}
