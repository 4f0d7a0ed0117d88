// Package bus connects the node and the operator console over NATS. The
// client degrades gracefully: the media pipeline keeps running when the
// bus is down, and the serial bridge queues command bytes until it comes
// back. The operator side embeds its own NATS server so no external
// broker needs to be deployed in the field.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Handler receives the raw payload of one bus message.
type Handler = func(data []byte)

// Client is a reconnecting NATS client. Subscriptions registered through
// Subscribe survive reconnects; publishes while disconnected are dropped
// with a warning rather than buffered.
type Client struct {
	url    string
	name   string
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *nats.Conn
	connected bool
	subs      map[string]Handler
	active    []*nats.Subscription
	onRestart func(worker, reason string)
}

// NewClient creates a bus client for the given NATS URL. The name shows
// up in server-side connection listings.
func NewClient(url, name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    url,
		name:   name,
		logger: logger.With("component", "bus-client"),
		subs:   make(map[string]Handler),
	}
}

// Connect establishes the connection. A failure is returned but not
// fatal to the caller's operation; reconnection is infinite once the
// first connect succeeds.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := []nats.Option{
		nats.Name("fieldlink-" + c.name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("Bus disconnected", "error", err)
			} else {
				c.logger.Debug("Bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			c.resubscribeLocked()
			c.mu.Unlock()
			c.logger.Info("Bus reconnected")
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		c.logger.Warn("Failed to connect to bus, running offline", "url", c.url, "error", err)
		return err
	}

	c.conn = conn
	c.connected = true
	c.resubscribeLocked()
	c.logger.Info("Connected to bus", "url", c.url)
	return nil
}

// Subscribe registers a handler for a subject. Safe to call before
// Connect; the subscription is installed on connect and after every
// reconnect.
func (c *Client) Subscribe(subject string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs[subject] = h
	if c.conn != nil && c.connected {
		c.installLocked(subject, h)
	}
}

// resubscribeLocked reinstalls every registered subscription.
func (c *Client) resubscribeLocked() {
	for _, sub := range c.active {
		_ = sub.Unsubscribe()
	}
	c.active = c.active[:0]
	for subject, h := range c.subs {
		c.installLocked(subject, h)
	}
}

func (c *Client) installLocked(subject string, h Handler) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		c.logger.Warn("Failed to subscribe", "subject", subject, "error", err)
		return
	}
	c.active = append(c.active, sub)
}

// Publish sends a payload on a subject. No-op with a debug log while the
// bus is unreachable; command traffic is buffered upstream in the
// bridge's queues, not here.
func (c *Client) Publish(subject string, data []byte) {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if conn == nil || !connected {
		c.logger.Debug("Bus offline, dropping publish", "subject", subject)
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		c.logger.Warn("Failed to publish", "subject", subject, "error", err)
	}
}

// OnRestart registers the callback invoked when a restart control message
// arrives for any worker. The subscription covers the whole control
// namespace with one wildcard.
func (c *Client) OnRestart(fn func(worker, reason string)) {
	c.mu.Lock()
	c.onRestart = fn
	c.mu.Unlock()

	c.Subscribe(SubjectControlPrefix+".*.restart", func(data []byte) {
		ctrl, err := UnmarshalControl(data)
		if err != nil {
			c.logger.Warn("Malformed control message", "error", err)
			return
		}
		if ctrl.Action != "restart" {
			return
		}
		c.logger.Info("Restart command received", "worker", ctrl.Worker, "reason", ctrl.Reason)
		c.mu.RLock()
		cb := c.onRestart
		c.mu.RUnlock()
		if cb != nil {
			cb(ctrl.Worker, ctrl.Reason)
		}
	})
}

// PublishState reports a worker state transition.
func (c *Client) PublishState(m StateMessage) {
	data, err := m.Marshal()
	if err != nil {
		c.logger.Warn("Failed to marshal state message", "error", err)
		return
	}
	c.Publish(SubjectNodeState(m.Worker), data)
}

// PublishLog forwards a notable log entry.
func (c *Client) PublishLog(m LogMessage) {
	data, err := m.Marshal()
	if err != nil {
		c.logger.Warn("Failed to marshal log message", "error", err)
		return
	}
	c.Publish(SubjectNodeLogs(), data)
}

// RequestRestart publishes a restart command for a worker on the node.
func (c *Client) RequestRestart(worker, reason string) error {
	msg := ControlMessage{
		Action:    "restart",
		Worker:    worker,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.Publish(SubjectControlRestart(worker), data)
	return nil
}

// Flush blocks until the server has processed all buffered publishes.
// One-shot callers use it before Close so a command is not lost in the
// outbound buffer.
func (c *Client) Flush() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil
	}
	return conn.Flush()
}

// IsConnected reports whether the bus is currently reachable.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.active {
		_ = sub.Unsubscribe()
	}
	c.active = nil

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.logger.Debug("Bus client closed")
}
