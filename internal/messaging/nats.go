// Package messaging provides a NATS client wrapper that carries moderation
// events from the chat servers to the audit service.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/groupchat/internal/moderation"
)

// NATS subjects used between groupchat services.
const (
	SubjectReport  = "moderation.report"
	SubjectRemoval = "moderation.removed"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "groupchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection and publishes moderation events.
// It satisfies moderation.Publisher.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ moderation.Publisher = (*NATSClient)(nil)

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *slog.Logger) (*NATSClient, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", "error", err)
			} else {
				log.Info("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishReport publishes a report event on SubjectReport.
func (c *NATSClient) PublishReport(_ context.Context, ev moderation.ReportEvent) error {
	return c.publishJSON(SubjectReport, ev)
}

// PublishRemoval publishes a removal event on SubjectRemoval.
func (c *NATSClient) PublishRemoval(_ context.Context, ev moderation.RemovalEvent) error {
	return c.publishJSON(SubjectRemoval, ev)
}

func (c *NATSClient) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeReports decodes every report event and hands it to handler.
// Undecodable payloads are logged and dropped.
func (c *NATSClient) SubscribeReports(handler func(moderation.ReportEvent)) error {
	return c.subscribe(SubjectReport, func(data []byte) {
		var ev moderation.ReportEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("bad report event", "error", err)
			return
		}
		handler(ev)
	})
}

// SubscribeRemovals decodes every removal event and hands it to handler.
func (c *NATSClient) SubscribeRemovals(handler func(moderation.RemovalEvent)) error {
	return c.subscribe(SubjectRemoval, func(data []byte) {
		var ev moderation.RemovalEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("bad removal event", "error", err)
			return
		}
		handler(ev)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops the subscription held for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", "error", err)
	}
	c.log.Info("client closed")
}
