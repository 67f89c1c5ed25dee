// Package client provides a WebSocket load test client for the groupchat
// server. It connects using gobwas/ws (the same library the server uses),
// waits for the connection-time history snapshot, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoin           = "join"
	TypeRenameIdentity = "rename_identity"
	TypePostMessage    = "post_message"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
	TypeReportMessage  = "report_message"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeHistory            = "history"
	TypeOnlineCount        = "online_count"
	TypeMessagePosted      = "message_posted"
	TypeReactionUpdated    = "reaction_updated"
	TypeReportAcknowledged = "report_acknowledged"
	TypeMessageRemoved     = "message_removed"
	TypeSubmissionRejected = "submission_rejected"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	HistoryLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated chat participant.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	started  time.Time

	history   chan struct{}
	gotHist   bool
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading frames in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// The server may have sent frames together with the upgrade response.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		started:  start,
		history:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	if err != nil {
		c.metrics.Errors++
	}
	c.mu.Unlock()
	return err
}

// Join announces the participant under displayName.
func (c *Client) Join(displayName string) error {
	return c.Send(map[string]string{"type": TypeJoin, "display_name": displayName})
}

// Post submits a chat message with the current time as client timestamp.
func (c *Client) Post(user, text string) error {
	return c.Send(map[string]string{
		"type":      TypePostMessage,
		"user":      user,
		"text":      text,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// React adds or removes a reaction of kind ("like" or "heart").
func (c *Client) React(messageID, user, kind string, add bool) error {
	t := TypeRemoveReaction
	if add {
		t = TypeAddReaction
	}
	return c.Send(map[string]string{"type": t, "message_id": messageID, "user": user, "reaction": kind})
}

// Report files a report against messageID.
func (c *Client) Report(messageID, reporter string) error {
	return c.Send(map[string]string{"type": TypeReportMessage, "message_id": messageID, "reporter": reporter})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine and should not block. A second handler for the same type
// replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForHistory blocks until the history snapshot has arrived, the
// connection closes or ctx is done.
func (c *Client) WaitForHistory(ctx context.Context) error {
	select {
	case <-c.history:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before history arrived")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			c.Close()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeHistory && !c.gotHist {
			c.gotHist = true
			c.metrics.HistoryLatency = time.Since(c.started)
			close(c.history)
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
