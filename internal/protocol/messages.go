// Package protocol defines the JSON frames exchanged over the group chat
// WebSocket. Every frame carries a "type" discriminator; inbound frames are
// decoded into a typed struct and validated before they reach the engine.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
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

// Error codes carried by ErrorMsg.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal_error"
)

var (
	ErrUnknownType    = errors.New("protocol: unknown client message type")
	ErrInvalidPayload = errors.New("protocol: invalid payload")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// JoinMsg announces the connection's display name.
type JoinMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name" validate:"required,max=64"`
}

// RenameIdentityMsg changes the connection's display name.
type RenameIdentityMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name" validate:"required,max=64"`
}

// PostMessageMsg submits a chat message. Text and user are checked by the
// message store so that rejections reach the client as submission_rejected.
type PostMessageMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	User      string `json:"user"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ReactionMsg is used by both add_reaction and remove_reaction.
type ReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id" validate:"required"`
	Reaction  string `json:"reaction" validate:"required,oneof=like heart"`
	User      string `json:"user" validate:"required"`
}

// ReportMessageMsg flags a message for moderation.
type ReportMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id" validate:"required"`
	Reporter  string `json:"reporter" validate:"required"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ReactionCounts is the per-kind reaction count of a message.
type ReactionCounts struct {
	Like  int `json:"like"`
	Heart int `json:"heart"`
}

// Message is the wire form of a stored chat message.
type Message struct {
	ID        string         `json:"id"`
	User      string         `json:"user"`
	Text      string         `json:"text"`
	Timestamp string         `json:"timestamp"`
	Reactions ReactionCounts `json:"reactions"`
	Reported  bool           `json:"reported"`
}

// HistoryMsg is the snapshot sent to a newly connected client.
type HistoryMsg struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type MessagePostedMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// ReactionUpdatedMsg carries the state of one reaction kind on a message.
type ReactionUpdatedMsg struct {
	Type      string   `json:"type"`
	MessageID string   `json:"message_id"`
	Reaction  string   `json:"reaction"`
	Count     int      `json:"count"`
	Users     []string `json:"users"`
}

type ReportAcknowledgedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type MessageRemovedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// SubmissionRejectedMsg tells the sender why a message was not stored.
type SubmissionRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RateLimitedMsg is sent when the client posts too fast.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var clientTypes = map[string]func() interface{}{
	TypeJoin:           func() interface{} { return &JoinMsg{} },
	TypeRenameIdentity: func() interface{} { return &RenameIdentityMsg{} },
	TypePostMessage:    func() interface{} { return &PostMessageMsg{} },
	TypeAddReaction:    func() interface{} { return &ReactionMsg{} },
	TypeRemoveReaction: func() interface{} { return &ReactionMsg{} },
	TypeReportMessage:  func() interface{} { return &ReportMessageMsg{} },
	TypePing:           func() interface{} { return &PingMsg{} },
}

// ParseClientMessage decodes and validates raw WebSocket bytes. It returns
// the message type and a pointer to the typed struct. Unknown types yield
// ErrUnknownType; decoding or validation failures yield ErrInvalidPayload.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	newMsg, ok := clientTypes[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := newMsg()
	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("%w: decode %q: %v", ErrInvalidPayload, env.Type, err)
	}
	if err := validate.Struct(msg); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as JSON with msgType injected under the
// "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
