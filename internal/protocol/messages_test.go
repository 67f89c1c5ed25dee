package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid post_message
// ---------------------------------------------------------------------------

func TestParseClientMessage_PostMessage(t *testing.T) {
	input := []byte(`{"type":"post_message","text":"  hello  ","user":"Fox #12","timestamp":"2024-05-01T10:00:00Z"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePostMessage {
		t.Fatalf("expected type %q, got %q", TypePostMessage, msgType)
	}

	pm, ok := msg.(*PostMessageMsg)
	if !ok {
		t.Fatalf("expected *PostMessageMsg, got %T", msg)
	}
	if pm.Text != "  hello  " {
		t.Errorf("text should reach the store untrimmed, got %q", pm.Text)
	}
	if pm.User != "Fox #12" || pm.Timestamp != "2024-05-01T10:00:00Z" {
		t.Errorf("unexpected payload %+v", pm)
	}
}

// An empty post is not a protocol error; the store rejects it so the client
// gets submission_rejected.
func TestParseClientMessage_EmptyPostIsAccepted(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"post_message","text":"","user":""}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := msg.(*PostMessageMsg); !ok {
		t.Fatalf("expected *PostMessageMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Reactions share one struct and are validated
// ---------------------------------------------------------------------------

func TestParseClientMessage_Reactions(t *testing.T) {
	for _, typ := range []string{TypeAddReaction, TypeRemoveReaction} {
		input := []byte(`{"type":"` + typ + `","message_id":"m-1","reaction":"heart","user":"u1"}`)
		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("expected type %q, got %q", typ, msgType)
		}
		rm, ok := msg.(*ReactionMsg)
		if !ok {
			t.Fatalf("expected *ReactionMsg, got %T", msg)
		}
		if rm.MessageID != "m-1" || rm.Reaction != "heart" || rm.User != "u1" {
			t.Errorf("unexpected payload %+v", rm)
		}
	}
}

func TestParseClientMessage_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown reaction", `{"type":"add_reaction","message_id":"m","reaction":"laugh","user":"u"}`},
		{"missing message id", `{"type":"remove_reaction","reaction":"like","user":"u"}`},
		{"missing reporter", `{"type":"report_message","message_id":"m"}`},
		{"empty display name", `{"type":"join","display_name":""}`},
		{"wrong field type", `{"type":"join","display_name":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"find_match","interests":[]}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages carry the type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_ReactionUpdated(t *testing.T) {
	data, err := NewServerMessage(TypeReactionUpdated, ReactionUpdatedMsg{
		MessageID: "m-1",
		Reaction:  "like",
		Count:     2,
		Users:     []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeReactionUpdated {
		t.Errorf("expected type %q, got %v", TypeReactionUpdated, result["type"])
	}
	if result["message_id"] != "m-1" || result["reaction"] != "like" {
		t.Errorf("unexpected fields: %v", result)
	}
	if count, _ := result["count"].(float64); int(count) != 2 {
		t.Errorf("expected count 2, got %v", result["count"])
	}
	if users, _ := result["users"].([]interface{}); len(users) != 2 {
		t.Errorf("expected 2 users, got %v", result["users"])
	}
}

func TestNewServerMessage_History(t *testing.T) {
	data, err := NewServerMessage(TypeHistory, HistoryMsg{Messages: []Message{{
		ID:        "m-1",
		User:      "Fox #12",
		Text:      "hello",
		Timestamp: "2024-05-01T10:00:00Z",
		Reactions: ReactionCounts{Like: 1},
	}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type     string    `json:"type"`
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Type != TypeHistory || len(result.Messages) != 1 {
		t.Fatalf("unexpected history frame %s", data)
	}
	if m := result.Messages[0]; m.User != "Fox #12" || m.Reactions.Like != 1 || m.Reported {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypePong, "pong"); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"text":"hi"}`), &env); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	inputs := map[string]string{
		TypeJoin:           `{"type":"join","display_name":"Fox #12"}`,
		TypeRenameIdentity: `{"type":"rename_identity","display_name":"Fox #13"}`,
		TypePostMessage:    `{"type":"post_message","text":"hi","user":"Fox #12"}`,
		TypeAddReaction:    `{"type":"add_reaction","message_id":"m","reaction":"like","user":"u"}`,
		TypeRemoveReaction: `{"type":"remove_reaction","message_id":"m","reaction":"like","user":"u"}`,
		TypeReportMessage:  `{"type":"report_message","message_id":"m","reporter":"u"}`,
		TypePing:           `{"type":"ping"}`,
	}
	for typ, input := range inputs {
		got, msg, err := ParseClientMessage([]byte(input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", typ, err)
			continue
		}
		if got != typ || msg == nil {
			t.Errorf("%s: got type %q msg %v", typ, got, msg)
		}
	}
}
