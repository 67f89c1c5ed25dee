package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ValidateMessage checks a submission and returns the trimmed text that
// will be stored.
func ValidateMessage(author, text string) (string, error) {
	if strings.TrimSpace(author) == "" {
		return "", &ValidationError{Reason: "author is required"}
	}
	if !utf8.ValidString(text) {
		return "", &ValidationError{Reason: "message contains invalid UTF-8"}
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &ValidationError{Reason: "message text is empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxTextChars {
		return "", &ValidationError{Reason: "message exceeds 500 character limit"}
	}
	return trimmed, nil
}

// ParseClientTimestamp parses an RFC 3339 timestamp supplied by a client,
// with or without fractional seconds. It falls back to now when raw is
// empty or unparseable.
func ParseClientTimestamp(raw string, now time.Time) time.Time {
	if raw != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC().Truncate(time.Millisecond)
			}
		}
	}
	return now.UTC().Truncate(time.Millisecond)
}
