package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists chat messages. Implementations make every per-message
// read-modify-write atomic, so concurrent reactions and reports on the same
// message are never lost, while different messages proceed independently.
type Store interface {
	Submit(ctx context.Context, author, text, clientTimestamp string) (*Message, error)
	// RecentMessages returns unreported messages newer than the retention
	// window, oldest first, capped at the most recent HistoryLimit.
	RecentMessages(ctx context.Context) ([]*Message, error)
	Get(ctx context.Context, id string) (*Message, error)
	// Delete removes a message. It reports whether a record was removed and
	// is a no-op for unknown ids.
	Delete(ctx context.Context, id string) (bool, error)
	SetReaction(ctx context.Context, id, user string, kind Kind, add bool) (Reactions, error)
	// AppendReport adds an entry to the report ledger and returns the new
	// ledger size. The message is flagged once the ledger reaches
	// flagAt entries.
	AppendReport(ctx context.Context, id, reporter string, at time.Time, flagAt int) (int, error)
	// Sweep drops index entries and records older than the retention window.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Options tunes a Store backend.
type Options struct {
	Retention    time.Duration
	HistoryLimit int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = Retention
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = HistoryLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// minTTL bounds the lifetime of messages whose client timestamp is already
// outside the retention window, so the caller can still address them.
const minTTL = time.Minute

// expiryFor returns when a message stamped ts must disappear.
func (o Options) expiryFor(ts time.Time) time.Time {
	exp := ts.Add(o.Retention)
	if floor := o.Now().Add(minTTL); exp.Before(floor) {
		return floor
	}
	return exp
}

// newMessage validates a submission and builds the record to store.
func (o Options) newMessage(author, text, clientTimestamp string) (*Message, error) {
	trimmed, err := ValidateMessage(author, text)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, storeErr("generate id", err)
	}
	return &Message{
		ID:        id.String(),
		Author:    author,
		Text:      trimmed,
		Timestamp: ParseClientTimestamp(clientTimestamp, o.Now()),
		Reactions: Reactions{Like: []string{}, Heart: []string{}},
	}, nil
}
