package moderation

import (
	"context"
	"time"
)

// ReportEvent is published for every accepted report.
type ReportEvent struct {
	MessageID  string    `json:"message_id"`
	Reporter   string    `json:"reporter"`
	Author     string    `json:"author,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	LedgerSize int       `json:"ledger_size"`
	Flagged    bool      `json:"flagged"`
	At         time.Time `json:"at"`
}

// RemovalEvent is published when a reported message is deleted.
type RemovalEvent struct {
	MessageID string    `json:"message_id"`
	Author    string    `json:"author"`
	Excerpt   string    `json:"excerpt"`
	Reports   int       `json:"reports"`
	RemovedAt time.Time `json:"removed_at"`
}

// Publisher fans moderation events out to other processes.
type Publisher interface {
	PublishReport(ctx context.Context, ev ReportEvent) error
	PublishRemoval(ctx context.Context, ev RemovalEvent) error
}

const excerptRunes = 80

func excerpt(text string) string {
	r := []rune(text)
	if len(r) <= excerptRunes {
		return text
	}
	return string(r[:excerptRunes]) + "…"
}
