// Package moderation implements report handling: every report is appended
// to the message's ledger, and once a message is flagged it is removed after
// a delay unless it disappeared in the meantime.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
)

const (
	DefaultThreshold    = 1
	DefaultRemovalDelay = 30 * time.Second

	removalTimeout = 10 * time.Second
)

// Policy controls when a reported message is removed.
type Policy struct {
	// Threshold is the ledger size that flags a message.
	Threshold int
	// Delay is the time between flagging and removal.
	Delay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Delay: DefaultRemovalDelay}
}

// Outcome describes what a report did.
type Outcome struct {
	// Found is false when the message does not exist; nothing else happened.
	Found      bool
	LedgerSize int
	// Flagged is true only for the report that flagged the message.
	Flagged bool
}

// Moderator drives the clean -> reported -> deleted lifecycle.
type Moderator struct {
	store     chat.Store
	policy    Policy
	sched     *Scheduler
	pub       Publisher
	log       *slog.Logger
	now       func() time.Time
	onRemoved func(messageID string)
}

// NewModerator creates a Moderator. pub may be nil.
func NewModerator(store chat.Store, policy Policy, pub Publisher, log *slog.Logger) *Moderator {
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultThreshold
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultRemovalDelay
	}
	return &Moderator{
		store:  store,
		policy: policy,
		sched:  NewScheduler(),
		pub:    pub,
		log:    log,
		now:    time.Now,
	}
}

// OnRemoved registers the callback invoked after a flagged message is
// deleted. It must be set before the first report.
func (m *Moderator) OnRemoved(fn func(messageID string)) {
	m.onRemoved = fn
}

// Report appends a ledger entry for messageID. When the entry flags the
// message, a removal job is armed.
func (m *Moderator) Report(ctx context.Context, messageID, reporter string) (Outcome, error) {
	start := time.Now()
	n, err := m.store.AppendReport(ctx, messageID, reporter, m.now(), m.policy.Threshold)
	metrics.ObserveStore("append_report", start)
	if errors.Is(err, chat.ErrNotFound) {
		m.log.Debug("report on missing message", "message_id", messageID, "reporter", reporter)
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("moderation: report: %w", err)
	}
	metrics.ReportsTotal.Inc()

	out := Outcome{Found: true, LedgerSize: n, Flagged: n == m.policy.Threshold}
	if out.Flagged {
		if m.sched.Schedule(messageID, m.policy.Delay, func() { m.expire(messageID) }) {
			metrics.PendingRemovals.Inc()
		}
	}

	ev := ReportEvent{MessageID: messageID, Reporter: reporter, LedgerSize: n, Flagged: out.Flagged, At: m.now().UTC()}
	if msg, err := m.store.Get(ctx, messageID); err == nil {
		ev.Author = msg.Author
		ev.Excerpt = excerpt(msg.Text)
	}
	m.log.Info("message reported",
		"message_id", messageID,
		"reporter", reporter,
		"excerpt", ev.Excerpt,
		"ledger_size", n,
		"flagged", out.Flagged,
	)
	if m.pub != nil {
		if err := m.pub.PublishReport(ctx, ev); err != nil {
			m.log.Warn("publish report event failed", "message_id", messageID, "error", err)
		}
	}
	return out, nil
}

// expire removes a flagged message if it still exists and is still reported.
func (m *Moderator) expire(messageID string) {
	metrics.PendingRemovals.Dec()
	ctx, cancel := context.WithTimeout(context.Background(), removalTimeout)
	defer cancel()

	msg, err := m.store.Get(ctx, messageID)
	if errors.Is(err, chat.ErrNotFound) {
		m.log.Debug("flagged message already gone", "message_id", messageID)
		return
	}
	if err != nil {
		m.log.Error("moderation lookup failed", "message_id", messageID, "error", err)
		return
	}
	if !msg.Reported {
		return
	}

	removed, err := m.store.Delete(ctx, messageID)
	if err != nil {
		m.log.Error("moderation delete failed", "message_id", messageID, "error", err)
		return
	}
	if !removed {
		return
	}
	metrics.MessagesRemoved.Inc()
	m.log.Info("reported message removed", "message_id", messageID, "reports", len(msg.Reports))

	if m.pub != nil {
		ev := RemovalEvent{
			MessageID: messageID,
			Author:    msg.Author,
			Excerpt:   excerpt(msg.Text),
			Reports:   len(msg.Reports),
			RemovedAt: m.now().UTC(),
		}
		if err := m.pub.PublishRemoval(ctx, ev); err != nil {
			m.log.Warn("publish removal event failed", "message_id", messageID, "error", err)
		}
	}
	if m.onRemoved != nil {
		m.onRemoved(messageID)
	}
}

// Pending returns the number of armed removals.
func (m *Moderator) Pending() int {
	return m.sched.Pending()
}

// Close cancels pending removals and waits for running ones.
func (m *Moderator) Close() {
	pending := m.sched.Pending()
	m.sched.Stop()
	metrics.PendingRemovals.Sub(float64(pending))
}
