// Package lobby routes client events for the single shared chat room. It
// owns the connection registry, the reaction aggregator and the moderator,
// and turns every state change into broadcast directives.
package lobby

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/groupchat/internal/broadcast"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/reaction"
	"github.com/whisper/groupchat/internal/registry"
)

const msgStoreFailed = "Failed to send message"

// Deps are the collaborators of an Engine. Publisher, Limiter and Screen are
// optional.
type Deps struct {
	Store      chat.Store
	Registry   *registry.Registry
	Dispatcher *broadcast.Dispatcher
	Publisher  moderation.Publisher
	Limiter    ratelimit.Limiter
	PostRule   ratelimit.Rule
	Policy     moderation.Policy
	Screen     *moderation.Screen
	Logger     *slog.Logger
}

// Engine handles one inbound event at a time per connection; calls for
// different connections may run concurrently.
type Engine struct {
	store    chat.Store
	registry *registry.Registry
	out      *broadcast.Dispatcher
	agg      *reaction.Aggregator
	mod      *moderation.Moderator
	limiter  ratelimit.Limiter
	postRule ratelimit.Rule
	screen   *moderation.Screen
	log      *slog.Logger

	// Serializes mutate+emit per message so reaction broadcasts for one
	// message leave in the order the store applied them.
	locks [64]sync.Mutex
}

func New(d Deps) *Engine {
	if d.PostRule.Limit == 0 {
		d.PostRule = ratelimit.RulePost
	}
	e := &Engine{
		store:    d.Store,
		registry: d.Registry,
		out:      d.Dispatcher,
		agg:      reaction.NewAggregator(d.Store, d.Logger),
		mod:      moderation.NewModerator(d.Store, d.Policy, d.Publisher, d.Logger),
		limiter:  d.Limiter,
		postRule: d.PostRule,
		screen:   d.Screen,
		log:      d.Logger,
	}
	e.mod.OnRemoved(func(id string) {
		e.out.Emit(broadcast.ToAll(protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{MessageID: id}))
	})
	return e
}

func (e *Engine) lockMessage(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &e.locks[h.Sum32()%uint32(len(e.locks))]
	mu.Lock()
	return mu.Unlock
}

// Connect sends the history snapshot and the current online count to a new
// connection, then calls activate so the connection starts receiving
// broadcasts. History is read without holding the emission lock; broadcasts
// emitted during the read are replayed after it, so none is missed.
func (e *Engine) Connect(ctx context.Context, connID string, activate func()) {
	since := e.out.Mark()

	start := time.Now()
	recent, err := e.store.RecentMessages(ctx)
	metrics.ObserveStore("recent", start)
	if err != nil {
		e.log.Error("lobby: load history failed", "session", connID, "error", err)
	}
	history := lo.Map(recent, func(m *chat.Message, _ int) protocol.Message { return wireMessage(m) })

	e.out.Snapshot(broadcast.Catchup{
		ConnID: connID,
		Since:  since,
		State: []broadcast.Directive{
			broadcast.ToOne(connID, protocol.TypeHistory, protocol.HistoryMsg{Messages: history}),
		},
		Latest: func() []broadcast.Directive {
			return []broadcast.Directive{
				broadcast.ToOne(connID, protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: e.registry.Count()}),
			}
		},
	}, activate)
}

// Join registers the connection's display name and announces the new count.
func (e *Engine) Join(connID, displayName string) {
	n := e.registry.Join(connID, displayName)
	metrics.OnlineUsers.Set(float64(n))
	e.log.Debug("lobby: joined", "session", connID, "display_name", displayName, "count", n)
	e.out.Emit(broadcast.ToAll(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: n}))
}

// Rename updates the display name of a joined connection.
func (e *Engine) Rename(connID, displayName string) {
	if !e.registry.Rename(connID, displayName) {
		e.log.Debug("lobby: rename before join", "session", connID)
	}
}

// Disconnect forgets the connection and announces the new count.
func (e *Engine) Disconnect(connID string) {
	if e.limiter != nil {
		e.limiter.Release(connID)
	}
	n, ok := e.registry.Leave(connID)
	if !ok {
		return
	}
	metrics.OnlineUsers.Set(float64(n))
	e.out.Emit(broadcast.ToAll(protocol.TypeOnlineCount, protocol.OnlineCountMsg{Count: n}))
}

// Post stores a message and broadcasts it.
func (e *Engine) Post(ctx context.Context, connID string, m *protocol.PostMessageMsg) {
	if e.limiter != nil {
		ok, err := e.limiter.Allow(ctx, connID, e.postRule)
		if err != nil {
			e.log.Warn("lobby: rate limiter unavailable", "session", connID, "error", err)
		}
		if !ok {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			e.out.Emit(broadcast.ToOne(connID, protocol.TypeRateLimited,
				protocol.RateLimitedMsg{RetryAfter: e.retryAfter(ctx, connID)}))
			return
		}
	}

	if v := e.screen.Check(m.Text); v.Blocked {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.log.Info("lobby: message screened", "session", connID, "rule", v.Rule)
		e.reject(connID, v.Reason)
		return
	}

	start := time.Now()
	msg, err := e.store.Submit(ctx, m.User, m.Text, m.Timestamp)
	metrics.ObserveStore("submit", start)

	var vErr *chat.ValidationError
	switch {
	case errors.As(err, &vErr):
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.reject(connID, vErr.Reason)
	case err != nil:
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		e.log.Error("lobby: submit failed", "session", connID, "error", err)
		e.fail(connID, protocol.CodeStoreUnavailable, msgStoreFailed)
	default:
		metrics.MessagesTotal.WithLabelValues("posted").Inc()
		e.out.Emit(broadcast.ToAll(protocol.TypeMessagePosted, protocol.MessagePostedMsg{Message: wireMessage(msg)}))
	}
}

// retryAfter is the wait in whole seconds, at least one, that the client
// should observe before posting again.
func (e *Engine) retryAfter(ctx context.Context, connID string) int {
	wait, err := e.limiter.RetryAfter(ctx, connID, e.postRule)
	if err != nil {
		e.log.Debug("lobby: retry estimate failed", "session", connID, "error", err)
		wait = e.postRule.Window
	}
	return max(int(math.Ceil(wait.Seconds())), 1)
}

// React adds or removes a reaction and broadcasts the count of both kinds.
func (e *Engine) React(ctx context.Context, connID string, m *protocol.ReactionMsg, add bool) {
	kind, err := chat.ParseKind(m.Reaction)
	if err != nil {
		e.fail(connID, protocol.CodeInvalidPayload, "unknown reaction")
		return
	}

	unlock := e.lockMessage(m.MessageID)
	defer unlock()

	start := time.Now()
	up, ok, err := e.agg.Set(ctx, m.MessageID, m.User, kind, add)
	metrics.ObserveStore("reaction", start)
	if err != nil {
		e.log.Error("lobby: reaction failed", "session", connID, "message_id", m.MessageID, "error", err)
		e.fail(connID, protocol.CodeStoreUnavailable, "Failed to update reaction")
		return
	}
	if !ok {
		return
	}

	action := "remove"
	if add {
		action = "add"
	}
	metrics.ReactionsTotal.WithLabelValues(string(kind), action).Inc()

	dirs := make([]broadcast.Directive, 0, len(chat.Kinds))
	for _, t := range up.Tallies() {
		dirs = append(dirs, broadcast.ToAll(protocol.TypeReactionUpdated, protocol.ReactionUpdatedMsg{
			MessageID: up.MessageID,
			Reaction:  string(t.Kind),
			Count:     t.Count,
			Users:     t.Users,
		}))
	}
	e.out.Emit(dirs...)
}

// Report records a report and acknowledges it to the reporter.
func (e *Engine) Report(ctx context.Context, connID string, m *protocol.ReportMessageMsg) {
	out, err := e.mod.Report(ctx, m.MessageID, m.Reporter)
	if err != nil {
		e.log.Error("lobby: report failed", "session", connID, "message_id", m.MessageID, "error", err)
		e.fail(connID, protocol.CodeStoreUnavailable, "Failed to report message")
		return
	}
	if !out.Found {
		return
	}
	e.out.Emit(broadcast.ToOne(connID, protocol.TypeReportAcknowledged,
		protocol.ReportAcknowledgedMsg{MessageID: m.MessageID}))
}

// Handle routes a parsed client message to the matching operation.
func (e *Engine) Handle(ctx context.Context, connID, msgType string, msg interface{}) {
	switch m := msg.(type) {
	case *protocol.JoinMsg:
		e.Join(connID, m.DisplayName)
	case *protocol.RenameIdentityMsg:
		e.Rename(connID, m.DisplayName)
	case *protocol.PostMessageMsg:
		e.Post(ctx, connID, m)
	case *protocol.ReactionMsg:
		e.React(ctx, connID, m, msgType == protocol.TypeAddReaction)
	case *protocol.ReportMessageMsg:
		e.Report(ctx, connID, m)
	default:
		e.log.Warn("lobby: unhandled message", "session", connID, "type", msgType)
	}
}

// HandledTypes lists the client message types Handle accepts.
func HandledTypes() []string {
	return []string{
		protocol.TypeJoin,
		protocol.TypeRenameIdentity,
		protocol.TypePostMessage,
		protocol.TypeAddReaction,
		protocol.TypeRemoveReaction,
		protocol.TypeReportMessage,
	}
}

// PendingRemovals returns the number of reported messages awaiting removal.
func (e *Engine) PendingRemovals() int {
	return e.mod.Pending()
}

// Close stops pending moderation jobs.
func (e *Engine) Close() {
	e.mod.Close()
}

func (e *Engine) reject(connID, reason string) {
	e.out.Emit(broadcast.ToOne(connID, protocol.TypeSubmissionRejected, protocol.SubmissionRejectedMsg{Reason: reason}))
}

func (e *Engine) fail(connID, code, message string) {
	e.out.Emit(broadcast.ToOne(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}))
}

func wireMessage(m *chat.Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		User:      m.Author,
		Text:      m.Text,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		Reactions: protocol.ReactionCounts{
			Like:  m.Reactions.Count(chat.KindLike),
			Heart: m.Reactions.Count(chat.KindHeart),
		},
		Reported: m.Reported,
	}
}
