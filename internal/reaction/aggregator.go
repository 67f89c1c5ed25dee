package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/whisper/groupchat/internal/chat"
)

var ErrUnknownKind = errors.New("reaction: unknown kind")

// Tally is the state of one reaction kind after a mutation.
type Tally struct {
	Kind  chat.Kind
	Count int
	Users []string
}

// Update is the outcome of a reaction mutation on one message.
type Update struct {
	MessageID string
	Reactions chat.Reactions
}

// Tallies returns both kinds, like first. Both are always reported so
// clients never keep a stale count for the kind a user switched away from.
func (u Update) Tallies() []Tally {
	out := make([]Tally, 0, len(chat.Kinds))
	for _, k := range chat.Kinds {
		users := u.Reactions.Users(k)
		if users == nil {
			users = []string{}
		}
		out = append(out, Tally{Kind: k, Count: len(users), Users: users})
	}
	return out
}

// Aggregator applies reaction changes through the message store.
type Aggregator struct {
	store chat.Store
	log   *slog.Logger
}

func NewAggregator(store chat.Store, log *slog.Logger) *Aggregator {
	return &Aggregator{store: store, log: log}
}

// Set adds or removes user's reaction of the given kind. ok is false when
// the message does not exist, in which case there is nothing to broadcast.
func (a *Aggregator) Set(ctx context.Context, messageID, user string, kind chat.Kind, add bool) (Update, bool, error) {
	if kind != chat.KindLike && kind != chat.KindHeart {
		return Update{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	r, err := a.store.SetReaction(ctx, messageID, user, kind, add)
	if errors.Is(err, chat.ErrNotFound) {
		a.log.Debug("reaction on missing message", "message_id", messageID, "user", user)
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("reaction: set: %w", err)
	}
	return Update{MessageID: messageID, Reactions: r}, true, nil
}
