package chat

import (
	"fmt"
	"slices"
	"time"
)

const (
	MaxTextChars = 500
	Retention    = 24 * time.Hour
	HistoryLimit = 100
)

// Kind is a reaction kind. The two kinds are mutually exclusive per user.
type Kind string

const (
	KindLike  Kind = "like"
	KindHeart Kind = "heart"
)

// Kinds lists every reaction kind in broadcast order.
var Kinds = []Kind{KindLike, KindHeart}

// ParseKind returns the Kind for its wire name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLike, KindHeart:
		return Kind(s), nil
	}
	return "", fmt.Errorf("chat: unknown reaction kind %q", s)
}

// Other returns the kind that is mutually exclusive with k.
func (k Kind) Other() Kind {
	if k == KindLike {
		return KindHeart
	}
	return KindLike
}

// Reactions holds the users who reacted to a message, per kind.
type Reactions struct {
	Like  []string `json:"like"`
	Heart []string `json:"heart"`
}

// Users returns the members of the given kind.
func (r Reactions) Users(k Kind) []string {
	if k == KindHeart {
		return r.Heart
	}
	return r.Like
}

// Count returns the number of users that reacted with k.
func (r Reactions) Count(k Kind) int {
	return len(r.Users(k))
}

// Apply returns r with user added to (or removed from) kind. Adding to one
// kind removes the user from the other.
func (r Reactions) Apply(user string, k Kind, add bool) Reactions {
	out := Reactions{
		Like:  slices.DeleteFunc(slices.Clone(r.Like), func(u string) bool { return u == user && (k == KindLike || add) }),
		Heart: slices.DeleteFunc(slices.Clone(r.Heart), func(u string) bool { return u == user && (k == KindHeart || add) }),
	}
	if add {
		if k == KindLike {
			out.Like = append(out.Like, user)
		} else {
			out.Heart = append(out.Heart, user)
		}
	}
	return out
}

// ReportEntry is one row of a message's report ledger.
type ReportEntry struct {
	Reporter string    `json:"reporter"`
	At       time.Time `json:"at"`
}

// Message is a stored chat message.
type Message struct {
	ID        string        `json:"id"`
	Author    string        `json:"author"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Reactions Reactions     `json:"reactions"`
	Reported  bool          `json:"reported"`
	Reports   []ReportEntry `json:"reports,omitempty"`
}

// Visible reports whether m belongs in a history snapshot taken at now.
func (m *Message) Visible(now time.Time, retention time.Duration) bool {
	return !m.Reported && !m.Timestamp.Before(now.Add(-retention))
}
