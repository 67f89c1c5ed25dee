package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	MessagePrefix = "message:"
	TimelineKey   = "messages:timeline"
)

// Per-message keys share a hash tag so the Lua scripts touch a single slot.
func messageKey(id string) string { return MessagePrefix + "{" + id + "}" }

func reactionKey(id string, k Kind) string { return messageKey(id) + ":" + string(k) }

func reportsKey(id string) string { return messageKey(id) + ":reports" }

// RedisStore keeps messages in Redis. Each message is a hash with sibling
// sets for reactions and a list for the report ledger; all of them expire
// natively at timestamp+retention. A sorted set scored by timestamp indexes
// the timeline.
type RedisStore struct {
	rdb            *redis.Client
	opts           Options
	reactionScript *redis.Script
	reportScript   *redis.Script
	deleteScript   *redis.Script
}

// NewRedisStore creates a message store backed by Redis. The store takes
// ownership of rdb; Close closes it.
func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		rdb:            rdb,
		opts:           opts.withDefaults(),
		reactionScript: redis.NewScript(setReactionLua),
		reportScript:   redis.NewScript(appendReportLua),
		deleteScript:   redis.NewScript(deleteMessageLua),
	}
}

func (s *RedisStore) Submit(ctx context.Context, author, text, clientTimestamp string) (*Message, error) {
	msg, err := s.opts.newMessage(author, text, clientTimestamp)
	if err != nil {
		return nil, err
	}
	key := messageKey(msg.ID)
	expireAt := s.opts.expiryFor(msg.Timestamp)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":        msg.ID,
		"author":    msg.Author,
		"text":      msg.Text,
		"ts":        msg.Timestamp.UnixMilli(),
		"reported":  "0",
		"expire_at": expireAt.Unix(),
	})
	pipe.ExpireAt(ctx, key, expireAt)
	pipe.ZAdd(ctx, TimelineKey, redis.Z{Score: float64(msg.Timestamp.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("redis submit", err)
	}
	return msg, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	msgs, err := s.load(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if msgs[0] == nil {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// load fetches several messages in one round trip. Missing ids yield nil.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Message, error) {
	type pending struct {
		hash    *redis.MapStringStringCmd
		like    *redis.StringSliceCmd
		heart   *redis.StringSliceCmd
		reports *redis.StringSliceCmd
	}
	cmds := make([]pending, len(ids))
	pipe := s.rdb.Pipeline()
	for i, id := range ids {
		cmds[i] = pending{
			hash:    pipe.HGetAll(ctx, messageKey(id)),
			like:    pipe.SMembers(ctx, reactionKey(id, KindLike)),
			heart:   pipe.SMembers(ctx, reactionKey(id, KindHeart)),
			reports: pipe.LRange(ctx, reportsKey(id), 0, -1),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("redis load", err)
	}

	out := make([]*Message, len(ids))
	for i, c := range cmds {
		fields := c.hash.Val()
		if len(fields) == 0 {
			continue
		}
		ms, _ := strconv.ParseInt(fields["ts"], 10, 64)
		msg := &Message{
			ID:        fields["id"],
			Author:    fields["author"],
			Text:      fields["text"],
			Timestamp: time.UnixMilli(ms).UTC(),
			Reported:  fields["reported"] == "1",
			Reactions: Reactions{Like: sorted(c.like.Val()), Heart: sorted(c.heart.Val())},
		}
		for _, raw := range c.reports.Val() {
			var entry ReportEntry
			if err := json.Unmarshal([]byte(raw), &entry); err == nil {
				msg.Reports = append(msg.Reports, entry)
			}
		}
		out[i] = msg
	}
	return out, nil
}

func (s *RedisStore) RecentMessages(ctx context.Context) ([]*Message, error) {
	now := s.opts.Now()
	cutoff := now.Add(-s.opts.Retention).UnixMilli()
	limit := s.opts.HistoryLimit

	var recent []*Message
	var offset int64
	for len(recent) < limit {
		ids, err := s.rdb.ZRevRangeByScore(ctx, TimelineKey, &redis.ZRangeBy{
			Min:    strconv.FormatInt(cutoff, 10),
			Max:    "+inf",
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, storeErr("redis timeline", err)
		}
		if len(ids) == 0 {
			break
		}
		offset += int64(len(ids))

		msgs, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m != nil && m.Visible(now, s.opts.Retention) {
				recent = append(recent, m)
				if len(recent) == limit {
					break
				}
			}
		}
	}
	slices.Reverse(recent)
	return recent, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	keys := []string{messageKey(id), reactionKey(id, KindLike), reactionKey(id, KindHeart), reportsKey(id), TimelineKey}
	n, err := s.deleteScript.Run(ctx, s.rdb, keys, id).Int()
	if err != nil {
		return false, storeErr("redis delete", err)
	}
	return n > 0, nil
}

func (s *RedisStore) SetReaction(ctx context.Context, id, user string, kind Kind, add bool) (Reactions, error) {
	keys := []string{messageKey(id), reactionKey(id, KindLike), reactionKey(id, KindHeart)}
	flag := "0"
	if add {
		flag = "1"
	}
	res, err := s.reactionScript.Run(ctx, s.rdb, keys, user, string(kind), flag).Slice()
	if errors.Is(err, redis.Nil) {
		return Reactions{}, ErrNotFound
	}
	if err != nil {
		return Reactions{}, storeErr("redis reaction", err)
	}
	if len(res) != 2 {
		return Reactions{}, storeErr("redis reaction", fmt.Errorf("unexpected reply %v", res))
	}
	return Reactions{Like: sorted(toStrings(res[0])), Heart: sorted(toStrings(res[1]))}, nil
}

func (s *RedisStore) AppendReport(ctx context.Context, id, reporter string, at time.Time, flagAt int) (int, error) {
	entry, err := json.Marshal(ReportEntry{Reporter: reporter, At: at.UTC()})
	if err != nil {
		return 0, storeErr("encode report", err)
	}
	keys := []string{messageKey(id), reportsKey(id)}
	n, err := s.reportScript.Run(ctx, s.rdb, keys, entry, max(flagAt, 1)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storeErr("redis report", err)
	}
	return n, nil
}

// Sweep trims timeline entries that fell out of the retention window. The
// message keys themselves are expired by Redis.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Retention).UnixMilli()
	n, err := s.rdb.ZRemRangeByScore(ctx, TimelineKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, storeErr("redis sweep", err)
	}
	return int(n), nil
}

// Close closes the underlying client. Calling it again is a no-op.
func (s *RedisStore) Close() error {
	err := s.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sorted(s []string) []string {
	if s == nil {
		return []string{}
	}
	slices.Sort(s)
	return s
}

// setReactionLua adds or removes a user's reaction and returns both member
// sets. Adding to one kind removes the user from the other. Returns nil when
// the message does not exist.
const setReactionLua = `
local exp = redis.call('HGET', KEYS[1], 'expire_at')
if not exp then return false end

local target, other = KEYS[2], KEYS[3]
if ARGV[2] == 'heart' then
    target, other = KEYS[3], KEYS[2]
end

if ARGV[3] == '1' then
    redis.call('SREM', other, ARGV[1])
    redis.call('SADD', target, ARGV[1])
else
    redis.call('SREM', target, ARGV[1])
end

redis.call('EXPIREAT', KEYS[2], exp)
redis.call('EXPIREAT', KEYS[3], exp)
return {redis.call('SMEMBERS', KEYS[2]), redis.call('SMEMBERS', KEYS[3])}
`

// appendReportLua appends a ledger entry and flags the message once the
// ledger reaches ARGV[2] entries. Returns the ledger size, or nil when the
// message does not exist.
const appendReportLua = `
local exp = redis.call('HGET', KEYS[1], 'expire_at')
if not exp then return false end

local n = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('EXPIREAT', KEYS[2], exp)
if n >= tonumber(ARGV[2]) then
    redis.call('HSET', KEYS[1], 'reported', '1')
end
return n
`

const deleteMessageLua = `
local n = redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2], KEYS[3], KEYS[4])
redis.call('ZREM', KEYS[5], ARGV[1])
return n
`
