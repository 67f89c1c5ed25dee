package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerMsgPrefix   = "msg:"
	badgerIndexPrefix = "ts:"
	maxTxnAttempts    = 100
)

// BadgerStore keeps messages in an embedded Badger database. Every message
// is one JSON document plus a timeline index key; both carry a native TTL.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

// OpenBadgerStore opens (or creates) a store at path. An empty path opens an
// in-memory database.
func OpenBadgerStore(path string, opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("chat: open badger %q: %w", path, err)
	}
	return &BadgerStore{db: db, opts: opts.withDefaults()}, nil
}

func msgKey(id string) []byte { return []byte(badgerMsgPrefix + id) }

func indexKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%016d:%s", badgerIndexPrefix, max(ts.UnixMilli(), 0), id))
}

// parseIndexKey splits "ts:<millis>:<id>".
func parseIndexKey(k []byte) (int64, string, bool) {
	rest := string(k[len(badgerIndexPrefix):])
	if len(rest) < 18 || rest[16] != ':' {
		return 0, "", false
	}
	ms, err := strconv.ParseInt(rest[:16], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ms, rest[17:], true
}

func (s *BadgerStore) Submit(ctx context.Context, author, text, clientTimestamp string) (*Message, error) {
	msg, err := s.opts.newMessage(author, text, clientTimestamp)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, storeErr("encode message", err)
	}
	expiresAt := uint64(s.opts.expiryFor(msg.Timestamp).Unix())

	err = s.db.Update(func(txn *badger.Txn) error {
		doc := badger.NewEntry(msgKey(msg.ID), data)
		doc.ExpiresAt = expiresAt
		if err := txn.SetEntry(doc); err != nil {
			return err
		}
		idx := badger.NewEntry(indexKey(msg.Timestamp, msg.ID), nil)
		idx.ExpiresAt = expiresAt
		return txn.SetEntry(idx)
	})
	if err != nil {
		return nil, storeErr("badger submit", err)
	}
	return msg, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, _, err = readMessage(txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("badger get", err)
	}
	return msg, nil
}

func readMessage(txn *badger.Txn, id string) (*Message, uint64, error) {
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var msg Message
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, 0, err
	}
	return &msg, item.ExpiresAt(), nil
}

// mutate applies fn to a message inside an optimistic transaction, retrying
// when a concurrent writer touched the same message.
func (s *BadgerStore) mutate(ctx context.Context, op, id string, fn func(*Message)) (*Message, error) {
	for attempt := 0; ; attempt++ {
		var out *Message
		err := s.db.Update(func(txn *badger.Txn) error {
			msg, expiresAt, err := readMessage(txn, id)
			if err != nil {
				return err
			}
			fn(msg)
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			e := badger.NewEntry(msgKey(id), data)
			e.ExpiresAt = expiresAt
			out = msg
			return txn.SetEntry(e)
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, badger.ErrConflict) && attempt < maxTxnAttempts && ctx.Err() == nil:
			continue
		default:
			return nil, storeErr(op, err)
		}
	}
}

func (s *BadgerStore) SetReaction(ctx context.Context, id, user string, kind Kind, add bool) (Reactions, error) {
	msg, err := s.mutate(ctx, "badger reaction", id, func(m *Message) {
		m.Reactions = m.Reactions.Apply(user, kind, add)
	})
	if err != nil {
		return Reactions{}, err
	}
	return msg.Reactions, nil
}

func (s *BadgerStore) AppendReport(ctx context.Context, id, reporter string, at time.Time, flagAt int) (int, error) {
	msg, err := s.mutate(ctx, "badger report", id, func(m *Message) {
		m.Reports = append(m.Reports, ReportEntry{Reporter: reporter, At: at.UTC()})
		if len(m.Reports) >= max(flagAt, 1) {
			m.Reported = true
		}
	})
	if err != nil {
		return 0, err
	}
	return len(msg.Reports), nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) (bool, error) {
	for attempt := 0; ; attempt++ {
		removed := false
		err := s.db.Update(func(txn *badger.Txn) error {
			msg, _, err := readMessage(txn, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(msgKey(id)); err != nil {
				return err
			}
			removed = true
			return txn.Delete(indexKey(msg.Timestamp, id))
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnAttempts && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return false, storeErr("badger delete", err)
		}
		return removed, nil
	}
}

func (s *BadgerStore) RecentMessages(ctx context.Context) ([]*Message, error) {
	now := s.opts.Now()
	cutoff := now.Add(-s.opts.Retention).UnixMilli()
	limit := s.opts.HistoryLimit

	var recent []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.PrefetchValues = false
		itOpts.Prefix = []byte(badgerIndexPrefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Seek([]byte(badgerIndexPrefix + "~")); it.Valid() && len(recent) < limit; it.Next() {
			ms, id, ok := parseIndexKey(it.Item().Key())
			if !ok {
				continue
			}
			if ms < cutoff {
				break
			}
			msg, _, err := readMessage(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if msg.Visible(now, s.opts.Retention) {
				recent = append(recent, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("badger recent", err)
	}
	slices.Reverse(recent)
	return recent, nil
}

// Sweep removes records older than the retention window and reclaims value
// log space. Badger already hides expired keys; this keeps the index short.
func (s *BadgerStore) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Retention).UnixMilli()

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = []byte(badgerIndexPrefix)
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ms, id, ok := parseIndexKey(it.Item().Key())
			if !ok {
				continue
			}
			if ms >= cutoff {
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil), msgKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("badger sweep", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, storeErr("badger sweep", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, storeErr("badger sweep", err)
	}

	if err := s.db.RunValueLogGC(0.5); err != nil &&
		!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return len(stale) / 2, storeErr("badger gc", err)
	}
	return len(stale) / 2, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
