package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/id"
)

// entryBlob is the wire form of a dead-letter entry. The ID travels as
// its string form so the blob stays independent of the id type's
// internals.
type entryBlob struct {
	ID         string     `msgpack:"id"`
	Op         string     `msgpack:"op"`
	JobID      string     `msgpack:"job_id"`
	UserID     string     `msgpack:"user_id"`
	Payload    []byte     `msgpack:"payload"`
	Error      string     `msgpack:"error"`
	Attempts   int        `msgpack:"attempts"`
	FailedAt   time.Time  `msgpack:"failed_at"`
	ResolvedAt *time.Time `msgpack:"resolved_at"`
	CreatedAt  time.Time  `msgpack:"created_at"`
}

func toBlob(e *deadletter.Entry) *entryBlob {
	return &entryBlob{
		ID:         e.ID.String(),
		Op:         e.Op,
		JobID:      e.JobID,
		UserID:     e.UserID,
		Payload:    e.Payload,
		Error:      e.Error,
		Attempts:   e.Attempts,
		FailedAt:   e.FailedAt,
		ResolvedAt: e.ResolvedAt,
		CreatedAt:  e.CreatedAt,
	}
}

func (b *entryBlob) entry() (*deadletter.Entry, error) {
	parsed, err := id.Parse(b.ID)
	if err != nil {
		return nil, fmt.Errorf("darkroom/redis: parse dead-letter id %q: %w", b.ID, err)
	}
	return &deadletter.Entry{
		ID:         parsed,
		Op:         b.Op,
		JobID:      b.JobID,
		UserID:     b.UserID,
		Payload:    b.Payload,
		Error:      b.Error,
		Attempts:   b.Attempts,
		FailedAt:   b.FailedAt,
		ResolvedAt: b.ResolvedAt,
		CreatedAt:  b.CreatedAt,
	}, nil
}

// PushEntry adds a dead-letter entry.
func (s *Store) PushEntry(ctx context.Context, entry *deadletter.Entry) error {
	data, err := msgpack.Marshal(toBlob(entry))
	if err != nil {
		return fmt.Errorf("darkroom/redis: marshal dead letter: %w", err)
	}

	key := entry.ID.String()
	if err := s.client.Set(ctx, deadletterKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("darkroom/redis: push dead letter: %w", err)
	}
	err = s.client.ZAdd(ctx, deadletterIndexKey, redis.Z{
		Score:  float64(entry.FailedAt.UnixNano()),
		Member: key,
	}).Err()
	if err != nil {
		return fmt.Errorf("darkroom/redis: index dead letter: %w", err)
	}
	return nil
}

// ListEntries returns entries matching the given options, newest first.
func (s *Store) ListEntries(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, deadletterIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("darkroom/redis: list dead letters: %w", err)
	}

	var entries []*deadletter.Entry
	skipped := 0
	for _, entryID := range ids {
		e, getErr := s.getByKey(ctx, entryID)
		if getErr != nil {
			if getErr == redis.Nil {
				// Index entry outlived its blob; skip.
				continue
			}
			return nil, getErr
		}
		if opts.Op != "" && e.Op != opts.Op {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		entries = append(entries, e)
		if opts.Limit > 0 && len(entries) == opts.Limit {
			break
		}
	}
	return entries, nil
}

// GetEntry retrieves a dead-letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.ID) (*deadletter.Entry, error) {
	e, err := s.getByKey(ctx, entryID.String())
	if err != nil {
		if err == redis.Nil {
			return nil, darkroom.ErrEntryNotFound
		}
		return nil, err
	}
	return e, nil
}

// ResolveEntry marks an entry as manually reconciled.
func (s *Store) ResolveEntry(ctx context.Context, entryID id.ID) error {
	e, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.ResolvedAt = &now

	data, err := msgpack.Marshal(toBlob(e))
	if err != nil {
		return fmt.Errorf("darkroom/redis: marshal dead letter: %w", err)
	}
	if err := s.client.Set(ctx, deadletterKey(entryID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("darkroom/redis: resolve dead letter: %w", err)
	}
	return nil
}

// PurgeEntries removes entries that failed before the given time.
func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, deadletterIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixNano()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("darkroom/redis: purge dead letters: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, entryID := range ids {
		keys[i] = deadletterKey(entryID)
		members[i] = entryID
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("darkroom/redis: purge dead letters: %w", err)
	}
	if err := s.client.ZRem(ctx, deadletterIndexKey, members...).Err(); err != nil {
		return 0, fmt.Errorf("darkroom/redis: purge dead-letter index: %w", err)
	}
	return int64(len(ids)), nil
}

// CountEntries returns the total number of unresolved entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	ids, err := s.client.ZRange(ctx, deadletterIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("darkroom/redis: count dead letters: %w", err)
	}
	var n int64
	for _, entryID := range ids {
		e, getErr := s.getByKey(ctx, entryID)
		if getErr != nil {
			if getErr == redis.Nil {
				continue
			}
			return 0, getErr
		}
		if e.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) getByKey(ctx context.Context, entryID string) (*deadletter.Entry, error) {
	data, err := s.client.Get(ctx, deadletterKey(entryID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("darkroom/redis: get dead letter: %w", err)
	}
	var b entryBlob
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("darkroom/redis: unmarshal dead letter %s: %w", entryID, err)
	}
	return b.entry()
}
