package registrycenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// lockRecord 分布式锁的持有者和过期时间
type lockRecord struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}

// TryLock takes key for owner if it is free, expired, or already held by owner.
// Expired locks are taken over by delete-then-create, so on backends without
// put-if-absent two racing takeovers may both succeed.
func (s *Session) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	record, err := json.Marshal(lockRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl).UnixMilli()})
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = s.Create(ctx, key, string(record))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrExists) {
			return false, err
		}

		raw, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		var held lockRecord
		if err := json.Unmarshal([]byte(raw), &held); err != nil {
			return false, fmt.Errorf("decode lock %s: %w", key, err)
		}
		if held.Owner == owner {
			return true, s.Put(ctx, key, string(record))
		}
		if held.ExpiresAt > time.Now().UnixMilli() {
			return false, nil
		}

		// expired, check it is still the record we read before removing it
		again, err := s.Get(ctx, key)
		if err == nil && again == raw {
			if err := s.Delete(ctx, key); err != nil {
				return false, err
			}
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

// Lock retries TryLock with backoff until wait elapses.
func (s *Session) Lock(ctx context.Context, key, owner string, ttl, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	backoff := s.opts.Backoff
	for {
		ok, err := s.TryLock(ctx, key, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("lock %s: %w", key, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// Unlock releases key if owner holds it.
func (s *Session) Unlock(ctx context.Context, key, owner string) error {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var held lockRecord
	if err := json.Unmarshal([]byte(raw), &held); err != nil {
		return fmt.Errorf("decode lock %s: %w", key, err)
	}
	if held.Owner != owner {
		return nil
	}
	return s.Delete(ctx, key)
}
