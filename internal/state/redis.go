package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "multicam:"

	sessionKey    = "session"
	slotKeyFormat = "slot:%d"
)

// RedisOptions configures the Redis-backed Store.
type RedisOptions struct {
	// URL in redis:// form (address, credentials, db).
	URL string
	// KeyPrefix namespaces all keys; defaults to "multicam:".
	KeyPrefix string
	// RetryInitialInterval seeds the exponential backoff for transient
	// failures; RetryMaxElapsed bounds the total time spent retrying one call.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// RedisStore implements Store on a Redis instance shared by all relay
// processes. Every operation retries transient failures with bounded
// exponential backoff before surfacing an error.
//
// The store performs no cross-key transactions; a slot read immediately
// after another process's write may be stale by one write, which callers
// tolerate by design.
type RedisStore struct {
	client       *redis.Client
	keyPrefix    string
	retryInitial time.Duration
	retryElapsed time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	retryInitial := opts.RetryInitialInterval
	if retryInitial <= 0 {
		retryInitial = 100 * time.Millisecond
	}
	retryElapsed := opts.RetryMaxElapsed
	if retryElapsed <= 0 {
		retryElapsed = 5 * time.Second
	}

	return &RedisStore{
		client:       redis.NewClient(ropts),
		keyPrefix:    prefix,
		retryInitial: retryInitial,
		retryElapsed: retryElapsed,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(suffix string) string {
	return s.keyPrefix + suffix
}

func (s *RedisStore) slotKey(slotID int) string {
	return s.key(fmt.Sprintf(slotKeyFormat, slotID))
}

// retry runs fn with bounded exponential backoff. Non-transient failures
// (decode errors, missing records) must be wrapped in backoff.Permanent by
// fn so they surface immediately.
func (s *RedisStore) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInitial
	bo.MaxElapsedTime = s.retryElapsed
	if err := backoff.Retry(fn, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *RedisStore) Session(ctx context.Context) (Session, error) {
	var sess Session
	err := s.retry(ctx, "get session", func() error {
		raw, err := s.client.Get(ctx, s.key(sessionKey)).Result()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrSessionMissing)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return backoff.Permanent(fmt.Errorf("decode session: %w", err))
		}
		return nil
	})
	return sess, err
}

func (s *RedisStore) UpdateSession(ctx context.Context, patch SessionPatch) (Session, error) {
	var sess Session
	err := s.retry(ctx, "update session", func() error {
		raw, err := s.client.Get(ctx, s.key(sessionKey)).Result()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrSessionMissing)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return backoff.Permanent(fmt.Errorf("decode session: %w", err))
		}

		if patch.FilmID != nil {
			sess.FilmID = *patch.FilmID
		}
		if patch.ProductionID != nil {
			sess.ProductionID = *patch.ProductionID
		}

		payload, err := json.Marshal(sess)
		if err != nil {
			return backoff.Permanent(err)
		}
		return s.client.Set(ctx, s.key(sessionKey), payload, 0).Err()
	})
	return sess, err
}

func (s *RedisStore) EnsureSession(ctx context.Context) (Session, error) {
	fresh := Session{
		FilmID:       uuid.NewString(),
		ProductionID: uuid.NewString(),
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return Session{}, err
	}

	var sess Session
	err = s.retry(ctx, "ensure session", func() error {
		created, err := s.client.SetNX(ctx, s.key(sessionKey), payload, 0).Result()
		if err != nil {
			return err
		}
		if created {
			sess = fresh
			return nil
		}

		// Lost the bootstrap race (or a session already exists): the first
		// write wins and we adopt it rather than trusting our generated pair.
		raw, err := s.client.Get(ctx, s.key(sessionKey)).Result()
		if err != nil {
			// redis.Nil here means the key vanished between SetNX and Get;
			// retrying re-runs the SetNX.
			return err
		}
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return backoff.Permanent(fmt.Errorf("decode session: %w", err))
		}
		return nil
	})
	return sess, err
}

func (s *RedisStore) SlotState(ctx context.Context, slotID int) (SlotState, error) {
	var slot SlotState
	err := s.retry(ctx, "get slot state", func() error {
		raw, err := s.client.Get(ctx, s.slotKey(slotID)).Result()
		if errors.Is(err, redis.Nil) {
			slot = SlotState{Metadata: map[string]any{}}
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &slot); err != nil {
			return backoff.Permanent(fmt.Errorf("decode slot %d: %w", slotID, err))
		}
		if slot.Metadata == nil {
			slot.Metadata = map[string]any{}
		}
		return nil
	})
	return slot, err
}

func (s *RedisStore) SetSlotState(ctx context.Context, slotID int, connected bool, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	record := SlotState{
		Connected:  connected,
		Metadata:   metadata,
		LastUpdate: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.retry(ctx, "set slot state", func() error {
		return s.client.Set(ctx, s.slotKey(slotID), payload, 0).Err()
	})
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
