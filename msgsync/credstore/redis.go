package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Jay4h/jobsetu-sub000/msgsync"
)

// DefaultRedisKey is the key sessions are stored under when none is given.
const DefaultRedisKey = "jobsetu:session"

// NewRedisClient creates a client for addr with short timeouts, suitable
// for a store that is read on every login and logout.
func NewRedisClient(addr string) *redis.Client {
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		DialTimeout:  2 * time.Second,
	})
}

// RedisStore keeps the session under a key and announces every change on a
// pub/sub channel, so clients on other hosts follow along.
type RedisStore struct {
	rdb     redis.UniversalClient
	key     string
	channel string

	ready func()
}

var _ msgsync.CredentialStore = (*RedisStore)(nil)

// NewRedisStore returns a store using key, and key+":changed" as the
// notification channel.
func NewRedisStore(rdb redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key, channel: key + ":changed"}
}

// Load reads the session. A missing key is a logged-out session.
func (r *RedisStore) Load(ctx context.Context) (msgsync.Session, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return msgsync.Session{}, nil
	}
	if err != nil {
		return msgsync.Session{}, fmt.Errorf("redis get session: %w", err)
	}
	var s msgsync.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return msgsync.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// Save stores s and announces the change.
func (r *RedisStore) Save(ctx context.Context, s msgsync.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return r.announce(ctx)
}

// Clear deletes the key and announces the change.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return r.announce(ctx)
}

func (r *RedisStore) announce(ctx context.Context) error {
	if err := r.rdb.Publish(ctx, r.channel, "changed").Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Watch reloads the key on every announcement. Announcements carry no
// payload; the key is the only source of truth.
func (r *RedisStore) Watch(ctx context.Context, fn func(msgsync.Session)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	last, _ := r.Load(ctx)
	if r.ready != nil {
		r.ready()
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			s, err := r.Load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if s != last {
				last = s
				fn(s)
			}
		}
	}
}
