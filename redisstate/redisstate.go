// Package redisstate keeps user conversation states in Redis so that dialogues survive
// restarts and can be shared by several bot replicas.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/onnwee/danmaku-relay/settings"
)

const keyPrefix = "dmrelay:user_state:"

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Store implements settings.StateStore. A non-zero TTL expires abandoned dialogues.
type Store struct {
	rdb goredis.Cmdable
	ttl time.Duration
}

// New returns a Store over rdb.
func New(rdb goredis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func key(userID int64) string { return keyPrefix + strconv.FormatInt(userID, 10) }

func (s *Store) GetUserState(ctx context.Context, userID int64) (settings.UserState, bool, error) {
	var st settings.UserState
	data, err := s.rdb.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("decode user state %d: %w", userID, err)
	}
	return st, true, nil
}

func (s *Store) SetUserState(ctx context.Context, userID int64, st settings.UserState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(userID), data, s.ttl).Err()
}

func (s *Store) ClearUserState(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, key(userID)).Err()
}
