// Package presence tracks which users are online through expiring Redis keys.
package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 60 * time.Second

type Status struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

func key(userID string) string {
	return "therapia:presence:" + userID
}

// Heartbeat marks userID online until the TTL lapses without another heartbeat.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	ts := strconv.FormatInt(s.now().UTC().Unix(), 10)
	return s.rdb.Set(ctx, key(userID), ts, s.ttl).Err()
}

func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, key(userID)).Err()
}

func (s *Store) Get(ctx context.Context, userID string) (Status, error) {
	val, err := s.rdb.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Status{UserID: userID}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return parseStatus(userID, val), nil
}

// Online returns one status per id, in the order given.
func (s *Store) Online(ctx context.Context, userIDs ...string) ([]Status, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Status, len(userIDs))
	for i, id := range userIDs {
		v, ok := vals[i].(string)
		if !ok {
			out[i] = Status{UserID: id}
			continue
		}
		out[i] = parseStatus(id, v)
	}
	return out, nil
}

func parseStatus(userID, val string) Status {
	st := Status{UserID: userID, Online: true}
	if sec, err := strconv.ParseInt(val, 10, 64); err == nil {
		st.LastSeen = time.Unix(sec, 0).UTC()
	}
	return st
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
