package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

const keyPrefix = "presence:"

// RedisSource tracks presence through per-user heartbeat keys with a TTL:
// a user is online while their key has not expired.
type RedisSource struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSource builds a presence source. ttl <= 0 selects 45 seconds.
func NewRedisSource(client *redis.Client, ttl time.Duration) *RedisSource {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisSource{client: client, ttl: ttl}
}

// Heartbeat refreshes the session user's presence key.
func (s *RedisSource) Heartbeat(ctx context.Context, user chat.UserID) error {
	return s.client.Set(ctx, keyPrefix+string(user), "1", s.ttl).Err()
}

// Online reports which of the given users have a live heartbeat key, using a
// single pipelined round trip.
func (s *RedisSource) Online(ctx context.Context, users []chat.UserID) (map[chat.UserID]bool, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[chat.UserID]*redis.IntCmd, len(users))
	for _, user := range users {
		cmds[user] = pipe.Exists(ctx, keyPrefix+string(user))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[chat.UserID]bool, len(users))
	for user, cmd := range cmds {
		out[user] = cmd.Val() > 0
	}
	return out, nil
}

var _ session.PresenceSource = (*RedisSource)(nil)
