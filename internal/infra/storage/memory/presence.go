package memory

import (
	"context"
	"sync"
	"time"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

// PresenceSource is an in-memory heartbeat table mirroring the Redis
// adapter's TTL semantics.
type PresenceSource struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	beats map[chat.UserID]time.Time
}

// NewPresenceSource builds a source; ttl <= 0 selects 45 seconds.
func NewPresenceSource(ttl time.Duration) *PresenceSource {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &PresenceSource{
		ttl:   ttl,
		now:   time.Now,
		beats: make(map[chat.UserID]time.Time),
	}
}

func (s *PresenceSource) Heartbeat(ctx context.Context, user chat.UserID) error {
	s.mu.Lock()
	s.beats[user] = s.now()
	s.mu.Unlock()
	return nil
}

func (s *PresenceSource) Online(ctx context.Context, users []chat.UserID) (map[chat.UserID]bool, error) {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[chat.UserID]bool, len(users))
	for _, user := range users {
		at, ok := s.beats[user]
		out[user] = ok && at.After(cutoff)
	}
	return out, nil
}

var _ session.PresenceSource = (*PresenceSource)(nil)
