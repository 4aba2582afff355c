package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/domain/chat"
)

const defaultPresenceInterval = 20 * time.Second

// PresenceTracker maintains the set of counterparts currently considered
// online. It heartbeats the session user and refreshes counterpart state on
// a timer and on visibility changes.
type PresenceTracker struct {
	store    *Store
	source   PresenceSource
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewPresenceTracker builds a tracker over the store's counterpart set.
func NewPresenceTracker(store *Store, source PresenceSource, logger *slog.Logger, interval time.Duration) *PresenceTracker {
	if interval <= 0 {
		interval = defaultPresenceInterval
	}
	return &PresenceTracker{store: store, source: source, logger: logger, interval: interval}
}

// Start launches the periodic refresh loop.
func (t *PresenceTracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.closed || t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Refresh(ctx)
			}
		}
	}()
	t.Refresh(ctx)
}

// Refresh heartbeats the session user and re-annotates counterpart profiles.
// Presence is best effort: failures are logged and the last known state kept.
func (t *PresenceTracker) Refresh(ctx context.Context) {
	if t.source == nil {
		return
	}
	if err := t.source.Heartbeat(ctx, t.store.User()); err != nil {
		t.logger.Warn("presence heartbeat failed", "error", err)
	}
	others := t.store.Counterparts()
	if len(others) == 0 {
		return
	}
	online, err := t.source.Online(ctx, others)
	if err != nil {
		t.logger.Warn("presence lookup failed", "error", err)
		return
	}
	t.store.SetOnline(online)
}

// IsOnline reports the last annotated presence state for a user.
func (t *PresenceTracker) IsOnline(id chat.UserID) bool {
	return t.store.Profile(id).Online
}

// Close stops the refresh loop.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}
