package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/domain/chat"
)

// UnreadAggregates sums unread counts over the visible set, partitioned by
// the session user's role in each conversation.
type UnreadAggregates struct {
	All     int `json:"all"`
	Buying  int `json:"buying"`
	Selling int `json:"selling"`
}

type messageMark struct {
	sender    chat.UserID
	createdAt time.Time
}

// UnreadCounter derives per-conversation and aggregate unread counts from
// read cursors and the message timelines observed during reconciliation.
type UnreadCounter struct {
	store  *Store
	repo   ConversationRepository
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cursors   map[chat.ConversationID]time.Time
	timelines map[chat.ConversationID][]messageMark
}

// NewUnreadCounter builds a counter over the given store.
func NewUnreadCounter(store *Store, repo ConversationRepository, logger *slog.Logger) *UnreadCounter {
	return &UnreadCounter{
		store:     store,
		repo:      repo,
		logger:    logger,
		now:       time.Now,
		cursors:   make(map[chat.ConversationID]time.Time),
		timelines: make(map[chat.ConversationID][]messageMark),
	}
}

// LoadCursors pulls the persisted read watermarks for the session user.
func (u *UnreadCounter) LoadCursors(ctx context.Context) error {
	cursors, err := u.repo.ReadCursors(ctx, u.store.User())
	if err != nil {
		return err
	}
	u.mu.Lock()
	for id, at := range cursors {
		if at.After(u.cursors[id]) {
			u.cursors[id] = at
		}
	}
	u.mu.Unlock()
	return nil
}

// Observe replaces the remembered timeline for a conversation. Idempotent:
// observing the same messages twice yields the same counts.
func (u *UnreadCounter) Observe(id chat.ConversationID, msgs []*chat.Message) {
	marks := make([]messageMark, 0, len(msgs))
	for _, m := range msgs {
		marks = append(marks, messageMark{sender: m.SenderID, createdAt: m.CreatedAt})
	}
	u.mu.Lock()
	u.timelines[id] = marks
	u.mu.Unlock()
}

// Retain drops cached timelines for every conversation outside keep, i.e.
// those that left the visible set.
func (u *UnreadCounter) Retain(keep map[chat.ConversationID]struct{}) {
	u.mu.Lock()
	for id := range u.timelines {
		if _, ok := keep[id]; !ok {
			delete(u.timelines, id)
		}
	}
	u.mu.Unlock()
}

// Cursor returns the read watermark for a conversation.
func (u *UnreadCounter) Cursor(id chat.ConversationID) time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cursors[id]
}

// CountFor returns the number of counterpart messages after the user's read
// cursor for the conversation.
func (u *UnreadCounter) CountFor(id chat.ConversationID) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.countLocked(id)
}

func (u *UnreadCounter) countLocked(id chat.ConversationID) int {
	cursor := u.cursors[id]
	user := u.store.User()
	count := 0
	for _, m := range u.timelines[id] {
		if m.sender != user && m.createdAt.After(cursor) {
			count++
		}
	}
	return count
}

// Aggregates sums CountFor across the visible set.
func (u *UnreadCounter) Aggregates() UnreadAggregates {
	visible := u.store.Visible()
	user := u.store.User()
	u.mu.Lock()
	defer u.mu.Unlock()
	var agg UnreadAggregates
	for _, conv := range visible {
		n := u.countLocked(conv.ID)
		if n == 0 {
			continue
		}
		agg.All += n
		if conv.BucketFor(user) == chat.BucketBuying {
			agg.Buying += n
		} else {
			agg.Selling += n
		}
	}
	return agg
}

// MarkRead advances the cursor to now. The local cursor moves before the
// remote write; a failed remote write is tolerated — a missed re-notification
// is preferred over a stale unread badge.
func (u *UnreadCounter) MarkRead(ctx context.Context, id chat.ConversationID) {
	at := u.now()
	u.mu.Lock()
	if at.After(u.cursors[id]) {
		u.cursors[id] = at
	}
	u.mu.Unlock()
	if err := u.repo.MarkRead(ctx, id, u.store.User(), at); err != nil {
		u.logger.Warn("mark read failed, local cursor kept", "conversation_id", id, "error", err)
	}
}
