package session

import (
	"context"
	"log/slog"
	"sync"

	"marketchat/internal/domain/chat"
)

// Store is the single source of truth for the signed-in user's visible
// conversations. Only its own methods mutate the collection; every other
// component consumes derived views. One Store exists per session.
type Store struct {
	user   chat.UserID
	repo   ConversationRepository
	logger *slog.Logger

	mu             sync.Mutex
	items          map[chat.ConversationID]*chat.Conversation
	profiles       map[chat.UserID]chat.Profile
	pendingDeletes map[chat.ConversationID]struct{}
	loaded         bool
	lastErr        error
}

// NewStore builds an empty store bound to one user.
func NewStore(user chat.UserID, repo ConversationRepository, logger *slog.Logger) *Store {
	return &Store{
		user:           user,
		repo:           repo,
		logger:         logger,
		items:          make(map[chat.ConversationID]*chat.Conversation),
		profiles:       make(map[chat.UserID]chat.Profile),
		pendingDeletes: make(map[chat.ConversationID]struct{}),
	}
}

// User returns the session user the store is bound to.
func (s *Store) User() chat.UserID { return s.user }

// Load fetches the authoritative visible set and replaces the collection.
// On failure the previous state is kept and a retryable error is surfaced.
func (s *Store) Load(ctx context.Context) error {
	list, err := s.repo.ListVisible(ctx, s.user)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("conversation load failed", "user_id", s.user, "error", err)
		return err
	}
	s.Replace(list)
	s.refreshProfiles(ctx, list)
	return nil
}

// Replace swaps in a freshly fetched visible set. Conversations with an
// optimistic delete still in flight are not resurrected by a concurrent
// reconciliation pass.
func (s *Store) Replace(list []*chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[chat.ConversationID]*chat.Conversation, len(list))
	for _, conv := range list {
		if !conv.VisibleTo(s.user) {
			continue
		}
		if _, deleting := s.pendingDeletes[conv.ID]; deleting {
			continue
		}
		next[conv.ID] = conv
	}
	s.items = next
	s.loaded = true
	s.lastErr = nil
}

// Apply idempotently upserts a single conversation, or drops it when it is no
// longer visible to the session user. Applying the same row twice leaves the
// store in the same state as applying it once.
func (s *Store) Apply(conv *chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv == nil {
		return
	}
	if !conv.VisibleTo(s.user) || !conv.HasParticipant(s.user) {
		delete(s.items, conv.ID)
		return
	}
	if _, deleting := s.pendingDeletes[conv.ID]; deleting {
		return
	}
	s.items[conv.ID] = conv
}

// Remove drops a conversation from the visible set if present.
func (s *Store) Remove(id chat.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

// ApplyRemoteChange reconciles one feed notification. The payload is treated
// as a hint only: a targeted authoritative read decides the outcome, so
// duplicated or out-of-order events converge to the same state.
func (s *Store) ApplyRemoteChange(ctx context.Context, ev chat.ChangeEvent) {
	id := ev.ConversationID
	if id == "" && ev.Table == chat.TableConversations {
		id = chat.ConversationID(ev.RowID)
	}
	if id == "" {
		return
	}
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		// Gone remotely: converge by dropping it locally.
		s.Remove(id)
		return
	}
	s.Apply(conv)
}

// Get returns the conversation if it is currently visible.
func (s *Store) Get(id chat.ConversationID) (*chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[id]
	return conv, ok
}

// Visible returns the current view sorted newest activity first.
func (s *Store) Visible() []*chat.Conversation {
	return s.Sorted(chat.SortLatest)
}

// Sorted returns the visible set in the requested order.
func (s *Store) Sorted(order chat.SortOrder) []*chat.Conversation {
	s.mu.Lock()
	out := make([]*chat.Conversation, 0, len(s.items))
	for _, conv := range s.items {
		out = append(out, conv)
	}
	s.mu.Unlock()
	chat.SortConversations(out, order)
	return out
}

// Filter returns the visible conversations in the given bucket.
func (s *Store) Filter(bucket chat.Bucket) []*chat.Conversation {
	all := s.Visible()
	out := make([]*chat.Conversation, 0, len(all))
	for _, conv := range all {
		if conv.InBucket(s.user, bucket) {
			out = append(out, conv)
		}
	}
	return out
}

// Search matches term against counterpart name, listing title and last
// message preview. An empty term returns the unfiltered set.
func (s *Store) Search(term string) []*chat.Conversation {
	all := s.Visible()
	out := make([]*chat.Conversation, 0, len(all))
	for _, conv := range all {
		name := s.Profile(conv.Counterpart(s.user)).DisplayName
		if conv.MatchesSearch(term, name) {
			out = append(out, conv)
		}
	}
	return out
}

// deleteCommand is the optimistic removal of one conversation with a defined
// rollback. Queued through the store so UI callbacks never mutate state
// directly.
type deleteCommand struct {
	store *Store
	id    chat.ConversationID
	prior *chat.Conversation
}

func (c *deleteCommand) apply() bool {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	conv, ok := c.store.items[c.id]
	if !ok {
		return false
	}
	if _, deleting := c.store.pendingDeletes[c.id]; deleting {
		return false
	}
	c.prior = conv
	delete(c.store.items, c.id)
	c.store.pendingDeletes[c.id] = struct{}{}
	return true
}

func (c *deleteCommand) commit() {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.pendingDeletes, c.id)
}

func (c *deleteCommand) rollback() {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.pendingDeletes, c.id)
	// Re-inserting the prior row restores the prior sort position because
	// ordering is derived from its unchanged timestamps.
	if c.prior != nil {
		c.store.items[c.id] = c.prior
	}
}

// Delete removes the conversation from the visible set before the remote
// acknowledgment returns, and re-inserts it if the remote call fails. A
// second delete for the same id is rejected while one is in flight.
func (s *Store) Delete(ctx context.Context, id chat.ConversationID) error {
	s.mu.Lock()
	if _, deleting := s.pendingDeletes[id]; deleting {
		s.mu.Unlock()
		return ErrDeleteInFlight
	}
	s.mu.Unlock()

	cmd := &deleteCommand{store: s, id: id}
	if !cmd.apply() {
		return NotFoundOrDeleted(nil)
	}
	if err := s.repo.SoftDelete(ctx, id, s.user); err != nil {
		cmd.rollback()
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("conversation delete failed, restored", "conversation_id", id, "user_id", s.user, "error", err)
		return err
	}
	cmd.commit()
	return nil
}

// LastError returns the most recent surfaced load/delete failure, cleared by
// the next successful full load.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Loaded reports whether at least one full load has succeeded.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Profile returns the cached participant projection for id.
func (s *Store) Profile(id chat.UserID) chat.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		return p
	}
	return chat.Profile{ID: id}
}

// Counterparts lists the other party of every visible conversation.
func (s *Store) Counterparts() []chat.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[chat.UserID]struct{}, len(s.items))
	out := make([]chat.UserID, 0, len(s.items))
	for _, conv := range s.items {
		other := conv.Counterpart(s.user)
		if other == "" {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, other)
	}
	return out
}

// SetOnline annotates cached profiles with presence information.
func (s *Store) SetOnline(online map[chat.UserID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, up := range online {
		p, ok := s.profiles[id]
		if !ok {
			p = chat.Profile{ID: id}
		}
		p.Online = up
		s.profiles[id] = p
	}
}

func (s *Store) refreshProfiles(ctx context.Context, list []*chat.Conversation) {
	ids := make([]chat.UserID, 0, len(list))
	seen := make(map[chat.UserID]struct{}, len(list))
	for _, conv := range list {
		other := conv.Counterpart(s.user)
		if other == "" {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		ids = append(ids, other)
	}
	if len(ids) == 0 {
		return
	}
	profiles, err := s.repo.Profiles(ctx, ids)
	if err != nil {
		s.logger.Warn("profile refresh failed", "error", err)
		return
	}
	s.mu.Lock()
	for id, p := range profiles {
		if cached, ok := s.profiles[id]; ok {
			p.Online = cached.Online
		}
		s.profiles[id] = p
	}
	s.mu.Unlock()
}
