package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/domain/chat"
)

// Options wires the subsystem's external collaborators.
type Options struct {
	Identity Identity
	Repo     ConversationRepository
	Feed     ChangeFeed
	Presence PresenceSource
	Uploader Uploader
	Logger   *slog.Logger

	RefreshInterval  time.Duration
	PresenceInterval time.Duration
}

// Session is the per-user entry point exposed to the rest of the
// application: panel open/close, deep-link navigation and the aggregate
// unread badge. One Session exists per signed-in user.
type Session struct {
	user    chat.UserID
	logger  *slog.Logger
	store   *Store
	counter *UnreadCounter
	sync    *SyncAgent
	track   *PresenceTracker
	list    *ListController
	detail  *DetailController

	mu        sync.Mutex
	panelOpen bool
	started   bool
}

// New builds a session for the currently signed-in user.
func New(opts Options) (*Session, error) {
	user, ok := opts.Identity.CurrentUser()
	if !ok {
		return nil, ErrNoUser
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := NewStore(user, opts.Repo, logger)
	counter := NewUnreadCounter(store, opts.Repo, logger)
	agent := NewSyncAgent(store, counter, opts.Feed, logger, opts.RefreshInterval)
	track := NewPresenceTracker(store, opts.Presence, logger, opts.PresenceInterval)
	list := NewListController(store, counter, logger)
	detail := NewDetailController(store, counter, opts.Repo, opts.Feed, opts.Uploader, logger)

	s := &Session{
		user:    user,
		logger:  logger,
		store:   store,
		counter: counter,
		sync:    agent,
		track:   track,
		list:    list,
		detail:  detail,
	}
	list.OnSelect = func(id chat.ConversationID) {
		// Selection is fire and forget from the UI's point of view.
		go func() {
			if err := detail.Open(context.Background(), id); err != nil {
				logger.Warn("open conversation failed", "conversation_id", id, "error", err)
			}
		}()
	}
	list.OnClosePanel = func() { s.ClosePanel() }
	return s, nil
}

// Start loads cursors, runs the first reconciliation and begins presence
// tracking. Subscriptions live until Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.counter.LoadCursors(ctx); err != nil {
		s.logger.Warn("read cursor load failed", "error", err)
	}
	if err := s.sync.Start(ctx); err != nil {
		return err
	}
	s.track.Start(ctx)
	return nil
}

// User returns the session user.
func (s *Session) User() chat.UserID { return s.user }

// Store exposes the conversation collection for read-only consumers.
func (s *Session) Store() *Store { return s.store }

// Unread exposes the unread counter.
func (s *Session) Unread() *UnreadCounter { return s.counter }

// List exposes the conversation list controller.
func (s *Session) List() *ListController { return s.list }

// Detail exposes the open-conversation controller.
func (s *Session) Detail() *DetailController { return s.detail }

// Presence exposes the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.track }

// OpenPanel handles the closed->open transition: it arms the periodic
// refresh and triggers an immediate reconciliation.
func (s *Session) OpenPanel(ctx context.Context) {
	s.mu.Lock()
	if s.panelOpen {
		s.mu.Unlock()
		return
	}
	s.panelOpen = true
	s.mu.Unlock()
	s.sync.PanelOpened(ctx)
}

// ClosePanel stops the periodic refresh and closes any open detail view.
func (s *Session) ClosePanel() {
	s.mu.Lock()
	if !s.panelOpen {
		s.mu.Unlock()
		return
	}
	s.panelOpen = false
	s.mu.Unlock()
	s.sync.PanelClosed()
	s.detail.Close()
}

// NavigateToConversation is the deep-link entry point used by routing.
func (s *Session) NavigateToConversation(ctx context.Context, id chat.ConversationID) error {
	s.OpenPanel(ctx)
	return s.detail.Open(ctx, id)
}

// DeleteConversation confirms the pending delete. The user's own delete of
// the open conversation routes straight to navigation, never through the
// disabled state.
func (s *Session) DeleteConversation(ctx context.Context, id chat.ConversationID) error {
	err := s.list.ConfirmDelete(ctx, id)
	if err == nil && s.detail.ConversationID() == id {
		s.detail.Redirect()
		s.detail.Close()
	}
	return err
}

// UnreadBadge is the aggregate unread value consumable by navigation chrome.
func (s *Session) UnreadBadge() UnreadAggregates {
	return s.counter.Aggregates()
}

// SetVisible reports tab visibility transitions; becoming visible triggers a
// reconciliation and a presence refresh.
func (s *Session) SetVisible(ctx context.Context, visible bool) {
	s.sync.SetVisible(ctx, visible)
	if visible {
		s.track.Refresh(ctx)
	}
}

// Close tears down timers and subscriptions. No goroutine owned by the
// session survives Close.
func (s *Session) Close() {
	s.detail.Close()
	s.sync.Close()
	s.track.Close()
}
