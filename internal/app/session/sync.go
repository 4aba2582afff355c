package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/domain/chat"
)

const defaultRefreshInterval = 30 * time.Second

// SyncAgent keeps the store eventually consistent with the remote tables.
// Every trigger — session start, panel open, tab visibility, the periodic
// timer and feed events — funnels into the same idempotent Reconcile entry
// point. The feed is at-least-once and unordered, so the periodic and
// visibility refreshes are the correctness backstop, not an optimization.
type SyncAgent struct {
	store    *Store
	counter  *UnreadCounter
	feed     ChangeFeed
	logger   *slog.Logger
	interval time.Duration

	mu          sync.Mutex
	reconciling bool
	pending     bool
	panelOpen   bool
	visible     bool
	tickerStop  chan struct{}
	cancelFeed  func()
	closed      bool
	wg          sync.WaitGroup
}

// NewSyncAgent wires the reconciliation loop. interval <= 0 selects the
// 30 second default.
func NewSyncAgent(store *Store, counter *UnreadCounter, feed ChangeFeed, logger *slog.Logger, interval time.Duration) *SyncAgent {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &SyncAgent{
		store:    store,
		counter:  counter,
		feed:     feed,
		logger:   logger,
		interval: interval,
		visible:  true,
	}
}

// Start subscribes to the change feed once per session and runs the initial
// reconciliation.
func (a *SyncAgent) Start(ctx context.Context) error {
	if a.feed != nil {
		tables := []string{chat.TableConversations, chat.TableMessages}
		cancel, err := a.feed.Subscribe(ctx, tables, func(ev chat.ChangeEvent) {
			a.onFeedEvent(ctx, ev)
		}, func(err error) {
			a.logger.Warn("change feed lost, reconciling", "error", err)
			a.Reconcile(ctx)
		})
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.cancelFeed = cancel
		a.mu.Unlock()
	}
	a.Reconcile(ctx)
	return nil
}

func (a *SyncAgent) onFeedEvent(ctx context.Context, ev chat.ChangeEvent) {
	// The event payload is a hint, never ground truth: a counterpart insert
	// can race local optimistic state, so summary fields come from an
	// authoritative read.
	a.store.ApplyRemoteChange(ctx, ev)
	a.Reconcile(ctx)
}

// PanelOpened handles the closed->open transition: immediate reconciliation
// plus the periodic refresh timer for as long as the panel stays open.
func (a *SyncAgent) PanelOpened(ctx context.Context) {
	a.mu.Lock()
	if a.closed || a.panelOpen {
		a.mu.Unlock()
		return
	}
	a.panelOpen = true
	stop := make(chan struct{})
	a.tickerStop = stop
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Reconcile(ctx)
			}
		}
	}()
	a.Reconcile(ctx)
}

// PanelClosed cancels the periodic refresh timer.
func (a *SyncAgent) PanelClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTickerLocked()
}

func (a *SyncAgent) stopTickerLocked() {
	a.panelOpen = false
	if a.tickerStop != nil {
		close(a.tickerStop)
		a.tickerStop = nil
	}
}

// SetVisible records tab visibility; the hidden->visible transition triggers
// an immediate reconciliation.
func (a *SyncAgent) SetVisible(ctx context.Context, visible bool) {
	a.mu.Lock()
	was := a.visible
	a.visible = visible
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if visible && !was {
		a.Reconcile(ctx)
	}
}

// Close tears down the feed subscription and the refresh timer. No timer may
// fire after Close returns.
func (a *SyncAgent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.stopTickerLocked()
	cancel := a.cancelFeed
	a.cancelFeed = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// Reconcile runs one full reconciliation pass. Concurrent callers do not
// interleave passes: while one is in flight, further requests collapse into
// a single queued follow-up pass.
func (a *SyncAgent) Reconcile(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.reconciling {
		a.pending = true
		a.mu.Unlock()
		return
	}
	a.reconciling = true
	a.mu.Unlock()

	for {
		a.reconcileOnce(ctx)
		a.mu.Lock()
		if !a.pending || a.closed {
			a.reconciling = false
			a.mu.Unlock()
			return
		}
		a.pending = false
		a.mu.Unlock()
	}
}

func (a *SyncAgent) reconcileOnce(ctx context.Context) {
	if err := a.store.Load(ctx); err != nil {
		// Retryable; already-loaded state stays visible.
		return
	}
	if a.counter == nil {
		return
	}
	visible := a.store.Visible()
	keep := make(map[chat.ConversationID]struct{}, len(visible))
	for _, conv := range visible {
		keep[conv.ID] = struct{}{}
		cursor := a.counter.Cursor(conv.ID)
		if !conv.LastMessageAt.After(cursor) {
			// Nothing newer than the cursor: unread is zero by definition.
			a.counter.Observe(conv.ID, nil)
			continue
		}
		msgs, err := a.store.repo.ListMessages(ctx, conv.ID)
		if err != nil {
			a.logger.Warn("message reconciliation failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		a.counter.Observe(conv.ID, msgs)
	}
	a.counter.Retain(keep)
}
