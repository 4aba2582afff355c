package session

import (
	"context"
	"log/slog"
	"sync"

	"marketchat/internal/domain/chat"
)

// DeleteState tracks the deletion confirmation flow for one conversation.
type DeleteState string

const (
	DeleteIdle       DeleteState = "idle"
	DeleteConfirming DeleteState = "confirming"
	DeleteInFlight   DeleteState = "deleting"
	// DeleteRestored marks a failed delete whose conversation was re-inserted
	// at its prior position.
	DeleteRestored DeleteState = "restored"
)

// ListController presents the filtered, searched and sorted view of the
// store and drives the delete-confirmation flow. It never mutates remote
// state itself; commands go back through the store.
type ListController struct {
	store   *Store
	counter *UnreadCounter
	logger  *slog.Logger

	// OnSelect is notified with the target id when a row is selected.
	OnSelect func(chat.ConversationID)
	// OnClosePanel closes the list panel on narrow viewports after selection.
	OnClosePanel func()
	// OnScrollTo requests that the row for id be scrolled into view.
	OnScrollTo func(chat.ConversationID)

	mu             sync.Mutex
	bucket         chat.Bucket
	order          chat.SortOrder
	term           string
	narrowViewport bool
	states         map[chat.ConversationID]DeleteState
}

// NewListController builds a controller over store and counter.
func NewListController(store *Store, counter *UnreadCounter, logger *slog.Logger) *ListController {
	return &ListController{
		store:   store,
		counter: counter,
		logger:  logger,
		bucket:  chat.BucketAll,
		order:   chat.SortLatest,
		states:  make(map[chat.ConversationID]DeleteState),
	}
}

// SetBucket switches the all/buying/selling filter.
func (l *ListController) SetBucket(bucket chat.Bucket) {
	l.mu.Lock()
	l.bucket = bucket
	l.mu.Unlock()
}

// SetSearch updates the search term.
func (l *ListController) SetSearch(term string) {
	l.mu.Lock()
	l.term = term
	l.mu.Unlock()
}

// SetOrder switches between latest-first and oldest-first.
func (l *ListController) SetOrder(order chat.SortOrder) {
	l.mu.Lock()
	l.order = order
	l.mu.Unlock()
}

// SetNarrowViewport records whether selection should also close the panel.
func (l *ListController) SetNarrowViewport(narrow bool) {
	l.mu.Lock()
	l.narrowViewport = narrow
	l.mu.Unlock()
}

// View returns the conversations matching the current search term and
// bucket, in the current sort order.
func (l *ListController) View() []*chat.Conversation {
	l.mu.Lock()
	bucket, order, term := l.bucket, l.order, l.term
	user := l.store.User()
	l.mu.Unlock()

	matched := l.store.Search(term)
	out := make([]*chat.Conversation, 0, len(matched))
	for _, conv := range matched {
		if conv.InBucket(user, bucket) {
			out = append(out, conv)
		}
	}
	chat.SortConversations(out, order)
	return out
}

// DeleteStateFor returns the deletion flow state for a conversation.
func (l *ListController) DeleteStateFor(id chat.ConversationID) DeleteState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[id]; ok {
		return st
	}
	return DeleteIdle
}

// RequestDelete moves idle -> confirming.
func (l *ListController) RequestDelete(id chat.ConversationID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.states[id]; st == DeleteInFlight {
		return
	}
	l.states[id] = DeleteConfirming
}

// CancelDelete aborts the confirmation dialog.
func (l *ListController) CancelDelete(id chat.ConversationID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states[id] == DeleteConfirming {
		delete(l.states, id)
	}
}

// ConfirmDelete runs the optimistic delete through the store. Only one
// deletion may be in flight per id; concurrent confirms are rejected.
func (l *ListController) ConfirmDelete(ctx context.Context, id chat.ConversationID) error {
	l.mu.Lock()
	if l.states[id] == DeleteInFlight {
		l.mu.Unlock()
		return ErrDeleteInFlight
	}
	l.states[id] = DeleteInFlight
	l.mu.Unlock()

	err := l.store.Delete(ctx, id)

	l.mu.Lock()
	if err != nil {
		l.states[id] = DeleteRestored
	} else {
		delete(l.states, id)
	}
	l.mu.Unlock()
	return err
}

// JumpToFirstUnread locates the first entry in the current view with a
// nonzero unread count and requests a scroll into view. It is a no-op when
// every conversation is read.
func (l *ListController) JumpToFirstUnread() (chat.ConversationID, bool) {
	for _, conv := range l.View() {
		if l.counter.CountFor(conv.ID) > 0 {
			if l.OnScrollTo != nil {
				l.OnScrollTo(conv.ID)
			}
			return conv.ID, true
		}
	}
	return "", false
}

// Select notifies the detail controller of the chosen conversation and
// closes the list panel on narrow viewports.
func (l *ListController) Select(id chat.ConversationID) {
	l.mu.Lock()
	narrow := l.narrowViewport
	l.mu.Unlock()
	if l.OnSelect != nil {
		l.OnSelect(id)
	}
	if narrow && l.OnClosePanel != nil {
		l.OnClosePanel()
	}
}
