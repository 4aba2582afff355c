package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

func newListFixture(t *testing.T, user chat.UserID) (*memory.ChatRepository, *session.Store, *session.UnreadCounter, *session.ListController) {
	t.Helper()
	repo := memory.NewChatRepository()
	store := session.NewStore(user, repo, testLogger())
	counter := session.NewUnreadCounter(store, repo, testLogger())
	list := session.NewListController(store, counter, testLogger())
	return repo, store, counter, list
}

func TestViewAppliesSearchBucketAndOrder(t *testing.T) {
	repo, store, _, list := newListFixture(t, userBuyer)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.Seed(conv("c1", userBuyer, userSeller, base))            // buying
	repo.Seed(conv("c2", userOther, userBuyer, base.Add(time.Minute))) // selling
	repo.Seed(conv("c3", userBuyer, userOther, base.Add(2*time.Minute)))
	require.NoError(t, store.Load(context.Background()))

	view := list.View()
	require.Len(t, view, 3)
	require.Equal(t, chat.ConversationID("c3"), view[0].ID, "latest first by default")

	list.SetOrder(chat.SortOldest)
	require.Equal(t, chat.ConversationID("c1"), list.View()[0].ID)
	list.SetOrder(chat.SortLatest)

	list.SetBucket(chat.BucketBuying)
	for _, c := range list.View() {
		require.Equal(t, userBuyer, c.BuyerID)
	}

	list.SetBucket(chat.BucketAll)
	list.SetSearch("vintage bike c2")
	narrowed := list.View()
	require.Len(t, narrowed, 1)
	require.Equal(t, chat.ConversationID("c2"), narrowed[0].ID)
}

func TestDeleteFlowHappyPath(t *testing.T) {
	repo, store, _, list := newListFixture(t, userBuyer)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))
	require.NoError(t, store.Load(context.Background()))

	require.Equal(t, session.DeleteIdle, list.DeleteStateFor("c1"))
	list.RequestDelete("c1")
	require.Equal(t, session.DeleteConfirming, list.DeleteStateFor("c1"))

	require.NoError(t, list.ConfirmDelete(context.Background(), "c1"))
	require.Equal(t, session.DeleteIdle, list.DeleteStateFor("c1"))
	require.Empty(t, list.View())
}

func TestCancelDeleteReturnsToIdle(t *testing.T) {
	repo, store, _, list := newListFixture(t, userBuyer)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))
	require.NoError(t, store.Load(context.Background()))

	list.RequestDelete("c1")
	list.CancelDelete("c1")
	require.Equal(t, session.DeleteIdle, list.DeleteStateFor("c1"))
	require.Len(t, list.View(), 1, "cancel must leave the row untouched")
}

func TestConfirmDeleteRejectsConcurrentRequest(t *testing.T) {
	repo, store, _, list := newListFixture(t, userBuyer)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))
	require.NoError(t, store.Load(context.Background()))

	entered := make(chan struct{})
	release := make(chan struct{})
	repo.SoftDeleteHook = func() {
		close(entered)
		<-release
	}

	first := make(chan error, 1)
	go func() { first <- list.ConfirmDelete(context.Background(), "c1") }()
	<-entered

	require.Equal(t, session.DeleteInFlight, list.DeleteStateFor("c1"))
	err := list.ConfirmDelete(context.Background(), "c1")
	require.ErrorIs(t, err, session.ErrDeleteInFlight)

	close(release)
	require.NoError(t, <-first)
}

func TestFailedDeleteRestoresRow(t *testing.T) {
	repo, store, _, list := newListFixture(t, userBuyer)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.Seed(conv("c1", userBuyer, userSeller, base.Add(time.Minute)))
	repo.Seed(conv("c2", userBuyer, userOther, base))
	require.NoError(t, store.Load(context.Background()))
	before := list.View()

	repo.FailSoftDelete = errors.New("write timeout")
	err := list.ConfirmDelete(context.Background(), "c1")
	require.ErrorIs(t, err, session.ErrWriteFailed)
	require.Equal(t, session.DeleteRestored, list.DeleteStateFor("c1"))

	after := list.View()
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestJumpToFirstUnread(t *testing.T) {
	repo, store, counter, list := newListFixture(t, userBuyer)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.Seed(conv("c1", userBuyer, userSeller, base.Add(2*time.Minute)))
	repo.Seed(conv("c2", userBuyer, userOther, base.Add(time.Minute)))
	repo.SeedMessage(msg("m1", "c2", userOther, "offer?", base.Add(time.Minute)))
	require.NoError(t, store.Load(context.Background()))

	msgs, err := repo.ListMessages(context.Background(), "c2")
	require.NoError(t, err)
	counter.Observe("c2", msgs)

	var scrolled chat.ConversationID
	list.OnScrollTo = func(id chat.ConversationID) { scrolled = id }

	id, ok := list.JumpToFirstUnread()
	require.True(t, ok)
	require.Equal(t, chat.ConversationID("c2"), id)
	require.Equal(t, chat.ConversationID("c2"), scrolled)

	counter.MarkRead(context.Background(), "c2")
	_, ok = list.JumpToFirstUnread()
	require.False(t, ok, "no-op when everything is read")
	require.Equal(t, chat.ConversationID("c2"), scrolled, "no extra scroll request")
}

func TestSelectClosesPanelOnNarrowViewportOnly(t *testing.T) {
	_, _, _, list := newListFixture(t, userBuyer)

	var mu sync.Mutex
	var selected []chat.ConversationID
	closed := 0
	list.OnSelect = func(id chat.ConversationID) {
		mu.Lock()
		selected = append(selected, id)
		mu.Unlock()
	}
	list.OnClosePanel = func() {
		mu.Lock()
		closed++
		mu.Unlock()
	}

	list.Select("c1")
	list.SetNarrowViewport(true)
	list.Select("c2")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []chat.ConversationID{"c1", "c2"}, selected)
	require.Equal(t, 1, closed, "panel closes only on narrow viewports")
}
