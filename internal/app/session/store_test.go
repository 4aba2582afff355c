package session_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

var (
	userBuyer  = chat.UserID("u-buyer")
	userSeller = chat.UserID("u-seller")
	userOther  = chat.UserID("u-other")
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func conv(id string, buyer, seller chat.UserID, lastAt time.Time) chat.Conversation {
	return chat.Conversation{
		ID:            chat.ConversationID(id),
		BuyerID:       buyer,
		SellerID:      seller,
		ListingID:     chat.ListingID("listing-" + id),
		ListingTitle:  "Vintage bike " + id,
		LastMessageAt: lastAt,
		CreatedAt:     lastAt.Add(-time.Hour),
	}
}

func TestLoadAppliesVisibilityInvariant(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	repo.Seed(conv("c1", userBuyer, userSeller, base))
	hidden := conv("c2", userBuyer, userSeller, base.Add(time.Minute))
	hidden.DeletedBy = userBuyer
	repo.Seed(hidden)
	gone := conv("c3", userBuyer, userSeller, base.Add(2*time.Minute))
	gone.Deleted = true
	repo.Seed(gone)
	foreign := conv("c4", userOther, userSeller, base.Add(3*time.Minute))
	repo.Seed(foreign)

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))

	visible := store.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, chat.ConversationID("c1"), visible[0].ID)

	// The counterpart still sees the conversation the buyer hid.
	other := session.NewStore(userSeller, repo, testLogger())
	require.NoError(t, other.Load(context.Background()))
	ids := make(map[chat.ConversationID]bool)
	for _, c := range other.Visible() {
		ids[c.ID] = true
	}
	require.True(t, ids["c1"])
	require.True(t, ids["c2"])
	require.False(t, ids["c3"])
}

func TestApplyIsIdempotent(t *testing.T) {
	repo := memory.NewChatRepository()
	store := session.NewStore(userBuyer, repo, testLogger())

	row := conv("c1", userBuyer, userSeller, time.Now().UTC())
	store.Apply(&row)
	store.Apply(&row)
	require.Len(t, store.Visible(), 1)

	// A row hidden for this viewer is dropped, applying twice stays dropped.
	row.DeletedBy = userBuyer
	store.Apply(&row)
	store.Apply(&row)
	require.Empty(t, store.Visible())
}

func TestApplyRemoteChangeIdempotent(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.Seed(conv("c1", userBuyer, userSeller, base))

	store := session.NewStore(userBuyer, repo, testLogger())
	ev := chat.ChangeEvent{
		Table:          chat.TableConversations,
		Kind:           chat.ChangeUpdate,
		RowID:          "c1",
		ConversationID: "c1",
	}
	store.ApplyRemoteChange(context.Background(), ev)
	first := store.Visible()
	store.ApplyRemoteChange(context.Background(), ev)
	second := store.Visible()
	require.Equal(t, first, second)
	require.Len(t, second, 1)

	// An event for a row that no longer resolves converges to absence.
	missing := chat.ChangeEvent{
		Table:          chat.TableConversations,
		Kind:           chat.ChangeDelete,
		RowID:          "c-gone",
		ConversationID: "c-gone",
	}
	store.ApplyRemoteChange(context.Background(), missing)
	store.ApplyRemoteChange(context.Background(), missing)
	require.Len(t, store.Visible(), 1)
}

func TestLoadFailureKeepsState(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Now().UTC()
	repo.Seed(conv("c1", userBuyer, userSeller, base))

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))
	require.Len(t, store.Visible(), 1)

	repo.FailListVisible = errors.New("connection reset")
	err := store.Load(context.Background())
	require.ErrorIs(t, err, session.ErrTransientFetch)
	require.Len(t, store.Visible(), 1, "loaded state must survive a failed refresh")
	require.Error(t, store.LastError())
}

func TestOptimisticDeleteRollbackRestoresPosition(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.Seed(conv("c1", userBuyer, userSeller, base.Add(2*time.Minute)))
	repo.Seed(conv("c2", userBuyer, userOther, base.Add(time.Minute)))
	repo.Seed(conv("c3", userBuyer, userSeller, base))

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))
	before := store.Visible()
	require.Len(t, before, 3)

	repo.FailSoftDelete = errors.New("write timeout")
	err := store.Delete(context.Background(), "c2")
	require.ErrorIs(t, err, session.ErrWriteFailed)

	after := store.Visible()
	require.Len(t, after, 3)
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID, "rollback must restore prior sort position")
	}
}

func TestDeleteRemovesBeforeAck(t *testing.T) {
	repo := memory.NewChatRepository()
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))

	observed := make(chan int, 1)
	release := make(chan struct{})
	repo.SoftDeleteHook = func() {
		observed <- len(store.Visible())
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- store.Delete(context.Background(), "c1") }()

	require.Zero(t, <-observed, "item must leave the visible set before the remote ack")
	close(release)
	require.NoError(t, <-done)
	require.Empty(t, store.Visible())
}

func TestFilterPartition(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Now().UTC()
	repo.Seed(conv("c1", userBuyer, userSeller, base))
	repo.Seed(conv("c2", userOther, userBuyer, base.Add(time.Minute)))
	repo.Seed(conv("c3", userBuyer, userOther, base.Add(2*time.Minute)))

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))

	all := store.Filter(chat.BucketAll)
	buying := store.Filter(chat.BucketBuying)
	selling := store.Filter(chat.BucketSelling)

	require.Len(t, all, 3)
	require.Equal(t, len(all), len(buying)+len(selling))
	seen := make(map[chat.ConversationID]int)
	for _, c := range buying {
		require.Equal(t, userBuyer, c.BuyerID)
		seen[c.ID]++
	}
	for _, c := range selling {
		require.Equal(t, userBuyer, c.SellerID)
		seen[c.ID]++
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "conversation %s must be in exactly one bucket", id)
	}
}

func TestSearchMatchesNameTitleAndPreview(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Now().UTC()
	c1 := conv("c1", userBuyer, userSeller, base)
	c1.LastMessage = "Is it still available?"
	repo.Seed(c1)
	repo.Seed(conv("c2", userBuyer, userOther, base))
	repo.SeedProfile(chat.Profile{ID: userSeller, DisplayName: "Maria K"})

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))

	require.Len(t, store.Search(""), 2)
	require.Len(t, store.Search("maria"), 1)
	require.Len(t, store.Search("AVAILABLE"), 1)
	require.Len(t, store.Search("vintage bike"), 2)
	require.Empty(t, store.Search("no such thing"))
}

func TestSortFallsBackToCreatedAt(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	fresh := conv("c-new", userBuyer, userSeller, time.Time{})
	fresh.CreatedAt = base.Add(time.Hour)
	repo.Seed(fresh)
	repo.Seed(conv("c-old", userBuyer, userOther, base))

	store := session.NewStore(userBuyer, repo, testLogger())
	require.NoError(t, store.Load(context.Background()))

	latest := store.Sorted(chat.SortLatest)
	require.Equal(t, chat.ConversationID("c-new"), latest[0].ID)
	oldest := store.Sorted(chat.SortOldest)
	require.Equal(t, chat.ConversationID("c-old"), oldest[0].ID)
}
