package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

func seedConversation(repo *memory.ChatRepository, id string, buyer, seller chat.UserID, at time.Time) {
	repo.Seed(chat.Conversation{
		ID:            chat.ConversationID(id),
		BuyerID:       buyer,
		SellerID:      seller,
		ListingID:     "listing-1",
		ListingTitle:  "City bike",
		LastMessageAt: at,
		CreatedAt:     at.Add(-time.Hour),
	})
}

func TestStaleAppendKeepsNewerPreview(t *testing.T) {
	repo := memory.NewChatRepository()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedConversation(repo, "c1", "u-buyer", "u-seller", base)
	repo.SeedMessage(chat.Message{
		ID:             "m-new",
		ConversationID: "c1",
		SenderID:       "u-seller",
		Kind:           chat.KindText,
		Body:           "newer reply",
		CreatedAt:      base.Add(time.Minute),
	})

	// A slow send carrying an older timestamp lands after the newer reply;
	// the preview pair must stay on the newer message.
	_, err := repo.AppendMessage(context.Background(), &chat.Message{
		ConversationID: "c1",
		SenderID:       "u-buyer",
		Kind:           chat.KindText,
		Body:           "slow send",
		CreatedAt:      base.Add(-time.Minute),
	})
	require.NoError(t, err)

	conv, err := repo.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "newer reply", conv.LastMessage)
	require.Equal(t, base.Add(time.Minute), conv.LastMessageAt)
}

func TestConcurrentFirstDeletesConverge(t *testing.T) {
	repo := memory.NewChatRepository()
	seedConversation(repo, "c1", "u-buyer", "u-seller", time.Now().UTC())

	var wg sync.WaitGroup
	for _, user := range []chat.UserID{"u-buyer", "u-seller"} {
		wg.Add(1)
		go func(u chat.UserID) {
			defer wg.Done()
			require.NoError(t, repo.SoftDelete(context.Background(), "c1", u))
		}(user)
	}
	wg.Wait()

	// Whichever delete lands second must observe the first and flip the
	// terminal tombstone; the row itself is preserved.
	conv, err := repo.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, conv.Deleted)
	require.False(t, conv.VisibleTo("u-buyer"))
	require.False(t, conv.VisibleTo("u-seller"))
}
