package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

func newSession(t *testing.T, user chat.UserID, repo *memory.ChatRepository, feed *memory.ChangeFeed, presence session.PresenceSource) *session.Session {
	t.Helper()
	sess, err := session.New(session.Options{
		Identity: session.StaticIdentity(user),
		Repo:     repo,
		Feed:     feed,
		Presence: presence,
		Logger:   testLogger(),

		RefreshInterval:  time.Hour,
		PresenceInterval: time.Hour,
	})
	require.NoError(t, err)
	return sess
}

func TestNewRequiresSignedInUser(t *testing.T) {
	_, err := session.New(session.Options{
		Identity: session.StaticIdentity(""),
		Repo:     memory.NewChatRepository(),
		Feed:     memory.NewChangeFeed(),
		Logger:   testLogger(),
	})
	require.ErrorIs(t, err, session.ErrNoUser)
}

func TestStartLoadsVisibleSetAndBadge(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.Seed(conv("c1", userBuyer, userSeller, base))
	repo.SeedMessage(msg("m1", "c1", userSeller, "hi", base))

	sess := newSession(t, userBuyer, repo, feed, nil)
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Close()

	require.True(t, sess.Store().Loaded())
	require.Len(t, sess.Store().Visible(), 1)
	require.Equal(t, session.UnreadAggregates{All: 1, Buying: 1}, sess.UnreadBadge())
}

func TestPerViewerDeleteAsymmetry(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	base := time.Now().UTC()
	repo.Seed(conv("c1", userBuyer, userSeller, base))

	ctx := context.Background()
	buyerSess := newSession(t, userBuyer, repo, feed, nil)
	require.NoError(t, buyerSess.Start(ctx))
	defer buyerSess.Close()
	sellerSess := newSession(t, userSeller, repo, feed, nil)
	require.NoError(t, sellerSess.Start(ctx))
	defer sellerSess.Close()

	// The buyer hides the conversation; the seller keeps it.
	require.NoError(t, buyerSess.DeleteConversation(ctx, "c1"))
	require.Empty(t, buyerSess.Store().Visible())
	require.Len(t, sellerSess.Store().Visible(), 1)

	// The seller hides it too; now it is gone for both.
	require.NoError(t, sellerSess.DeleteConversation(ctx, "c1"))
	require.Empty(t, sellerSess.Store().Visible())
	require.Empty(t, buyerSess.Store().Visible())
}

func TestOwnDeleteRedirectsOpenDetail(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))

	ctx := context.Background()
	sess := newSession(t, userBuyer, repo, feed, nil)
	require.NoError(t, sess.Start(ctx))
	defer sess.Close()

	var redirected chat.ConversationID
	sess.Detail().OnRedirect = func(id chat.ConversationID) { redirected = id }
	require.NoError(t, sess.NavigateToConversation(ctx, "c1"))
	require.Equal(t, session.DetailActive, sess.Detail().State())

	require.NoError(t, sess.DeleteConversation(ctx, "c1"))
	require.Equal(t, chat.ConversationID("c1"), redirected)
	require.NotEqual(t, session.DetailDisabled, sess.Detail().State())
}

func TestNavigateToConversationOpensPanelAndDetail(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))

	ctx := context.Background()
	sess := newSession(t, userBuyer, repo, feed, nil)
	require.NoError(t, sess.Start(ctx))
	defer sess.Close()

	require.NoError(t, sess.NavigateToConversation(ctx, "c1"))
	require.Equal(t, session.DetailActive, sess.Detail().State())
	require.Equal(t, chat.ConversationID("c1"), sess.Detail().ConversationID())
}

func TestPresenceAnnotatesCounterparts(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))
	repo.SeedProfile(chat.Profile{ID: userSeller, DisplayName: "Maria K"})

	source := memory.NewPresenceSource(time.Minute)
	require.NoError(t, source.Heartbeat(context.Background(), userSeller))

	ctx := context.Background()
	sess := newSession(t, userBuyer, repo, feed, source)
	require.NoError(t, sess.Start(ctx))
	defer sess.Close()

	require.True(t, sess.Presence().IsOnline(userSeller))
	require.False(t, sess.Presence().IsOnline(userOther))
}

func TestVisibilityReturnRefreshesPresence(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))

	source := memory.NewPresenceSource(time.Minute)
	ctx := context.Background()
	sess := newSession(t, userBuyer, repo, feed, source)
	require.NoError(t, sess.Start(ctx))
	defer sess.Close()
	require.False(t, sess.Presence().IsOnline(userSeller))

	// The counterpart comes online while the tab is hidden.
	require.NoError(t, source.Heartbeat(ctx, userSeller))
	sess.SetVisible(ctx, false)
	sess.SetVisible(ctx, true)
	require.True(t, sess.Presence().IsOnline(userSeller))
}

func TestClosePanelShutsDetail(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))

	ctx := context.Background()
	sess := newSession(t, userBuyer, repo, feed, nil)
	require.NoError(t, sess.Start(ctx))
	defer sess.Close()

	require.NoError(t, sess.NavigateToConversation(ctx, "c1"))
	sess.ClosePanel()
	require.Equal(t, session.DetailIdle, sess.Detail().State())
	require.Empty(t, sess.Detail().Messages())
}

func TestCloseTearsDownSubscriptions(t *testing.T) {
	repo := memory.NewChatRepository()
	feed := memory.NewChangeFeed()
	repo.SetPublisher(feed)
	repo.Seed(conv("c1", userBuyer, userSeller, time.Now().UTC()))

	ctx := context.Background()
	sess := newSession(t, userBuyer, repo, feed, nil)
	require.NoError(t, sess.Start(ctx))
	require.NoError(t, sess.NavigateToConversation(ctx, "c1"))
	require.Positive(t, feed.Subscribers())

	sess.Close()
	require.Zero(t, feed.Subscribers())
}
