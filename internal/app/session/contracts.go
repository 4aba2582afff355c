package session

import (
	"context"
	"io"
	"time"

	"marketchat/internal/domain/chat"
)

// ConversationRepository is the row-store boundary for the session subsystem.
// Implementations translate transport failures into the session error
// taxonomy; controllers never see raw driver errors.
type ConversationRepository interface {
	// ListVisible returns every conversation where user is a participant and
	// the visibility invariant holds, newest activity first.
	ListVisible(ctx context.Context, user chat.UserID) ([]*chat.Conversation, error)
	GetConversation(ctx context.Context, id chat.ConversationID) (*chat.Conversation, error)
	ListMessages(ctx context.Context, id chat.ConversationID) ([]*chat.Message, error)
	AppendMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	// SoftDelete hides the conversation for user only; the counterpart's view
	// is unaffected.
	SoftDelete(ctx context.Context, id chat.ConversationID, user chat.UserID) error
	MarkRead(ctx context.Context, id chat.ConversationID, user chat.UserID, at time.Time) error
	// ReadCursors returns the per-conversation read watermarks for user.
	ReadCursors(ctx context.Context, user chat.UserID) (map[chat.ConversationID]time.Time, error)
	Profiles(ctx context.Context, ids []chat.UserID) (map[chat.UserID]chat.Profile, error)
}

// ChangeFeed delivers at-least-once, possibly unordered and duplicated
// row-change notifications. lost is invoked when the feed drops so the
// subscriber can compensate with a full reconciliation. The returned cancel
// tears the subscription down.
type ChangeFeed interface {
	Subscribe(ctx context.Context, tables []string, handler func(chat.ChangeEvent), lost func(error)) (cancel func(), err error)
}

// ChangeFeedPublisher is the write side of a change feed: storage adapters
// publish a notification after each successful write.
type ChangeFeedPublisher interface {
	Publish(ev chat.ChangeEvent)
}

// PresenceSource reports which users are currently online.
type PresenceSource interface {
	Heartbeat(ctx context.Context, user chat.UserID) error
	Online(ctx context.Context, users []chat.UserID) (map[chat.UserID]bool, error)
}

// Identity supplies the signed-in user at construction time so the store is
// testable with multiple simulated users.
type Identity interface {
	CurrentUser() (chat.UserID, bool)
}

// Uploader stores attachment bytes and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string) (string, error)
}

// StaticIdentity is a fixed session context value.
type StaticIdentity chat.UserID

func (s StaticIdentity) CurrentUser() (chat.UserID, bool) {
	if s == "" {
		return "", false
	}
	return chat.UserID(s), true
}
