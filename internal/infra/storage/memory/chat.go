package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

// ChatRepository is the in-memory twin of the Mongo adapter, used by tests
// and STORE_MODE=memory runs. Failure injection fields let tests exercise
// the error taxonomy without a transport.
type ChatRepository struct {
	mu            sync.Mutex
	conversations map[chat.ConversationID]chat.Conversation
	messages      map[chat.ConversationID][]chat.Message
	cursors       map[string]time.Time
	profiles      map[chat.UserID]chat.Profile
	publisher     session.ChangeFeedPublisher

	// Failure injection for tests; nil means the call succeeds.
	FailListVisible error
	FailGet         error
	FailList        error
	FailAppend      error
	FailSoftDelete  error
	FailMarkRead    error

	// SoftDeleteHook, when set, runs before the delete is applied. Tests use
	// it to hold a delete in flight.
	SoftDeleteHook func()

	listVisibleCalls int
}

// NewChatRepository builds an empty repository.
func NewChatRepository() *ChatRepository {
	return &ChatRepository{
		conversations: make(map[chat.ConversationID]chat.Conversation),
		messages:      make(map[chat.ConversationID][]chat.Message),
		cursors:       make(map[string]time.Time),
		profiles:      make(map[chat.UserID]chat.Profile),
	}
}

// SetPublisher attaches a change feed that write methods notify.
func (r *ChatRepository) SetPublisher(p session.ChangeFeedPublisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

func (r *ChatRepository) emit(ev chat.ChangeEvent) {
	r.mu.Lock()
	p := r.publisher
	r.mu.Unlock()
	if p != nil {
		p.Publish(ev)
	}
}

// Seed inserts or replaces a conversation row.
func (r *ChatRepository) Seed(conv chat.Conversation) {
	r.mu.Lock()
	r.conversations[conv.ID] = conv
	r.mu.Unlock()
}

// SeedMessage appends a message row and bumps the preview fields.
func (r *ChatRepository) SeedMessage(msg chat.Message) {
	msg.Delivery = chat.DeliverySent
	r.mu.Lock()
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	if conv, ok := r.conversations[msg.ConversationID]; ok {
		if !msg.CreatedAt.Before(conv.LastMessageAt) {
			conv.LastMessage = msg.Body
			conv.LastMessageAt = msg.CreatedAt
			r.conversations[msg.ConversationID] = conv
		}
	}
	r.mu.Unlock()
}

// SeedProfile stores a participant projection.
func (r *ChatRepository) SeedProfile(p chat.Profile) {
	r.mu.Lock()
	r.profiles[p.ID] = p
	r.mu.Unlock()
}

// ListVisibleCount reports how many list fetches ran; tests use it to prove
// reconciliation stopped after teardown.
func (r *ChatRepository) ListVisibleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listVisibleCalls
}

func (r *ChatRepository) ListVisible(ctx context.Context, user chat.UserID) ([]*chat.Conversation, error) {
	r.mu.Lock()
	r.listVisibleCalls++
	if err := r.FailListVisible; err != nil {
		r.mu.Unlock()
		return nil, session.TransientFetch(err)
	}
	out := make([]*chat.Conversation, 0, len(r.conversations))
	for _, conv := range r.conversations {
		if !conv.HasParticipant(user) || !conv.VisibleTo(user) {
			continue
		}
		clone := conv
		out = append(out, &clone)
	}
	r.mu.Unlock()
	chat.SortConversations(out, chat.SortLatest)
	return out, nil
}

func (r *ChatRepository) GetConversation(ctx context.Context, id chat.ConversationID) (*chat.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailGet; err != nil {
		return nil, session.TransientFetch(err)
	}
	conv, ok := r.conversations[id]
	if !ok {
		return nil, session.NotFoundOrDeleted(nil)
	}
	clone := conv
	return &clone, nil
}

func (r *ChatRepository) ListMessages(ctx context.Context, id chat.ConversationID) ([]*chat.Message, error) {
	r.mu.Lock()
	if err := r.FailList; err != nil {
		r.mu.Unlock()
		return nil, session.TransientFetch(err)
	}
	rows := r.messages[id]
	out := make([]*chat.Message, 0, len(rows))
	for _, msg := range rows {
		clone := msg
		out = append(out, &clone)
	}
	r.mu.Unlock()
	chat.SortMessages(out)
	return out, nil
}

func (r *ChatRepository) AppendMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	r.mu.Lock()
	if err := r.FailAppend; err != nil {
		r.mu.Unlock()
		return nil, session.WriteFailed(err)
	}
	stored := *msg
	stored.ID = chat.MessageID(uuid.NewString())
	stored.Delivery = chat.DeliverySent
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.messages[stored.ConversationID] = append(r.messages[stored.ConversationID], stored)
	if conv, ok := r.conversations[stored.ConversationID]; ok {
		if !stored.CreatedAt.Before(conv.LastMessageAt) {
			conv.LastMessage = stored.Body
			conv.LastMessageAt = stored.CreatedAt
			r.conversations[stored.ConversationID] = conv
		}
	}
	r.mu.Unlock()

	r.emit(chat.ChangeEvent{
		Table:          chat.TableMessages,
		Kind:           chat.ChangeInsert,
		RowID:          string(stored.ID),
		ConversationID: stored.ConversationID,
		OccurredAt:     stored.CreatedAt,
	})
	clone := stored
	return &clone, nil
}

func (r *ChatRepository) SoftDelete(ctx context.Context, id chat.ConversationID, user chat.UserID) error {
	r.mu.Lock()
	hook := r.SoftDeleteHook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	r.mu.Lock()
	if err := r.FailSoftDelete; err != nil {
		r.mu.Unlock()
		return session.WriteFailed(err)
	}
	conv, ok := r.conversations[id]
	if !ok {
		r.mu.Unlock()
		return session.NotFoundOrDeleted(nil)
	}
	switch {
	case conv.DeletedBy == "" || conv.DeletedBy == user:
		conv.DeletedBy = user
	default:
		conv.Deleted = true
	}
	r.conversations[id] = conv
	r.mu.Unlock()

	r.emit(chat.ChangeEvent{
		Table:          chat.TableConversations,
		Kind:           chat.ChangeUpdate,
		RowID:          string(id),
		ConversationID: id,
		OccurredAt:     time.Now().UTC(),
	})
	return nil
}

func (r *ChatRepository) MarkRead(ctx context.Context, id chat.ConversationID, user chat.UserID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailMarkRead; err != nil {
		return session.WriteFailed(err)
	}
	key := string(id) + ":" + string(user)
	if at.After(r.cursors[key]) {
		r.cursors[key] = at
	}
	return nil
}

func (r *ChatRepository) ReadCursors(ctx context.Context, user chat.UserID) (map[chat.ConversationID]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[chat.ConversationID]time.Time)
	suffix := ":" + string(user)
	for key, at := range r.cursors {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			out[chat.ConversationID(key[:len(key)-len(suffix)])] = at
		}
	}
	return out, nil
}

func (r *ChatRepository) Profiles(ctx context.Context, ids []chat.UserID) (map[chat.UserID]chat.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[chat.UserID]chat.Profile, len(ids))
	for _, id := range ids {
		if p, ok := r.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var _ session.ConversationRepository = (*ChatRepository)(nil)
