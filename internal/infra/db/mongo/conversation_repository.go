package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

// ChangePublisher emits row-change notifications after successful writes.
// Kafka in production; a no-op or memory feed elsewhere.
type ChangePublisher interface {
	Emit(ctx context.Context, ev chat.ChangeEvent)
}

// NopPublisher drops change events.
type NopPublisher struct{}

func (NopPublisher) Emit(context.Context, chat.ChangeEvent) {}

// ConversationRepository implements session.ConversationRepository over the
// conversations, messages, read_cursors and profiles collections. Driver
// errors are translated into the session taxonomy at this boundary.
type ConversationRepository struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	cursors       *mongo.Collection
	profiles      *mongo.Collection
	publisher     ChangePublisher
}

// NewConversationRepository binds the repository to db.
func NewConversationRepository(db *mongo.Database, publisher ChangePublisher) *ConversationRepository {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &ConversationRepository{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		cursors:       db.Collection("read_cursors"),
		profiles:      db.Collection("profiles"),
		publisher:     publisher,
	}
}

type conversationDocument struct {
	ID            string `bson:"_id"`
	BuyerID       string `bson:"buyer_id"`
	SellerID      string `bson:"seller_id"`
	ListingID     string `bson:"listing_id"`
	ListingTitle  string `bson:"listing_title"`
	LastMessage   string `bson:"last_message"`
	LastMessageAt int64  `bson:"last_message_at"`
	CreatedAt     int64  `bson:"created_at"`
	Deleted       bool   `bson:"deleted"`
	DeletedBy     string `bson:"deleted_by"`
}

type messageDocument struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversation_id"`
	SenderID       string `bson:"sender_id"`
	Kind           string `bson:"kind"`
	Body           string `bson:"body"`
	AttachmentURL  string `bson:"attachment_url,omitempty"`
	CreatedAt      int64  `bson:"created_at"`
}

type cursorDocument struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversation_id"`
	UserID         string `bson:"user_id"`
	ReadAt         int64  `bson:"read_at"`
}

type profileDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarURL   string `bson:"avatar_url,omitempty"`
}

func (d conversationDocument) toEntity() *chat.Conversation {
	return &chat.Conversation{
		ID:            chat.ConversationID(d.ID),
		BuyerID:       chat.UserID(d.BuyerID),
		SellerID:      chat.UserID(d.SellerID),
		ListingID:     chat.ListingID(d.ListingID),
		ListingTitle:  d.ListingTitle,
		LastMessage:   d.LastMessage,
		LastMessageAt: millisToTime(d.LastMessageAt),
		CreatedAt:     millisToTime(d.CreatedAt),
		Deleted:       d.Deleted,
		DeletedBy:     chat.UserID(d.DeletedBy),
	}
}

func (d messageDocument) toEntity() *chat.Message {
	return &chat.Message{
		ID:             chat.MessageID(d.ID),
		ConversationID: chat.ConversationID(d.ConversationID),
		SenderID:       chat.UserID(d.SenderID),
		Kind:           chat.MessageKind(d.Kind),
		Body:           d.Body,
		AttachmentURL:  d.AttachmentURL,
		CreatedAt:      millisToTime(d.CreatedAt),
		Delivery:       chat.DeliverySent,
	}
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// visibilityFilter is the query form of the visibility invariant: not
// globally tombstoned and not hidden by this user.
func visibilityFilter(user chat.UserID) bson.M {
	return bson.M{
		"deleted": false,
		"$or": []bson.M{
			{"buyer_id": string(user)},
			{"seller_id": string(user)},
		},
		"deleted_by": bson.M{"$ne": string(user)},
	}
}

// ListVisible returns the user's visible conversations, newest activity first.
func (r *ConversationRepository) ListVisible(ctx context.Context, user chat.UserID) ([]*chat.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}})
	cur, err := r.conversations.Find(ctx, visibilityFilter(user), opts)
	if err != nil {
		return nil, session.TransientFetch(err)
	}
	defer cur.Close(ctx)

	var out []*chat.Conversation
	for cur.Next(ctx) {
		var doc conversationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, session.TransientFetch(err)
		}
		out = append(out, doc.toEntity())
	}
	if err := cur.Err(); err != nil {
		return nil, session.TransientFetch(err)
	}
	return out, nil
}

// GetConversation loads one conversation regardless of viewer.
func (r *ConversationRepository) GetConversation(ctx context.Context, id chat.ConversationID) (*chat.Conversation, error) {
	var doc conversationDocument
	err := r.conversations.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.NotFoundOrDeleted(err)
	}
	if err != nil {
		return nil, session.TransientFetch(err)
	}
	return doc.toEntity(), nil
}

// ListMessages returns the full message history ordered by created_at.
func (r *ConversationRepository) ListMessages(ctx context.Context, id chat.ConversationID) ([]*chat.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.messages.Find(ctx, bson.M{"conversation_id": string(id)}, opts)
	if err != nil {
		return nil, session.TransientFetch(err)
	}
	defer cur.Close(ctx)

	var out []*chat.Message
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, session.TransientFetch(err)
		}
		out = append(out, doc.toEntity())
	}
	if err := cur.Err(); err != nil {
		return nil, session.TransientFetch(err)
	}
	return out, nil
}

// AppendMessage stores the message under an authoritative id and bumps the
// conversation's denormalized preview fields.
func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	stored := *msg
	stored.ID = chat.MessageID(uuid.NewString())
	stored.Delivery = chat.DeliverySent
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	doc := messageDocument{
		ID:             string(stored.ID),
		ConversationID: string(stored.ConversationID),
		SenderID:       string(stored.SenderID),
		Kind:           string(stored.Kind),
		Body:           stored.Body,
		AttachmentURL:  stored.AttachmentURL,
		CreatedAt:      stored.CreatedAt.UnixMilli(),
	}
	if _, err := r.messages.InsertOne(ctx, doc); err != nil {
		return nil, session.WriteFailed(err)
	}

	// The preview pair moves together: a slow send landing after a newer
	// counterpart message must not overwrite last_message while last_message_at
	// keeps the newer value.
	currentAt := bson.M{"$ifNull": bson.A{"$last_message_at", 0}}
	update := bson.A{
		bson.M{"$set": bson.M{
			"last_message": bson.M{"$cond": bson.A{
				bson.M{"$gte": bson.A{doc.CreatedAt, currentAt}},
				stored.Body,
				"$last_message",
			}},
			"last_message_at": bson.M{"$max": bson.A{currentAt, doc.CreatedAt}},
		}},
	}
	if _, err := r.conversations.UpdateOne(ctx, bson.M{"_id": doc.ConversationID}, update); err != nil {
		return nil, session.WriteFailed(err)
	}

	r.publisher.Emit(ctx, chat.ChangeEvent{
		Table:          chat.TableMessages,
		Kind:           chat.ChangeInsert,
		RowID:          doc.ID,
		ConversationID: stored.ConversationID,
		OccurredAt:     stored.CreatedAt,
	})
	r.publisher.Emit(ctx, chat.ChangeEvent{
		Table:          chat.TableConversations,
		Kind:           chat.ChangeUpdate,
		RowID:          doc.ConversationID,
		ConversationID: stored.ConversationID,
		OccurredAt:     stored.CreatedAt,
	})
	return &stored, nil
}

// SoftDelete hides the conversation for user. The first deleter lands in
// deleted_by; a second, distinct deleter flips the terminal tombstone while
// the row itself is preserved. Both steps are single conditional updates so
// racing first-deletes from the two parties cannot both claim deleted_by.
func (r *ConversationRepository) SoftDelete(ctx context.Context, id chat.ConversationID, user chat.UserID) error {
	claim := bson.M{
		"_id":        string(id),
		"deleted_by": bson.M{"$in": bson.A{nil, "", string(user)}},
	}
	res, err := r.conversations.UpdateOne(ctx, claim, bson.M{"$set": bson.M{"deleted_by": string(user)}})
	if err != nil {
		return session.WriteFailed(err)
	}
	if res.MatchedCount == 0 {
		// Another party holds deleted_by; this delete is terminal.
		res, err = r.conversations.UpdateOne(ctx, bson.M{"_id": string(id)}, bson.M{"$set": bson.M{"deleted": true}})
		if err != nil {
			return session.WriteFailed(err)
		}
		if res.MatchedCount == 0 {
			return session.NotFoundOrDeleted(nil)
		}
	}
	r.publisher.Emit(ctx, chat.ChangeEvent{
		Table:          chat.TableConversations,
		Kind:           chat.ChangeUpdate,
		RowID:          string(id),
		ConversationID: id,
		OccurredAt:     time.Now().UTC(),
	})
	return nil
}

// MarkRead advances the user's read cursor; $max makes retries and races
// harmless.
func (r *ConversationRepository) MarkRead(ctx context.Context, id chat.ConversationID, user chat.UserID, at time.Time) error {
	key := string(id) + ":" + string(user)
	update := bson.M{
		"$set": bson.M{"conversation_id": string(id), "user_id": string(user)},
		"$max": bson.M{"read_at": at.UnixMilli()},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.cursors.UpdateOne(ctx, bson.M{"_id": key}, update, opts); err != nil {
		return session.WriteFailed(err)
	}
	return nil
}

// ReadCursors loads every read watermark for user.
func (r *ConversationRepository) ReadCursors(ctx context.Context, user chat.UserID) (map[chat.ConversationID]time.Time, error) {
	cur, err := r.cursors.Find(ctx, bson.M{"user_id": string(user)})
	if err != nil {
		return nil, session.TransientFetch(err)
	}
	defer cur.Close(ctx)

	out := make(map[chat.ConversationID]time.Time)
	for cur.Next(ctx) {
		var doc cursorDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, session.TransientFetch(err)
		}
		out[chat.ConversationID(doc.ConversationID)] = millisToTime(doc.ReadAt)
	}
	if err := cur.Err(); err != nil {
		return nil, session.TransientFetch(err)
	}
	return out, nil
}

// Profiles bulk-loads participant projections.
func (r *ConversationRepository) Profiles(ctx context.Context, ids []chat.UserID) (map[chat.UserID]chat.Profile, error) {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, string(id))
	}
	cur, err := r.profiles.Find(ctx, bson.M{"_id": bson.M{"$in": raw}})
	if err != nil {
		return nil, session.TransientFetch(err)
	}
	defer cur.Close(ctx)

	out := make(map[chat.UserID]chat.Profile, len(ids))
	for cur.Next(ctx) {
		var doc profileDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, session.TransientFetch(err)
		}
		out[chat.UserID(doc.ID)] = chat.Profile{
			ID:          chat.UserID(doc.ID),
			DisplayName: doc.DisplayName,
			AvatarURL:   doc.AvatarURL,
		}
	}
	if err := cur.Err(); err != nil {
		return nil, session.TransientFetch(err)
	}
	return out, nil
}

var _ session.ConversationRepository = (*ConversationRepository)(nil)
