package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrEmptyBody = errors.New("chat: message body is required")

type MessageID string

// MessageKind tags the payload carried by a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindOffer MessageKind = "offer"
)

// DeliveryState is local-only bookkeeping for optimistic sends. Persisted
// messages are always DeliverySent.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is immutable once stored; only the local delivery state changes
// while an optimistic send is in flight.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	Kind           MessageKind
	Body           string
	AttachmentURL  string
	CreatedAt      time.Time
	Delivery       DeliveryState
}

// NewTextMessage validates and builds a plain text message.
func NewTextMessage(id MessageID, conversation ConversationID, sender UserID, body string, now time.Time) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	return &Message{
		ID:             id,
		ConversationID: conversation,
		SenderID:       sender,
		Kind:           KindText,
		Body:           body,
		CreatedAt:      now.UTC(),
		Delivery:       DeliverySent,
	}, nil
}

// NewImageMessage builds a message referencing an uploaded attachment.
func NewImageMessage(id MessageID, conversation ConversationID, sender UserID, url string, now time.Time) (*Message, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyBody
	}
	return &Message{
		ID:             id,
		ConversationID: conversation,
		SenderID:       sender,
		Kind:           KindImage,
		Body:           "[image]",
		AttachmentURL:  url,
		CreatedAt:      now.UTC(),
		Delivery:       DeliverySent,
	}, nil
}

// SortMessages orders messages for display: created_at ascending with id as
// a tiebreak, regardless of fetch or feed arrival order.
func SortMessages(items []*Message) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
