package chat

import "time"

// Change feed tables.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
)

// ChangeKind classifies a row-change notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is a row-change notification from the remote store. Delivery is
// at-least-once and unordered, so consumers must treat events as hints and
// reconcile against authoritative reads rather than trusting the payload.
type ChangeEvent struct {
	Table          string         `json:"table"`
	Kind           ChangeKind     `json:"kind"`
	RowID          string         `json:"row_id"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
