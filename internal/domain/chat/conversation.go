package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrParticipantsRequired = errors.New("chat: buyer and seller are required")
	ErrListingRequired      = errors.New("chat: listing id is required")
	ErrNotParticipant       = errors.New("chat: user is not a participant")
)

type ConversationID string
type UserID string
type ListingID string

// Bucket partitions a user's conversations by their role in each.
type Bucket string

const (
	BucketAll     Bucket = "all"
	BucketBuying  Bucket = "buying"
	BucketSelling Bucket = "selling"
)

// SortOrder controls conversation list ordering.
type SortOrder string

const (
	SortLatest SortOrder = "latest"
	SortOldest SortOrder = "oldest"
)

// Conversation is the unique (buyer, seller, listing) messaging thread.
// Deletion is per-viewer: DeletedBy hides the thread from one party only,
// Deleted is the terminal tombstone set when both parties are gone.
type Conversation struct {
	ID            ConversationID
	BuyerID       UserID
	SellerID      UserID
	ListingID     ListingID
	ListingTitle  string
	LastMessage   string
	LastMessageAt time.Time
	CreatedAt     time.Time
	Deleted       bool
	DeletedBy     UserID
}

// VisibleTo reports whether the conversation appears in user's list.
func (c Conversation) VisibleTo(user UserID) bool {
	if c.Deleted {
		return false
	}
	return c.DeletedBy == "" || c.DeletedBy != user
}

// HasParticipant reports whether user is the buyer or the seller.
func (c Conversation) HasParticipant(user UserID) bool {
	return c.BuyerID == user || c.SellerID == user
}

// Counterpart returns the other party for user, or "" if user is not a participant.
func (c Conversation) Counterpart(user UserID) UserID {
	switch user {
	case c.BuyerID:
		return c.SellerID
	case c.SellerID:
		return c.BuyerID
	}
	return ""
}

// BucketFor returns which non-all bucket the conversation falls into for user.
func (c Conversation) BucketFor(user UserID) Bucket {
	if c.BuyerID == user {
		return BucketBuying
	}
	return BucketSelling
}

// InBucket reports whether the conversation belongs to bucket from user's perspective.
func (c Conversation) InBucket(user UserID, bucket Bucket) bool {
	switch bucket {
	case BucketAll, "":
		return true
	case BucketBuying:
		return c.BuyerID == user
	case BucketSelling:
		return c.SellerID == user
	}
	return false
}

// ActivityAt is the sort key: last message time, falling back to creation time.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

// NewConversation validates and builds a thread between a buyer and a seller.
func NewConversation(id ConversationID, buyer, seller UserID, listing ListingID, title string, now time.Time) (*Conversation, error) {
	if buyer == "" || seller == "" || buyer == seller {
		return nil, ErrParticipantsRequired
	}
	if listing == "" {
		return nil, ErrListingRequired
	}
	return &Conversation{
		ID:           id,
		BuyerID:      buyer,
		SellerID:     seller,
		ListingID:    listing,
		ListingTitle: strings.TrimSpace(title),
		CreatedAt:    now.UTC(),
	}, nil
}

// SortConversations orders items by activity time, stable, newest first for
// SortLatest. The input slice is sorted in place.
func SortConversations(items []*Conversation, order SortOrder) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].ActivityAt(), items[j].ActivityAt()
		if order == SortOldest {
			return a.Before(b)
		}
		return a.After(b)
	})
}

// MatchesSearch reports whether term matches the counterpart display name,
// the listing title, or the last message preview. An empty term matches.
func (c Conversation) MatchesSearch(term, counterpartName string) bool {
	term = strings.TrimSpace(strings.ToLower(term))
	if term == "" {
		return true
	}
	for _, hay := range []string{counterpartName, c.ListingTitle, c.LastMessage} {
		if strings.Contains(strings.ToLower(hay), term) {
			return true
		}
	}
	return false
}
