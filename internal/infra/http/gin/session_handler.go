package ginserver

import (
	"log/slog"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/app/dto"
	"marketchat/internal/app/session"
	"marketchat/internal/domain/chat"
)

// SessionHandler serves read-only snapshots of the conversation session.
type SessionHandler struct {
	Session *session.Session
	Logger  *slog.Logger
}

// Badge returns the aggregate unread value.
func (h SessionHandler) Badge(c *gin.Context) {
	agg := h.Session.UnreadBadge()
	c.JSON(http.StatusOK, dto.Badge{All: agg.All, Buying: agg.Buying, Selling: agg.Selling})
}

// Conversations returns the current visible set with bucket and search
// parameters applied.
func (h SessionHandler) Conversations(c *gin.Context) {
	store := h.Session.Store()
	user := store.User()

	matched := store.Search(c.Query("q"))
	bucket := chat.Bucket(c.DefaultQuery("bucket", string(chat.BucketAll)))

	out := dto.ConversationList{Items: make([]dto.Conversation, 0, len(matched))}
	for _, conv := range matched {
		if !conv.InBucket(user, bucket) {
			continue
		}
		other := conv.Counterpart(user)
		profile := store.Profile(other)
		out.Items = append(out.Items, dto.Conversation{
			ID:              string(conv.ID),
			ListingID:       string(conv.ListingID),
			ListingTitle:    conv.ListingTitle,
			BuyerID:         string(conv.BuyerID),
			SellerID:        string(conv.SellerID),
			Counterpart:     string(other),
			CounterpartName: profile.DisplayName,
			Online:          profile.Online,
			LastMessage:     conv.LastMessage,
			LastMessageAt:   conv.LastMessageAt,
			CreatedAt:       conv.CreatedAt,
			Unread:          h.Session.Unread().CountFor(conv.ID),
		})
	}
	c.JSON(http.StatusOK, out)
}

var _ SessionHTTP = (*SessionHandler)(nil)
