package kafka

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemberGroupIDsAreUniquePerSubscription(t *testing.T) {
	f := NewFeed([]string{"localhost:9092"}, "marketchat-session", "marketchat", nil, slog.New(slog.DiscardHandler))

	first := f.memberGroupID()
	second := f.memberGroupID()

	require.True(t, strings.HasPrefix(first, "marketchat-session-"))
	require.True(t, strings.HasPrefix(second, "marketchat-session-"))
	// Subscribers sharing a group would split partitions between them and
	// each see only a subset of events; distinct groups keep the feed a
	// broadcast.
	require.NotEqual(t, first, second)
}

func TestTopicForAppliesPrefix(t *testing.T) {
	require.Equal(t, "marketchat.conversations", topicFor("marketchat", "conversations"))
	require.Equal(t, "messages", topicFor("", "messages"))
}
