package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healhub/backend/internal/models"
)

func fptr(v float64) *float64 { return &v }

func seedConversation(t *testing.T, s *MemoryStorage, userID string) *models.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), userID, "New Conversation")
	require.NoError(t, err)
	return conv
}

func userMessage(convID string, sentiment, risk *float64) *models.Message {
	return &models.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           models.RoleUser,
		Content:        "hello",
		SentimentScore: sentiment,
		RiskScore:      risk,
	}
}

func TestSaveUserMessageMarksAnalyticsPending(t *testing.T) {
	s := NewMemoryStorage()
	conv := seedConversation(t, s, "user-1")
	ctx := context.Background()

	msg := userMessage(conv.ID, fptr(-0.4), fptr(0.2))
	require.NoError(t, s.SaveUserMessage(ctx, msg, nil))

	pending, err := s.PendingAnalytics(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, pending)
}

func TestApplyMessageAnalyticsIsIdempotent(t *testing.T) {
	s := NewMemoryStorage()
	conv := seedConversation(t, s, "user-1")
	ctx := context.Background()

	msg := userMessage(conv.ID, fptr(-0.4), fptr(0.2))
	require.NoError(t, s.SaveUserMessage(ctx, msg, nil))

	require.NoError(t, s.ApplyMessageAnalytics(ctx, msg.ID))
	// A retry of an already-applied message must not double-count.
	require.NoError(t, s.ApplyMessageAnalytics(ctx, msg.ID))

	rollups, err := s.GetDailyAnalytics(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, 1, rollups[0].MessageCount)
	assert.InDelta(t, -0.4, rollups[0].AvgSentiment, 1e-9)
	assert.Equal(t, 0.2, rollups[0].MaxRiskScore)

	pending, err := s.PendingAnalytics(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecentMessagesWindowStaysChronological(t *testing.T) {
	s := NewMemoryStorage()
	conv := seedConversation(t, s, "user-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := userMessage(conv.ID, nil, nil)
		msg.Content = string(rune('0' + i))
		require.NoError(t, s.SaveUserMessage(ctx, msg, nil))
	}

	recent, err := s.RecentMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].Content)
	assert.Equal(t, "4", recent[2].Content)
	assert.Less(t, recent[0].Seq, recent[1].Seq)
	assert.Less(t, recent[1].Seq, recent[2].Seq)
}

func TestListRiskAlertsThresholdMonotonicity(t *testing.T) {
	s := NewMemoryStorage()
	conv := seedConversation(t, s, "user-1")
	ctx := context.Background()

	for _, risk := range []float64{0.1, 0.45, 0.6, 0.9} {
		require.NoError(t, s.SaveUserMessage(ctx, userMessage(conv.ID, nil, fptr(risk)), nil))
	}
	// Unscored messages never show up at any threshold.
	require.NoError(t, s.SaveUserMessage(ctx, userMessage(conv.ID, nil, nil), nil))

	strict, err := s.ListRiskAlerts(ctx, "user-1", 0.8)
	require.NoError(t, err)
	loose, err := s.ListRiskAlerts(ctx, "user-1", 0.4)
	require.NoError(t, err)

	assert.Len(t, strict, 1)
	assert.Len(t, loose, 3)

	// Every alert at the higher threshold is present at the lower one.
	looseIDs := make(map[string]bool, len(loose))
	for _, alert := range loose {
		looseIDs[alert.MessageID] = true
	}
	for _, alert := range strict {
		assert.True(t, looseIDs[alert.MessageID])
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := NewMemoryStorage()
	conv := seedConversation(t, s, "user-1")
	ctx := context.Background()

	msg := userMessage(conv.ID, nil, fptr(0.9))
	require.NoError(t, s.SaveUserMessage(ctx, msg, &models.RiskAlert{
		ID:             "alert-1",
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		UserID:         "user-1",
		RiskScore:      0.9,
		Threshold:      0.5,
	}))

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	_, err := s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = s.ListMessages(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Empty(t, s.StoredAlerts())

	pending, err := s.PendingAnalytics(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestArchiveConversation(t *testing.T) {
	s := NewMemoryStorage()
	conv := seedConversation(t, s, "user-1")
	ctx := context.Background()

	require.NoError(t, s.ArchiveConversation(ctx, conv.ID))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsArchived)
}

func TestListConversationsOrderAndPaging(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	first := seedConversation(t, s, "user-1")
	second := seedConversation(t, s, "user-1")
	seedConversation(t, s, "other-user")

	// Touch the first conversation so it becomes the most recently updated.
	require.NoError(t, s.SaveAssistantMessage(ctx, &models.Message{
		ID:             "a-1",
		ConversationID: first.ID,
		Role:           models.RoleAssistant,
		Content:        "hi",
	}))

	list, err := s.ListConversations(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	page, err := s.ListConversations(ctx, "user-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID)
}
