package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/alerts"
	"github.com/healhub/backend/internal/models"
	"github.com/healhub/backend/internal/pipeline"
	"github.com/healhub/backend/internal/scorer"
	"github.com/healhub/backend/internal/storage"
)

type fixedSentiment struct{ score float64 }

func (s fixedSentiment) ScoreSentiment(ctx context.Context, text string) (scorer.SentimentResult, error) {
	return scorer.SentimentResult{
		Score:    s.score,
		Emotions: models.EmotionDistribution{"anxiety": 0.7},
	}, nil
}

type fixedGenerator struct{ reply string }

func (g fixedGenerator) Generate(ctx context.Context, history []models.Message) (string, error) {
	return g.reply, nil
}

func setup(t *testing.T) (http.Handler, *storage.MemoryStorage) {
	t.Helper()

	store := storage.NewMemoryStorage()
	p := pipeline.New(store,
		fixedSentiment{score: -0.4},
		scorer.NewKeywordRiskScorer(),
		fixedGenerator{reply: "I'm here with you."},
		alerts.NewEvaluator(0.5),
		pipeline.Config{
			MaxMessageLength: 4000,
			HistoryWindow:    10,
			ScoreTimeout:     time.Second,
			GenerateTimeout:  time.Second,
			RetryInterval:    time.Minute,
		},
		zap.NewNop())

	return New(store, p, zap.NewNop()).Router(), store
}

func doJSON(t *testing.T, router http.Handler, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func createConversation(t *testing.T, router http.Handler, userID string) models.Conversation {
	t.Helper()

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations", userID, map[string]string{})
	require.Equal(t, http.StatusCreated, resp.Code)

	var conv models.Conversation
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &conv))
	return conv
}

func TestMissingUserIdentity(t *testing.T) {
	router, _ := setup(t)
	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCreateConversationDefaultsTitle(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")
	assert.Equal(t, "New Conversation", conv.Title)
	assert.Equal(t, "user-1", conv.UserID)
}

func TestSendMessageReturnsReplyAndScores(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-1",
		map[string]string{"content": "I have been feeling anxious lately"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var reply pipeline.Reply
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &reply))
	assert.Equal(t, "I'm here with you.", reply.AssistantMessage.Content)
	require.NotNil(t, reply.UserMessage.SentimentScore)
	assert.InDelta(t, -0.4, *reply.UserMessage.SentimentScore, 1e-9)
	// Keyword risk 0.1 for "anxious" plus 0.1 for the negative sentiment.
	require.NotNil(t, reply.UserMessage.RiskScore)
	assert.InDelta(t, 0.2, *reply.UserMessage.RiskScore, 1e-9)
	assert.Nil(t, reply.Alert)
}

func TestSendMessageValidation(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-1",
		map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSendMessageForeignConversationIsHidden(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-2",
		map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSendMessageArchivedConversation(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	resp := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/archive", "user-1", nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-1",
		map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestListMessagesAfterSend(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-1",
		map[string]string{"content": "hello"})

	resp := doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var messages []models.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestDashboardReflectsProcessedMessages(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-1",
		map[string]string{"content": "I have been feeling anxious lately"})

	resp := doJSON(t, router, http.MethodGet, "/api/v1/analytics/dashboard?days=7", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var payload struct {
		UserID         string `json:"user_id"`
		PeriodDays     int    `json:"period_days"`
		DailyAnalytics []struct {
			AvgSentiment     float64 `json:"avg_sentiment"`
			MaxRiskScore     float64 `json:"max_risk_score"`
			MessageCount     int     `json:"message_count"`
			DominantEmotions []struct {
				Label string `json:"label"`
			} `json:"dominant_emotions"`
		} `json:"daily_analytics"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, 7, payload.PeriodDays)
	require.Len(t, payload.DailyAnalytics, 1)
	assert.Equal(t, 1, payload.DailyAnalytics[0].MessageCount)
	assert.InDelta(t, -0.4, payload.DailyAnalytics[0].AvgSentiment, 1e-9)
	require.NotEmpty(t, payload.DailyAnalytics[0].DominantEmotions)
	assert.Equal(t, "anxiety", payload.DailyAnalytics[0].DominantEmotions[0].Label)
}

func TestRiskAlertsThresholdQuery(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	// "hopeless" scores 0.3 with the keyword scorer plus 0.1 for the negative
	// sentiment: below the 0.5 write-time default, visible when the caller
	// lowers the read-time threshold.
	doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", "user-1",
		map[string]string{"content": "Everything feels hopeless"})

	resp := doJSON(t, router, http.MethodGet, "/api/v1/analytics/risk-alerts?threshold=0.5", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var strict []models.RiskAlert
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &strict))
	assert.Empty(t, strict)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/analytics/risk-alerts?threshold=0.2", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var loose []models.RiskAlert
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &loose))
	require.Len(t, loose, 1)
	assert.Equal(t, "medium", loose[0].RiskLevel)
}

func TestListConversationsZeroLimitUsesDefaultPage(t *testing.T) {
	router, _ := setup(t)
	createConversation(t, router, "user-1")
	createConversation(t, router, "user-1")

	resp := doJSON(t, router, http.MethodGet, "/api/v1/conversations?limit=0", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var conversations []models.Conversation
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &conversations))
	assert.Len(t, conversations, 2)
}

func TestRiskAlertsRejectsBadThreshold(t *testing.T) {
	router, _ := setup(t)
	resp := doJSON(t, router, http.MethodGet, "/api/v1/analytics/risk-alerts?threshold=2", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDeleteConversation(t *testing.T) {
	router, _ := setup(t)
	conv := createConversation(t, router, "user-1")

	resp := doJSON(t, router, http.MethodDelete, "/api/v1/conversations/"+conv.ID, "user-1", nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+conv.ID, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
