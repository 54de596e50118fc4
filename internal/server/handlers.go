package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/analytics"
	"github.com/healhub/backend/internal/models"
	"github.com/healhub/backend/internal/pipeline"
	"github.com/healhub/backend/internal/storage"
)

const (
	userIDHeader         = "X-User-ID"
	defaultTitle         = "New Conversation"
	defaultDashboardDays = 7
	topEmotionCount      = 3
)

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return userID, true
}

// ownedConversation loads a conversation and enforces ownership. A foreign
// conversation reports not-found rather than forbidden, so conversation IDs
// cannot be probed.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request, userID string) (*models.Conversation, bool) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := s.store.GetConversation(r.Context(), conversationID)
	if errors.Is(err, storage.ErrConversationNotFound) {
		respondError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to load conversation", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	if conv.UserID != userID {
		respondError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var payload struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		// Empty body is fine; title just defaults.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if payload.Title == "" {
		payload.Title = defaultTitle
	}

	conv, err := s.store.CreateConversation(r.Context(), userID, payload.Title)
	if err != nil {
		s.logger.Error("Failed to create conversation", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		// LIMIT 0 would mean "no rows" in SQL; treat it as "default page".
		limit = 50
	}
	offset := queryInt(r, "offset", 0)

	conversations, err := s.store.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		s.logger.Error("Failed to list conversations", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}

	respondJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}

	if err := s.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		s.logger.Error("Failed to delete conversation", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}

	if err := s.store.ArchiveConversation(r.Context(), conv.ID); err != nil {
		s.logger.Error("Failed to archive conversation", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to archive conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, userID)
	if !ok {
		return
	}

	messages, err := s.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		s.logger.Error("Failed to list messages", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	respondJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.pipeline.ProcessUserMessage(r.Context(), conversationID, userID, payload.Content)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, reply)
	case errors.Is(err, pipeline.ErrEmptyContent), errors.Is(err, pipeline.ErrContentTooLong):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrConversationNotFound), errors.Is(err, pipeline.ErrNotOwner):
		respondError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, pipeline.ErrConversationArchived):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Message processing failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to process message")
	}
}

type dashboardDay struct {
	Date             string                    `json:"date"`
	AvgSentiment     float64                   `json:"avg_sentiment"`
	MaxRiskScore     float64                   `json:"max_risk_score"`
	MessageCount     int                       `json:"message_count"`
	DominantEmotions []analytics.EmotionWeight `json:"dominant_emotions"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	days := queryInt(r, "days", defaultDashboardDays)

	rollups, err := s.store.GetDailyAnalytics(r.Context(), userID, days)
	if err != nil {
		s.logger.Error("Failed to load daily analytics", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load analytics")
		return
	}

	perDay := make([]dashboardDay, 0, len(rollups))
	for _, day := range rollups {
		perDay = append(perDay, dashboardDay{
			Date:             day.Date.Format("2006-01-02"),
			AvgSentiment:     day.AvgSentiment,
			MaxRiskScore:     day.MaxRiskScore,
			MessageCount:     day.MessageCount,
			DominantEmotions: analytics.TopEmotions(day.DominantEmotions, topEmotionCount),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         userID,
		"period_days":     days,
		"daily_analytics": perDay,
	})
}

func (s *Server) handleRiskAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	threshold := 0.5
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			respondError(w, http.StatusBadRequest, "threshold must be a number between 0 and 1")
			return
		}
		threshold = parsed
	}

	alerts, err := s.store.ListRiskAlerts(r.Context(), userID, threshold)
	if err != nil {
		s.logger.Error("Failed to list risk alerts", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list risk alerts")
		return
	}
	if alerts == nil {
		alerts = []*models.RiskAlert{}
	}

	respondJSON(w, http.StatusOK, alerts)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
