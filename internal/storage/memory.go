package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healhub/backend/internal/alerts"
	"github.com/healhub/backend/internal/analytics"
	"github.com/healhub/backend/internal/models"
)

// MemoryStorage mirrors PostgresStorage for tests and local runs. All maps
// are guarded by a single RWMutex, so every operation is atomic exactly like
// its transactional counterpart.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // keyed by conversation ID
	alerts        []*models.RiskAlert
	analytics     map[string]*models.DailyAnalytics // keyed by userID + date
	pending       map[string]bool                   // message IDs awaiting rollup
	nextSeq       int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		analytics:     make(map[string]*models.DailyAnalytics),
		pending:       make(map[string]bool),
	}
}

func (s *MemoryStorage) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make([]*models.Message, 0, 16)

	copied := *conv
	return &copied, nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, ErrConversationNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *MemoryStorage) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			copied := *conv
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStorage) ArchiveConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return ErrConversationNotFound
	}
	conv.IsArchived = true
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStorage) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return ErrConversationNotFound
	}
	for _, msg := range s.messages[id] {
		delete(s.pending, msg.ID)
	}
	delete(s.conversations, id)
	delete(s.messages, id)

	kept := s.alerts[:0]
	for _, alert := range s.alerts {
		if alert.ConversationID != id {
			kept = append(kept, alert)
		}
	}
	s.alerts = kept
	return nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, exists := s.messages[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}
	return copyMessages(msgs), nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, conversationID string, n int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, exists := s.messages[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return copyMessages(msgs), nil
}

func copyMessages(msgs []*models.Message) []*models.Message {
	copied := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		m := *msg
		copied[i] = &m
	}
	return copied
}

func (s *MemoryStorage) SaveUserMessage(ctx context.Context, msg *models.Message, alert *models.RiskAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendMessage(msg); err != nil {
		return err
	}
	s.pending[msg.ID] = true

	if alert != nil {
		copied := *alert
		s.alerts = append(s.alerts, &copied)
	}
	return nil
}

func (s *MemoryStorage) SaveAssistantMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendMessage(msg); err != nil {
		return err
	}
	s.conversations[msg.ConversationID].UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStorage) appendMessage(msg *models.Message) error {
	if _, exists := s.conversations[msg.ConversationID]; !exists {
		return ErrConversationNotFound
	}
	s.nextSeq++
	msg.Seq = s.nextSeq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	copied := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &copied)
	return nil
}

func (s *MemoryStorage) ApplyMessageAnalytics(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, userID := s.findMessage(messageID)
	if msg == nil {
		return ErrMessageNotFound
	}
	if !s.pending[messageID] {
		return nil
	}

	date := msg.CreatedAt.UTC().Truncate(24 * time.Hour)
	key := userID + "|" + date.Format("2006-01-02")

	day, exists := s.analytics[key]
	if !exists {
		day = &models.DailyAnalytics{
			ID:     uuid.New().String(),
			UserID: userID,
			Date:   date,
		}
		s.analytics[key] = day
	}

	analytics.Apply(day, msg.SentimentScore, msg.RiskScore, msg.Emotions)
	delete(s.pending, messageID)
	return nil
}

func (s *MemoryStorage) findMessage(messageID string) (*models.Message, string) {
	for convID, msgs := range s.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				return msg, s.conversations[convID].UserID
			}
		}
	}
	return nil, ""
}

func (s *MemoryStorage) PendingAnalytics(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.pending {
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (s *MemoryStorage) GetDailyAnalytics(ctx context.Context, userID string, days int) ([]*models.DailyAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -days)

	var result []*models.DailyAnalytics
	for _, day := range s.analytics {
		if day.UserID == userID && !day.Date.Before(cutoff) {
			copied := *day
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date.After(result[j].Date)
	})
	return result, nil
}

func (s *MemoryStorage) ListRiskAlerts(ctx context.Context, userID string, threshold float64) ([]*models.RiskAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.RiskAlert
	for convID, msgs := range s.messages {
		conv := s.conversations[convID]
		if conv.UserID != userID {
			continue
		}
		for _, msg := range msgs {
			if msg.Role != models.RoleUser || msg.RiskScore == nil || *msg.RiskScore < threshold {
				continue
			}
			result = append(result, &models.RiskAlert{
				ID:             msg.ID,
				MessageID:      msg.ID,
				ConversationID: convID,
				UserID:         userID,
				RiskScore:      *msg.RiskScore,
				Threshold:      threshold,
				RiskLevel:      alerts.RiskLevel(*msg.RiskScore),
				MessageSnippet: alerts.Snippet(msg.Content),
				CreatedAt:      msg.CreatedAt,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > 50 {
		result = result[:50]
	}
	return result, nil
}

// StoredAlerts returns the write-time audit records. Used by tests.
func (s *MemoryStorage) StoredAlerts() []*models.RiskAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]*models.RiskAlert, len(s.alerts))
	for i, alert := range s.alerts {
		a := *alert
		copied[i] = &a
	}
	return copied
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
