package models

import "time"

// Role identifies the author of a message within a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EmotionDistribution maps emotion labels to weights. Weights are not
// required to sum to 1.
type EmotionDistribution map[string]float64

// Conversation is a thread of messages owned by a single user.
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is a single utterance in a conversation. Rows are immutable once
// persisted: scores are computed before the insert and never patched in
// afterwards. A nil score means "not scored", which is distinct from zero.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Seq            int64               `json:"seq"`
	Role           Role                `json:"role"`
	Content        string              `json:"content"`
	SentimentScore *float64            `json:"sentiment_score,omitempty"`
	RiskScore      *float64            `json:"risk_score,omitempty"`
	Emotions       EmotionDistribution `json:"emotions,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// DailyAnalytics is the per-(user, date) rollup, maintained incrementally.
// AvgSentiment is the mean over scored user messages only; SentimentCount
// tracks how many messages contributed to it, while MessageCount counts every
// processed user message for the date.
type DailyAnalytics struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	Date             time.Time           `json:"date"`
	AvgSentiment     float64             `json:"avg_sentiment"`
	MaxRiskScore     float64             `json:"max_risk_score"`
	MessageCount     int                 `json:"message_count"`
	SentimentCount   int                 `json:"sentiment_count"`
	DominantEmotions EmotionDistribution `json:"dominant_emotions"`
}

// RiskAlert records that a message's risk score crossed a threshold.
// Append-only audit trail; never mutated.
type RiskAlert struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	RiskScore      float64   `json:"risk_score"`
	Threshold      float64   `json:"threshold"`
	RiskLevel      string    `json:"risk_level"`
	MessageSnippet string    `json:"message_snippet,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
