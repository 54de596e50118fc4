package storage

import (
	"context"
	"errors"

	"github.com/healhub/backend/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Storage is the durable conversation store. It is the single source of
// truth and the point of transactional atomicity for the pipeline.
type Storage interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error)
	ArchiveConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error

	// ListMessages returns the full conversation in canonical order
	// (created_at, then seq as tiebreaker).
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	// RecentMessages returns up to n most recent messages, still in
	// chronological order.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]*models.Message, error)

	// SaveUserMessage persists a user message and, when alert is non-nil,
	// its risk alert in a single transaction. The message is marked pending
	// for analytics.
	SaveUserMessage(ctx context.Context, msg *models.Message, alert *models.RiskAlert) error
	// SaveAssistantMessage persists an assistant message and bumps the
	// conversation's updated_at in the same transaction.
	SaveAssistantMessage(ctx context.Context, msg *models.Message) error

	// ApplyMessageAnalytics folds a persisted user message into its owner's
	// daily rollup. Idempotent: re-applying an already-applied message is a
	// no-op, so retries never double-count.
	ApplyMessageAnalytics(ctx context.Context, messageID string) error
	// PendingAnalytics lists message IDs whose rollup update has not been
	// applied yet.
	PendingAnalytics(ctx context.Context, limit int) ([]string, error)

	GetDailyAnalytics(ctx context.Context, userID string, days int) ([]*models.DailyAnalytics, error)

	// ListRiskAlerts re-evaluates historical risk scores at the supplied
	// threshold. It reads raw message scores, not the write-time audit
	// records, so lowering the threshold widens the result set.
	ListRiskAlerts(ctx context.Context, userID string, threshold float64) ([]*models.RiskAlert, error)

	Close() error
}
