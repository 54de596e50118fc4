package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/alerts"
	"github.com/healhub/backend/internal/analytics"
	"github.com/healhub/backend/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  title,
	}

	query := `
		INSERT INTO conversations (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, conv.ID, conv.UserID, conv.Title).
		Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %v", err)
	}

	return conv, nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, user_id, title, is_archived, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.IsArchived,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %v", err)
	}

	return conv, nil
}

func (s *PostgresStorage) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	query := `
		SELECT id, user_id, title, is_archived, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %v", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		err := rows.Scan(
			&conv.ID,
			&conv.UserID,
			&conv.Title,
			&conv.IsArchived,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation: %v", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

func (s *PostgresStorage) ArchiveConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_archived = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error archiving conversation: %v", err)
	}
	return checkAffected(result)
}

func (s *PostgresStorage) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting conversation: %v", err)
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

const messageColumns = `id, conversation_id, seq, role, content, sentiment_score, risk_score, emotions, created_at`

func (s *PostgresStorage) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq`, messageColumns)

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PostgresStorage) RecentMessages(ctx context.Context, conversationID string, n int) ([]*models.Message, error) {
	// Take the newest n rows, then flip back to chronological order. The
	// generator depends on that order.
	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at, seq`, messageColumns, messageColumns)

	rows, err := s.db.QueryContext(ctx, query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("error querying recent messages: %v", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var sentiment, risk sql.NullFloat64
		var emotions []byte
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&msg.Role,
			&msg.Content,
			&sentiment,
			&risk,
			&emotions,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		if sentiment.Valid {
			v := sentiment.Float64
			msg.SentimentScore = &v
		}
		if risk.Valid {
			v := risk.Float64
			msg.RiskScore = &v
		}
		if len(emotions) > 0 {
			if err := json.Unmarshal(emotions, &msg.Emotions); err != nil {
				return nil, fmt.Errorf("error decoding emotions: %v", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) SaveUserMessage(ctx context.Context, msg *models.Message, alert *models.RiskAlert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %v", err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg, true); err != nil {
		return err
	}

	if alert != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO risk_alerts (id, message_id, conversation_id, user_id, risk_score, threshold, risk_level, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			alert.ID, alert.MessageID, alert.ConversationID, alert.UserID,
			alert.RiskScore, alert.Threshold, alert.RiskLevel, alert.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("error creating risk alert: %v", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStorage) SaveAssistantMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %v", err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg, false); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("error touching conversation: %v", err)
	}

	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message, analyticsPending bool) error {
	emotions, err := json.Marshal(emotionsOrEmpty(msg.Emotions))
	if err != nil {
		return fmt.Errorf("error encoding emotions: %v", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, sentiment_score, risk_score, emotions, analytics_pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`

	err = tx.QueryRowContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		nullFloat(msg.SentimentScore),
		nullFloat(msg.RiskScore),
		emotions,
		analyticsPending,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating message: %v", err)
	}

	return nil
}

func emotionsOrEmpty(e models.EmotionDistribution) models.EmotionDistribution {
	if e == nil {
		return models.EmotionDistribution{}
	}
	return e
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// ApplyMessageAnalytics folds one user message into its owner's daily rollup.
// The message row is locked first; a message whose flag is already cleared is
// skipped, which makes retries safe.
func (s *PostgresStorage) ApplyMessageAnalytics(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %v", err)
	}
	defer tx.Rollback()

	var (
		pending         bool
		sentiment, risk sql.NullFloat64
		emotionsRaw     []byte
		createdAt       time.Time
		userID          string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT m.analytics_pending, m.sentiment_score, m.risk_score, m.emotions, m.created_at, c.user_id
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1
		FOR UPDATE OF m`, messageID).
		Scan(&pending, &sentiment, &risk, &emotionsRaw, &createdAt, &userID)
	if err == sql.ErrNoRows {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("error locking message: %v", err)
	}

	if !pending {
		// Already applied; nothing to do.
		return tx.Commit()
	}

	var emotions models.EmotionDistribution
	if len(emotionsRaw) > 0 {
		if err := json.Unmarshal(emotionsRaw, &emotions); err != nil {
			return fmt.Errorf("error decoding emotions: %v", err)
		}
	}

	date := createdAt.UTC().Truncate(24 * time.Hour)

	// Upsert-then-lock so two transactions for the same (user, date) cannot
	// race the first insert; the second blocks on the row lock instead.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_analytics (id, user_id, date)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, date) DO NOTHING`,
		uuid.New().String(), userID, date)
	if err != nil {
		return fmt.Errorf("error creating analytics row: %v", err)
	}

	day := &models.DailyAnalytics{}
	var dominantRaw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, avg_sentiment, max_risk_score, message_count, sentiment_count, dominant_emotions
		FROM daily_analytics
		WHERE user_id = $1 AND date = $2
		FOR UPDATE`, userID, date).
		Scan(&day.ID, &day.AvgSentiment, &day.MaxRiskScore, &day.MessageCount, &day.SentimentCount, &dominantRaw)
	if err != nil {
		return fmt.Errorf("error locking analytics row: %v", err)
	}
	if len(dominantRaw) > 0 {
		if err := json.Unmarshal(dominantRaw, &day.DominantEmotions); err != nil {
			return fmt.Errorf("error decoding dominant emotions: %v", err)
		}
	}

	analytics.Apply(day, floatPtr(sentiment), floatPtr(risk), emotions)

	dominant, err := json.Marshal(emotionsOrEmpty(day.DominantEmotions))
	if err != nil {
		return fmt.Errorf("error encoding dominant emotions: %v", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE daily_analytics
		SET avg_sentiment = $1, max_risk_score = $2, message_count = $3, sentiment_count = $4, dominant_emotions = $5
		WHERE id = $6`,
		day.AvgSentiment, day.MaxRiskScore, day.MessageCount, day.SentimentCount, dominant, day.ID)
	if err != nil {
		return fmt.Errorf("error updating analytics row: %v", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET analytics_pending = FALSE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("error clearing analytics flag: %v", err)
	}

	return tx.Commit()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *PostgresStorage) PendingAnalytics(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE analytics_pending
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying pending analytics: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning pending message id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStorage) GetDailyAnalytics(ctx context.Context, userID string, days int) ([]*models.DailyAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, date, avg_sentiment, max_risk_score, message_count, sentiment_count, dominant_emotions
		FROM daily_analytics
		WHERE user_id = $1 AND date >= CURRENT_DATE - $2::int
		ORDER BY date DESC`, userID, days)
	if err != nil {
		return nil, fmt.Errorf("error querying daily analytics: %v", err)
	}
	defer rows.Close()

	var results []*models.DailyAnalytics
	for rows.Next() {
		day := &models.DailyAnalytics{}
		var dominantRaw []byte
		err := rows.Scan(
			&day.ID,
			&day.UserID,
			&day.Date,
			&day.AvgSentiment,
			&day.MaxRiskScore,
			&day.MessageCount,
			&day.SentimentCount,
			&dominantRaw,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning daily analytics: %v", err)
		}
		if len(dominantRaw) > 0 {
			if err := json.Unmarshal(dominantRaw, &day.DominantEmotions); err != nil {
				return nil, fmt.Errorf("error decoding dominant emotions: %v", err)
			}
		}
		results = append(results, day)
	}
	return results, rows.Err()
}

func (s *PostgresStorage) ListRiskAlerts(ctx context.Context, userID string, threshold float64) ([]*models.RiskAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.risk_score, m.content, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = $1 AND m.role = 'user' AND m.risk_score >= $2
		ORDER BY m.created_at DESC
		LIMIT 50`, userID, threshold)
	if err != nil {
		return nil, fmt.Errorf("error querying risk alerts: %v", err)
	}
	defer rows.Close()

	var results []*models.RiskAlert
	for rows.Next() {
		var (
			messageID      string
			conversationID string
			riskScore      float64
			content        string
			createdAt      time.Time
		)
		if err := rows.Scan(&messageID, &conversationID, &riskScore, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning risk alert: %v", err)
		}
		results = append(results, &models.RiskAlert{
			ID:             messageID,
			MessageID:      messageID,
			ConversationID: conversationID,
			UserID:         userID,
			RiskScore:      riskScore,
			Threshold:      threshold,
			RiskLevel:      alerts.RiskLevel(riskScore),
			MessageSnippet: alerts.Snippet(content),
			CreatedAt:      createdAt,
		})
	}
	return results, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
