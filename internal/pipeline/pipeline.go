package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/alerts"
	"github.com/healhub/backend/internal/generator"
	"github.com/healhub/backend/internal/models"
	"github.com/healhub/backend/internal/scorer"
	"github.com/healhub/backend/internal/storage"
)

var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrContentTooLong       = errors.New("message content exceeds maximum length")
	ErrConversationArchived = errors.New("conversation is archived")
	ErrNotOwner             = errors.New("conversation does not belong to user")
)

// Config bounds the pipeline's inference calls and validation.
type Config struct {
	MaxMessageLength int
	HistoryWindow    int
	ScoreTimeout     time.Duration
	GenerateTimeout  time.Duration
	RetryInterval    time.Duration
}

// Reply is what processing one user message produced.
type Reply struct {
	UserMessage      *models.Message   `json:"user_message"`
	AssistantMessage *models.Message   `json:"assistant_message"`
	Alert            *models.RiskAlert `json:"alert,omitempty"`
	Fallback         bool              `json:"fallback"`
}

// Pipeline orchestrates scoring, persistence, alerting, reply generation and
// the analytics rollup for inbound user messages.
type Pipeline struct {
	store     storage.Storage
	sentiment scorer.SentimentScorer
	risk      scorer.RiskScorer
	generator generator.Generator
	evaluator *alerts.Evaluator
	cfg       Config
	logger    *zap.Logger
	locks     *conversationLocks
}

func New(store storage.Storage, sentiment scorer.SentimentScorer, risk scorer.RiskScorer, gen generator.Generator, evaluator *alerts.Evaluator, cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		sentiment: sentiment,
		risk:      risk,
		generator: gen,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
		locks:     newConversationLocks(),
	}
}

// ProcessUserMessage runs the full pipeline for one inbound message.
//
// Messages within a conversation are processed strictly in arrival order: the
// conversation's lock is held from the conversation load through the assistant
// persist, so concurrent sends to the same conversation cannot interleave
// their writes, race an archive, or generate against a half-updated history. Reads of already
// persisted data never take this lock.
//
// Scorer failures degrade to nil scores; generator failures degrade to a
// fixed fallback reply. Only validation and persistence failures surface to
// the caller.
func (p *Pipeline) ProcessUserMessage(ctx context.Context, conversationID, userID, content string) (*Reply, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > p.cfg.MaxMessageLength {
		return nil, ErrContentTooLong
	}

	// The conversation is loaded under the lock: an archive landing while an
	// earlier message is still in flight must be seen by the next sender, not
	// raced past.
	unlock := p.locks.lock(conversationID)
	defer unlock()

	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotOwner
	}
	if conv.IsArchived {
		return nil, ErrConversationArchived
	}

	sentimentScore, riskScore, emotions := p.scoreContent(ctx, conversationID, content)

	userMsg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		SentimentScore: sentimentScore,
		RiskScore:      riskScore,
		Emotions:       emotions,
	}

	// The alert has to exist before reply generation runs, so a later
	// generator failure can never swallow an escalation.
	alert := p.evaluator.Evaluate(userMsg, userID)

	if err := p.store.SaveUserMessage(ctx, userMsg, alert); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	if alert != nil {
		p.logger.Warn("Risk alert raised",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", userMsg.ID),
			zap.Float64("risk_score", alert.RiskScore),
			zap.String("risk_level", alert.RiskLevel))
	}

	assistantMsg, fallback := p.generateReply(ctx, conversationID, userMsg)
	if err := p.store.SaveAssistantMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	// Rollup failure never fails the request; the message stays flagged and
	// the retry loop reconciles it later.
	if err := p.store.ApplyMessageAnalytics(ctx, userMsg.ID); err != nil {
		p.logger.Error("Analytics update failed, message left pending",
			zap.Error(err),
			zap.String("message_id", userMsg.ID))
	}

	return &Reply{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Alert:            alert,
		Fallback:         fallback,
	}, nil
}

// scoreContent runs the sentiment and risk scorers concurrently, each with
// its own timeout. The calls are independent: one failing or timing out does
// not cancel the other, which is why this is a WaitGroup and not an errgroup.
func (p *Pipeline) scoreContent(ctx context.Context, conversationID, content string) (sentimentScore, riskScore *float64, emotions models.EmotionDistribution) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sctx, cancel := context.WithTimeout(ctx, p.cfg.ScoreTimeout)
		defer cancel()

		result, err := p.sentiment.ScoreSentiment(sctx, content)
		if err != nil {
			p.logger.Warn("Sentiment scoring failed, message stays unscored",
				zap.Error(err),
				zap.String("conversation_id", conversationID))
			return
		}
		score := result.Score
		sentimentScore = &score
		emotions = result.Emotions
	}()

	go func() {
		defer wg.Done()
		rctx, cancel := context.WithTimeout(ctx, p.cfg.ScoreTimeout)
		defer cancel()

		score, err := p.risk.ScoreRisk(rctx, content)
		if err != nil {
			// A missing risk score is a safety-relevant monitoring gap,
			// not just a degraded enrichment.
			p.logger.Warn("Risk score unavailable for message",
				zap.Error(err),
				zap.String("conversation_id", conversationID))
			return
		}
		riskScore = &score
	}()

	wg.Wait()

	// Strongly negative sentiment raises the risk score, applied here so the
	// two scorer calls stay independent. No bonus when either score is
	// missing: a fabricated risk value must never reach the evaluator.
	if riskScore != nil && sentimentScore != nil {
		adjusted := scorer.AdjustRiskForSentiment(*riskScore, *sentimentScore)
		riskScore = &adjusted
	}

	return sentimentScore, riskScore, emotions
}

func (p *Pipeline) generateReply(ctx context.Context, conversationID string, userMsg *models.Message) (*models.Message, bool) {
	history, err := p.store.RecentMessages(ctx, conversationID, p.cfg.HistoryWindow)
	if err != nil {
		p.logger.Error("Failed to load history, generating from current message only",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		history = []*models.Message{userMsg}
	}

	window := make([]models.Message, 0, len(history))
	for _, msg := range history {
		window = append(window, *msg)
	}

	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	defer cancel()

	content, err := p.generator.Generate(gctx, window)
	fallback := false
	if err != nil {
		p.logger.Error("Reply generation failed, using fallback",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		content = generator.FallbackReply
		fallback = true
	}

	return &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        content,
	}, fallback
}

// RunAnalyticsRetrier periodically re-applies rollup updates for messages
// whose analytics write failed. ApplyMessageAnalytics is idempotent, so a
// message applied between listing and retrying is simply skipped.
func (p *Pipeline) RunAnalyticsRetrier(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.retryPendingAnalytics(ctx)
		}
	}
}

func (p *Pipeline) retryPendingAnalytics(ctx context.Context) {
	ids, err := p.store.PendingAnalytics(ctx, 100)
	if err != nil {
		p.logger.Error("Failed to list pending analytics", zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := p.store.ApplyMessageAnalytics(ctx, id); err != nil {
			p.logger.Error("Analytics retry failed",
				zap.Error(err),
				zap.String("message_id", id))
			continue
		}
		p.logger.Info("Analytics update reconciled", zap.String("message_id", id))
	}
}
