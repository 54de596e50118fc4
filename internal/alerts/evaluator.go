package alerts

import (
	"time"

	"github.com/google/uuid"

	"github.com/healhub/backend/internal/models"
)

const snippetLimit = 200

// RiskLevel buckets a risk score into a severity label.
func RiskLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "critical"
	case score >= 0.6:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

// Evaluator decides whether a message's risk score warrants an alert.
//
// The write-time threshold is only the live-escalation default: raw risk
// scores stay the source of truth, and the alerts read path re-evaluates them
// at whatever threshold the caller supplies. An unscored message never
// produces an alert — the evaluator does not fabricate a default score.
type Evaluator struct {
	Threshold float64
}

func NewEvaluator(threshold float64) *Evaluator {
	return &Evaluator{Threshold: threshold}
}

// Evaluate returns an alert referencing msg when its risk score meets the
// threshold, or nil otherwise.
func (e *Evaluator) Evaluate(msg *models.Message, userID string) *models.RiskAlert {
	if msg.RiskScore == nil || *msg.RiskScore < e.Threshold {
		return nil
	}

	return &models.RiskAlert{
		ID:             uuid.New().String(),
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		RiskScore:      *msg.RiskScore,
		Threshold:      e.Threshold,
		RiskLevel:      RiskLevel(*msg.RiskScore),
		MessageSnippet: Snippet(msg.Content),
		CreatedAt:      time.Now().UTC(),
	}
}

// Snippet truncates message content for alert payloads.
func Snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLimit {
		return content
	}
	return string(runes[:snippetLimit])
}
