package scorer

import (
	"context"
	"strings"

	"github.com/healhub/backend/internal/models"
)

// SentimentResult carries a signed polarity score in [-1, 1] together with an
// emotion distribution for the scored text.
type SentimentResult struct {
	Score    float64
	Emotions models.EmotionDistribution
}

// SentimentScorer maps message text to a sentiment result. Implementations
// are potentially slow inference calls with no side effects; retry policy
// belongs to the caller, not the scorer.
type SentimentScorer interface {
	ScoreSentiment(ctx context.Context, text string) (SentimentResult, error)
}

// RiskScorer maps message text to a self-harm/crisis risk probability in
// [0, 1].
type RiskScorer interface {
	ScoreRisk(ctx context.Context, text string) (float64, error)
}

// Keyword weights follow the crisis-triage heuristic: explicit self-harm
// phrasing dominates, distress vocabulary accumulates more slowly.
var highRiskKeywords = []string{
	"suicide", "kill myself", "end it all", "no point", "hopeless",
	"want to die", "better off dead", "cant go on", "can't go on",
}

var mediumRiskKeywords = []string{
	"depressed", "anxious", "panic", "scared", "alone", "worthless",
	"helpless", "empty", "numb", "desperate", "overwhelmed",
}

// KeywordRiskScorer estimates risk from keyword hits. It is deterministic and
// local, but still implements the RiskScorer capability so the pipeline can
// swap in a model-backed scorer without changes.
type KeywordRiskScorer struct {
	HighWeight   float64
	MediumWeight float64
}

func NewKeywordRiskScorer() *KeywordRiskScorer {
	return &KeywordRiskScorer{
		HighWeight:   0.3,
		MediumWeight: 0.1,
	}
}

func (s *KeywordRiskScorer) ScoreRisk(ctx context.Context, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lower := strings.ToLower(text)
	score := 0.0

	for _, keyword := range highRiskKeywords {
		if strings.Contains(lower, keyword) {
			score += s.HighWeight
		}
	}
	for _, keyword := range mediumRiskKeywords {
		if strings.Contains(lower, keyword) {
			score += s.MediumWeight
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score, nil
}

// AdjustRiskForSentiment raises a risk score when the message's sentiment is
// strongly negative. The two scorers run independently, so this combination
// step happens after both have returned rather than inside either scorer.
func AdjustRiskForSentiment(risk, sentiment float64) float64 {
	switch {
	case sentiment < -0.5:
		risk += 0.2
	case sentiment < -0.3:
		risk += 0.1
	}
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}
