package analytics

import (
	"sort"

	"github.com/healhub/backend/internal/models"
)

// Apply folds one user message's scores into a daily rollup in place.
//
// The mean is updated incrementally: avg' = avg + (s - avg) / (n + 1), where
// n counts only messages that actually carried a sentiment score. A nil score
// contributes to MessageCount but never to the mean — "not scored" must not
// drag the average toward zero. MaxRiskScore is a plain running maximum.
func Apply(day *models.DailyAnalytics, sentiment, risk *float64, emotions models.EmotionDistribution) {
	day.MessageCount++

	if sentiment != nil {
		day.AvgSentiment += (*sentiment - day.AvgSentiment) / float64(day.SentimentCount+1)
		day.SentimentCount++
	}

	if risk != nil && *risk > day.MaxRiskScore {
		day.MaxRiskScore = *risk
	}

	if len(emotions) > 0 {
		if day.DominantEmotions == nil {
			day.DominantEmotions = make(models.EmotionDistribution, len(emotions))
		}
		for label, weight := range emotions {
			day.DominantEmotions[label] += weight
		}
	}
}

// EmotionWeight pairs an emotion label with its accumulated weight.
type EmotionWeight struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// TopEmotions returns the k heaviest emotion labels, descending by weight.
// Ties break alphabetically so the result is stable.
func TopEmotions(dist models.EmotionDistribution, k int) []EmotionWeight {
	if k <= 0 || len(dist) == 0 {
		return nil
	}

	ranked := make([]EmotionWeight, 0, len(dist))
	for label, weight := range dist {
		ranked = append(ranked, EmotionWeight{Label: label, Weight: weight})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].Label < ranked[j].Label
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
