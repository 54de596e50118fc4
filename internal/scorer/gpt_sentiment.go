package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/models"
)

var ErrEmptyCompletion = errors.New("model returned an empty completion")

type sentimentResponse struct {
	Sentiment float64            `json:"sentiment"`
	Emotions  map[string]float64 `json:"emotions"`
}

// GPTSentimentScorer classifies message sentiment with a chat-completion
// model and a structured JSON prompt.
type GPTSentimentScorer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGPTSentimentScorer(apiKey string, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTSentimentScorer {
	return &GPTSentimentScorer{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (s *GPTSentimentScorer) ScoreSentiment(ctx context.Context, text string) (SentimentResult, error) {
	prompt := fmt.Sprintf(`Analyze the emotional content of the following message and respond with a JSON object only:
{
    "sentiment": <number from -1.0 (very negative) to 1.0 (very positive)>,
    "emotions": {"<emotion_label>": <weight from 0.0 to 1.0>, ...}
}

Use lowercase emotion labels such as "sadness", "anxiety", "anger", "joy", "fear", "hope".

Message: %s`, text)

	resp, err := s.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   s.maxTokens,
			Temperature: float32(s.temperature),
		},
	)
	if err != nil {
		return SentimentResult{}, fmt.Errorf("sentiment completion failed: %w", err)
	}

	return s.parseResult(resp)
}

// parseResult turns a completion into a sentiment result. A response with no
// choices is an error, not a score.
func (s *GPTSentimentScorer) parseResult(resp openai.ChatCompletionResponse) (SentimentResult, error) {
	if len(resp.Choices) == 0 {
		return SentimentResult{}, ErrEmptyCompletion
	}

	var parsed sentimentResponse
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		s.logger.Error("Failed to parse sentiment response",
			zap.Error(err),
			zap.String("response", raw))
		return SentimentResult{}, fmt.Errorf("sentiment response not valid JSON: %w", err)
	}

	if parsed.Sentiment > 1 {
		parsed.Sentiment = 1
	}
	if parsed.Sentiment < -1 {
		parsed.Sentiment = -1
	}

	emotions := make(models.EmotionDistribution, len(parsed.Emotions))
	for label, weight := range parsed.Emotions {
		if weight < 0 {
			continue
		}
		emotions[strings.ToLower(label)] = weight
	}

	return SentimentResult{Score: parsed.Sentiment, Emotions: emotions}, nil
}
