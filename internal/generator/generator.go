package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/healhub/backend/internal/models"
)

// FallbackReply is persisted in place of a generated response when the model
// is unavailable or times out, so a conversation is never left without a
// reply.
const FallbackReply = "I hear you. Can you tell me more about what you're experiencing?"

const systemPrompt = "You are a compassionate mental health support assistant. " +
	"You provide empathetic, non-judgmental support and encouragement. " +
	"You listen actively and help users explore their feelings."

var ErrEmptyCompletion = errors.New("model returned an empty completion")

// Generator produces an assistant reply from conversation history. History
// must be in chronological order; the newest user message is the last entry.
type Generator interface {
	Generate(ctx context.Context, history []models.Message) (string, error)
}

// OpenAIGenerator generates replies with a chat-completion model.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAIGenerator(apiKey string, model string, maxTokens int, temperature float64, logger *zap.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, history []models.Message) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})

	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    messages,
			MaxTokens:   g.maxTokens,
			Temperature: float32(g.temperature),
		},
	)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyCompletion
	}

	g.logger.Debug("Generated assistant reply",
		zap.Int("history_len", len(history)),
		zap.Int("reply_len", len(reply)))

	return reply, nil
}
