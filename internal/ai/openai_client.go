package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty for api.openai.com
	Model   string
	Timeout time.Duration
}

// OpenAIClient implements Client with schema-constrained chat completions.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client. It does not contact the API.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := cfg.Model
	if model == "" {
		model = "o3"
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), model: model}
}

// Chat sends the role's system prompt followed by history and decodes the
// structured reply.
func (c *OpenAIClient) Chat(ctx context.Context, chatCtx domain.ChatContext, history []HistoryMessage) (*TurnResult, error) {
	req, err := c.buildRequest(chatCtx, history)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	log.Debug().
		Str("model", c.model).
		Str("context", string(chatCtx)).
		Int("history", len(history)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("took", time.Since(start)).
		Msg("ai turn")
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	return DecodeTurn(resp.Choices[0].Message.Content)
}

func (c *OpenAIClient) buildRequest(chatCtx domain.ChatContext, history []HistoryMessage) (openai.ChatCompletionRequest, error) {
	prompt, err := SystemPrompt(chatCtx)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	schema, err := TurnSchema()
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("turn schema: %w", err)
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt})
	for _, h := range history {
		role := openai.ChatMessageRoleUser
		if h.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}
	return openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "chat_response",
				Schema: schema,
			},
		},
	}, nil
}

// DecodeTurn parses a structured reply. Models occasionally wrap JSON in a
// markdown fence; that is tolerated.
func DecodeTurn(content string) (*TurnResult, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyReply
	}
	var out TurnResult
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode turn: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return nil, ErrEmptyReply
	}
	return &out, nil
}
