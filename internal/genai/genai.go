// Package genai provides GenAI-enhanced operations using OpenAI API.

package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model option is given.
const DefaultModel = "gpt-4o-mini"

// DefaultMaxCompletionTokens bounds a single reply.
const DefaultMaxCompletionTokens = 600

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyContent is returned when the first choice carries no text.
	ErrEmptyContent = errors.New("empty completion content")
)

// Generator is the external generation call used by the composer and classifiers.
type Generator interface {
	// Generate returns the model's reply to userTurn under systemContext.
	Generate(ctx context.Context, systemContext, userTurn string, temperature float64) (string, error)
	// GenerateWithHistory is Generate with prior conversation turns inserted before userTurn.
	GenerateWithHistory(ctx context.Context, systemContext string, history []models.ConversationTurn, userTurn string, temperature float64) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	client openai.Client
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat                chatService
	model               string
	maxCompletionTokens int64
}

var _ Generator = (*Client)(nil)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxCompletionTokens
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model)
	return &Client{
		chat:                completionsAdapter{client: cli},
		model:               cfg.Model,
		maxCompletionTokens: int64(cfg.MaxTokens),
	}, nil
}

// Generate sends a system and a user message and returns the first choice.
func (c *Client) Generate(ctx context.Context, systemContext, userTurn string, temperature float64) (string, error) {
	return c.GenerateWithHistory(ctx, systemContext, nil, userTurn, temperature)
}

// GenerateWithHistory sends the system context, prior turns and the user turn.
func (c *Client) GenerateWithHistory(ctx context.Context, systemContext string, history []models.ConversationTurn, userTurn string, temperature float64) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemContext != "" {
		messages = append(messages, openai.SystemMessage(systemContext))
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userTurn))

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithHistory: completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyContent
	}
	slog.Debug("genai.GenerateWithHistory: completion received", "model", c.model, "historyTurns", len(history), "length", len(content))
	return content, nil
}
