// Package provider adapts eino chat models to the relay's token streams.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"slackrelay/internal/config"
	"slackrelay/internal/models"
	"slackrelay/internal/stream"
)

const claudeMaxTokens = 3000

// markers providers use when a request exceeds the model's context window
var contextLengthMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"exceeds the maximum number of tokens",
}

// NewChatModel builds the eino chat model for the named provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, apiKey, modelName string) (model.BaseChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("provider %s: model is not configured", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: apiKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// Client streams completions for a conversation history.
type Client struct {
	model   model.BaseChatModel
	timeout time.Duration
}

// NewClient wraps chatModel; a zero timeout leaves calls unbounded.
func NewClient(chatModel model.BaseChatModel, timeout time.Duration) *Client {
	return &Client{model: chatModel, timeout: timeout}
}

// Stream starts a completion over turns. The timeout covers the whole
// stream, not only its creation.
func (c *Client) Stream(ctx context.Context, turns []models.Turn) (stream.TokenStream, error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	reader, err := c.model.Stream(ctx, convertTurns(turns))
	if err != nil {
		cancel()
		return nil, classify(fmt.Errorf("generate stream: %w", err))
	}
	return &tokenReader{reader: reader, cancel: cancel}, nil
}

func convertTurns(turns []models.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		var role schema.RoleType
		switch turn.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: turn.Content,
		})
	}
	return messages
}

type tokenReader struct {
	reader *schema.StreamReader[*schema.Message]
	cancel context.CancelFunc
}

func (r *tokenReader) Recv() (string, error) {
	for {
		chunk, err := r.reader.Recv()
		if err != nil {
			return "", classify(err)
		}
		// skip nil and empty chunks
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (r *tokenReader) Close() {
	r.reader.Close()
	r.cancel()
}

// classify tags provider rejections of oversized histories with
// stream.ErrContextTooLong and leaves everything else untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, stream.ErrContextTooLong) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range contextLengthMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", stream.ErrContextTooLong, err)
		}
	}
	return err
}
