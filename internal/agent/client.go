package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	errx "github.com/watssabi-collector/server/internal/core/error"
	"github.com/watssabi-collector/server/internal/session"
	logx "github.com/watssabi-collector/server/pkg/logger"
)

// Config holds the LLM provider parameters sourced from the environment.
type Config struct {
	Model       string  `envconfig:"AGENT_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"AGENT_MAX_TOKENS" default:"1024"`
	Temperature float32 `envconfig:"AGENT_TEMPERATURE" default:"0.2"`
	CallTimeout string  `envconfig:"AGENT_CALL_TIMEOUT" default:"30s"`
}

// NewChatModel constructs the Gemini chat model used by the collector.
func NewChatModel(ctx context.Context, apiKey, baseURL string, cfg Config) (*gemini.ChatModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		clientCfg.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &cfg.Temperature,
		MaxTokens:   &cfg.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating chat model")
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return chatModel, nil
}

// Client drives one structured-output completion per dialogue turn. Provider
// errors are classified at this boundary; callers only ever see the
// transient/permanent kinds.
type Client struct {
	cm      einomodel.BaseChatModel
	prompt  PromptConfig
	timeout time.Duration
}

func NewClient(cm einomodel.BaseChatModel, prompt PromptConfig, timeout time.Duration) *Client {
	return &Client{cm: cm, prompt: prompt, timeout: timeout}
}

// Ask invokes the model with the session snapshot: fixed instruction, the
// retained turn window, collected fields. The latest user message is the
// tail of the session's turn history.
func (c *Client) Ask(ctx context.Context, s *session.Session) (*Result, error) {
	messages := make([]*schema.Message, 0, len(s.Turns)+1)
	messages = append(messages, schema.SystemMessage(renderSystem(c.prompt, s)))
	for _, t := range s.Turns {
		switch t.Role {
		case session.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(t.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(t.Content))
		}
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.cm.Generate(callCtx, messages)
	if err != nil {
		return nil, classify(err)
	}
	if out == nil || out.Content == "" {
		// Safety-filtered responses come back with no content.
		return nil, errx.Permanent(fmt.Errorf("model returned no content"))
	}

	result, err := ParseResult(out.Content)
	if err != nil {
		logx.Warn().Err(err).Str("conversation_id", s.ConversationID).Msg("discarding non-conforming model response")
		return nil, err
	}
	return result, nil
}

// classify maps raw provider failures onto the collector's taxonomy:
// rate limits, timeouts, and transport faults are retryable; everything the
// provider rejected outright is not.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errx.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errx.Transient(err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return errx.Transient(err)
		}
		return errx.Permanent(err)
	}
	// Unknown transport-level failure: retrying is the safer default.
	return errx.Transient(err)
}
