package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the hosted chat provider.
type AnthropicConfig struct {
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int64
	RPMTable      map[string]int
}

// AnthropicAgent is the hosted-chat provider over the Anthropic REST API.
type AnthropicAgent struct {
	runner
	client  anthropic.Client
	cfg     AnthropicConfig
	limiter *modelLimiter
}

// NewAnthropicAgent creates the hosted chat agent.
func NewAnthropicAgent(deps Deps, cfg AnthropicConfig) *AnthropicAgent {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicAgent{
		runner:  runner{deps: deps, name: "anthropic"},
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:     cfg,
		limiter: newModelLimiter(cfg.RPMTable),
	}
}

// Name implements Agent.
func (a *AnthropicAgent) Name() string { return "anthropic" }

// StartSession implements Agent.
func (a *AnthropicAgent) StartSession(ctx context.Context, sess *Session) error {
	return a.run(ctx, sess, a)
}

func (a *AnthropicAgent) complete(ctx context.Context, sess *Session) (string, Usage, error) {
	text, usage, err := a.completeWithModel(ctx, sess, a.cfg.Model)
	if err != nil && isBadModelErr(err) && a.cfg.FallbackModel != "" && a.cfg.FallbackModel != a.cfg.Model {
		// Unknown or retired model: retry once with the named fallback.
		return a.completeWithModel(ctx, sess, a.cfg.FallbackModel)
	}
	return text, usage, err
}

func (a *AnthropicAgent) completeWithModel(ctx context.Context, sess *Session, model string) (string, Usage, error) {
	if err := a.limiter.wait(ctx, model); err != nil {
		return "", Usage{}, err
	}

	messages := make([]anthropic.MessageParam, 0, len(sess.History))
	for _, turn := range sess.History {
		block := anthropic.NewTextBlock(turn.Text)
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.cfg.MaxTokens,
		Messages:  messages,
	})
	if err != nil {
		return "", Usage{}, classifyAnthropicErr(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return "", Usage{}, wrapProviderErr(ErrProviderEmpty, fmt.Errorf("model %s returned no text", model))
	}

	usage := Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	return text, usage, nil
}

func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return err
}

// isBadModelErr detects model-not-found and bad-model request errors.
func isBadModelErr(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 404 {
		return true
	}
	return apiErr.StatusCode == 400 && strings.Contains(strings.ToLower(err.Error()), "model")
}
