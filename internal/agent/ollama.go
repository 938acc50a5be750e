package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codemem/codemem/internal/vector"
)

// OllamaConfig configures the local-HTTP chat provider.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	ContextSize int
	Temperature float64
	// ExtraOptions is merged into the request options object. It must be a
	// JSON object; anything else is rejected at construction.
	ExtraOptions string
	Timeout      time.Duration
}

// OllamaAgent talks to a local ollama daemon's chat API.
type OllamaAgent struct {
	runner
	cfg        OllamaConfig
	extra      map[string]any
	httpClient *http.Client
}

// NewOllamaAgent creates the local HTTP agent. Returns an error when
// ExtraOptions is set but is not a plain JSON object.
func NewOllamaAgent(deps Deps, cfg OllamaConfig) (*OllamaAgent, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = vector.DefaultOllamaBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		return nil, fmt.Errorf("agent: ollama model required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	var extra map[string]any
	if strings.TrimSpace(cfg.ExtraOptions) != "" {
		if err := json.Unmarshal([]byte(cfg.ExtraOptions), &extra); err != nil {
			return nil, fmt.Errorf("agent: extra options must be a JSON object: %w", err)
		}
	}

	return &OllamaAgent{
		runner:     runner{deps: deps, name: "ollama"},
		cfg:        cfg,
		extra:      extra,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Agent.
func (a *OllamaAgent) Name() string { return "ollama" }

// StartSession implements Agent.
func (a *OllamaAgent) StartSession(ctx context.Context, sess *Session) error {
	return a.run(ctx, sess, a)
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	PromptEvalCount int64             `json:"prompt_eval_count"`
	EvalCount       int64             `json:"eval_count"`
}

func (a *OllamaAgent) complete(ctx context.Context, sess *Session) (string, Usage, error) {
	options := map[string]any{
		"temperature": a.cfg.Temperature,
	}
	if a.cfg.ContextSize > 0 {
		options["num_ctx"] = a.cfg.ContextSize
	}
	for k, v := range a.extra {
		options[k] = v
	}

	messages := make([]ollamaChatMessage, 0, len(sess.History))
	for _, turn := range sess.History {
		messages = append(messages, ollamaChatMessage{Role: turn.Role, Content: turn.Text})
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    a.cfg.Model,
		Messages: messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return "", Usage{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return "", Usage{}, wrapProviderErr(ErrTimeout, err)
		}
		return "", Usage{}, wrapProviderErr(ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", Usage{}, classifyStatus(resp.StatusCode,
			fmt.Errorf("agent: ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", Usage{}, fmt.Errorf("agent: decode ollama response: %w", err)
	}
	if strings.TrimSpace(parsed.Message.Content) == "" {
		return "", Usage{}, wrapProviderErr(ErrProviderEmpty, fmt.Errorf("model %s returned no text", a.cfg.Model))
	}

	usage := Usage{InputTokens: parsed.PromptEvalCount, OutputTokens: parsed.EvalCount}
	return parsed.Message.Content, usage, nil
}
