package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOllamaAgentRejectsNonObjectOptions(t *testing.T) {
	_, err := NewOllamaAgent(Deps{}, OllamaConfig{Model: "qwen3", ExtraOptions: `["not","a","map"]`})
	assert.Error(t, err)

	_, err = NewOllamaAgent(Deps{}, OllamaConfig{Model: "qwen3", ExtraOptions: `{"top_k": 20}`})
	assert.NoError(t, err)

	_, err = NewOllamaAgent(Deps{}, OllamaConfig{ExtraOptions: ""})
	assert.Error(t, err, "model is required")
}

func TestOllamaComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, jsonDecode(r, &gotBody))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"<observation><title>t</title></observation>"},"prompt_eval_count":40,"eval_count":10}`))
	}))
	defer srv.Close()

	a, err := NewOllamaAgent(Deps{Mode: DefaultMode()}, OllamaConfig{
		BaseURL:      srv.URL,
		Model:        "qwen3",
		ContextSize:  4096,
		Temperature:  0.2,
		ExtraOptions: `{"top_k": 20}`,
	})
	require.NoError(t, err)

	sess := &Session{History: []Turn{{Role: "user", Text: "hello"}}}
	text, usage, err := a.complete(context.Background(), sess)
	require.NoError(t, err)
	assert.Contains(t, text, "<observation>")
	assert.Equal(t, int64(50), usage.Total())

	options := gotBody["options"].(map[string]any)
	assert.Equal(t, float64(4096), options["num_ctx"])
	assert.Equal(t, float64(20), options["top_k"])
	assert.Equal(t, false, gotBody["stream"])
}

func TestOllamaCompleteClassifiesErrors(t *testing.T) {
	status := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a, err := NewOllamaAgent(Deps{}, OllamaConfig{BaseURL: srv.URL, Model: "qwen3"})
	require.NoError(t, err)
	sess := &Session{History: []Turn{{Role: "user", Text: "x"}}}

	_, _, err = a.complete(context.Background(), sess)
	assert.ErrorIs(t, err, ErrUpstream)

	status = 429
	_, _, err = a.complete(context.Background(), sess)
	assert.ErrorIs(t, err, ErrRateLimited)

	status = 404
	_, _, err = a.complete(context.Background(), sess)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestOllamaCompleteEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"  "}}`))
	}))
	defer srv.Close()

	a, err := NewOllamaAgent(Deps{}, OllamaConfig{BaseURL: srv.URL, Model: "qwen3"})
	require.NoError(t, err)

	_, _, err = a.complete(context.Background(), &Session{History: []Turn{{Role: "user", Text: "x"}}})
	assert.ErrorIs(t, err, ErrProviderEmpty)
}

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
