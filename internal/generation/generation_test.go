package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"topic\": \"probability\"}\n```", `{"topic": "probability"}`, false},
		{"single-line fence", "```json {\"is_correct\": true} ```", `{"is_correct": true}`, false},
		{"fence sharing lines", "```json{\"a\": 1,\n\"b\": 2}```", "{\"a\": 1,\n\"b\": 2}", false},
		{"untagged fence", "```\n{\"a\": [1, 2]}\n```", `{"a": [1, 2]}`, false},
		{"prose around", "Sure! Here it is: {\"x\": {\"y\": 2}} hope that helps", `{"x": {"y": 2}}`, false},
		{"brace in string", `{"s": "a } b"}`, `{"s": "a } b"}`, false},
		{"escaped quote", `{"s": "say \"{\""}`, `{"s": "say \"{\""}`, false},
		{"skips invalid", `{not json} then {"ok": true}`, `{"ok": true}`, false},
		{"first of two", `{"a":1} {"b":2}`, `{"a":1}`, false},
		{"none", "no json here", "", true},
		{"unbalanced", `{"a": 1`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScripted(t *testing.T) {
	ctx := context.Background()
	s := NewScripted().
		When("ROUTE", Reply{Text: "calculus"}).
		EnqueueText("first", "second")

	out, err := s.Generate(ctx, "please ROUTE this", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, "calculus", out)

	out, err = s.Generate(ctx, "a", 10, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	out, err = s.Generate(ctx, "b", 10, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	_, err = s.Generate(ctx, "c", 10, 0.2)
	assert.ErrorIs(t, err, ErrNoScriptedReply)

	calls := s.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, 20, calls[0].MaxTokens)
	assert.Equal(t, 0.2, calls[1].Temperature)
}

func TestScripted_DelayHonorsContext(t *testing.T) {
	s := NewScripted().Enqueue(Reply{Text: "late", Delay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Generate(ctx, "x", 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Success(t *testing.T) {
	s := NewScripted().EnqueueText("42")
	c := NewClient(s, ClientConfig{Timeout: time.Second}, nil)
	out, err := c.Generate(context.Background(), "q", 100, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, "scripted", c.Provider())
}

func TestClient_Timeout(t *testing.T) {
	s := NewScripted().Enqueue(Reply{Text: "late", Delay: time.Hour})
	c := NewClient(s, ClientConfig{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := c.Generate(context.Background(), "q", 100, 0.2)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, IsTimeout(err))

	var genErr *Error
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, "scripted", genErr.Provider)
	assert.Equal(t, "generate", genErr.Op)
}

// stubbornBackend ignores its context.
type stubbornBackend struct{ release chan struct{} }

func (b *stubbornBackend) Name() string { return "stubborn" }

func (b *stubbornBackend) Generate(context.Context, string, int, float64) (string, error) {
	<-b.release
	return "too late", nil
}

func TestClient_TimeoutWhenBackendIgnoresContext(t *testing.T) {
	b := &stubbornBackend{release: make(chan struct{})}
	defer close(b.release)

	c := NewClient(b, ClientConfig{Timeout: 20 * time.Millisecond}, nil)
	_, err := c.Generate(context.Background(), "q", 1, 0)
	assert.True(t, IsTimeout(err))
}

func TestClient_RetriesRetryableErrors(t *testing.T) {
	s := NewScripted().Enqueue(
		Reply{Err: Retryable(errors.New("503 unavailable"))},
		Reply{Err: Retryable(errors.New("connection reset"))},
		Reply{Text: "ok"},
	)
	logger := logging.NewTestLogger()
	c := NewClient(s, ClientConfig{Timeout: time.Second, MaxRetries: 3, BaseBackoff: time.Millisecond}, logger.Logger)

	out, err := c.Generate(context.Background(), "q", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, s.CallCount())
	logger.AssertLogged(t, zapcore.WarnLevel, "retrying")
}

func TestClient_DoesNotRetryPermanentErrors(t *testing.T) {
	s := NewScripted().Enqueue(Reply{Err: errors.New("bad request")}, Reply{Text: "never"})
	c := NewClient(s, ClientConfig{Timeout: time.Second, MaxRetries: 3, BaseBackoff: time.Millisecond}, nil)

	_, err := c.Generate(context.Background(), "q", 1, 0)
	require.Error(t, err)
	assert.Equal(t, 1, s.CallCount())
	assert.Contains(t, err.Error(), "bad request")
	assert.False(t, IsTimeout(err))
}

func TestClient_MaxRetriesExceeded(t *testing.T) {
	s := NewScripted().When("", Reply{Err: Retryable(errors.New("429"))})
	c := NewClient(s, ClientConfig{Timeout: time.Second, MaxRetries: 2, BaseBackoff: time.Millisecond}, nil)

	_, err := c.Generate(context.Background(), "q", 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, s.CallCount())
}

func TestClient_EmptyResponse(t *testing.T) {
	s := NewScripted().EnqueueText("")
	c := NewClient(s, ClientConfig{Timeout: time.Second}, nil)
	_, err := c.Generate(context.Background(), "q", 1, 0)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestClient_RateLimited(t *testing.T) {
	s := NewScripted().When("", Reply{Text: "ok"})
	c := NewClient(s, ClientConfig{Timeout: 50 * time.Millisecond, RateLimit: 0.001, Burst: 1}, nil)

	_, err := c.Generate(context.Background(), "q", 1, 0)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "q", 1, 0)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func chatCompletionBody(content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",`+
		`"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody("0.375")))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	out, err := b.Generate(context.Background(), "q", 100, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "0.375", out)
}

func TestOpenAIBackend_RetryableStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody("done")))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = b.Generate(context.Background(), "q", 1, 0)
	require.Error(t, err)
	assert.True(t, isRetryableError(err))

	c := NewClient(b, ClientConfig{Timeout: 5 * time.Second, MaxRetries: 2, BaseBackoff: time.Millisecond}, nil)
	out, err := c.Generate(context.Background(), "q", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestOpenAIBackend_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	_, err = b.Generate(context.Background(), "q", 1, 0)
	require.Error(t, err)
	assert.False(t, isRetryableError(err))
}

func TestNewOpenAIBackend_RequiresKeyOrURL(t *testing.T) {
	_, err := NewOpenAIBackend(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(config.GenerationConfig{Provider: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, "scripted", b.Name())

	b, err = NewBackend(config.GenerationConfig{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())

	_, err = NewBackend(config.GenerationConfig{Provider: "palm"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpen(t *testing.T) {
	cfg := config.Default().Generation
	cfg.Provider = "scripted"
	cfg.APIKey = "sk-secret"
	logger := logging.NewTestLogger()

	c, err := Open(cfg, logger.Logger)
	require.NoError(t, err)
	assert.Equal(t, "scripted", c.Provider())
	logger.AssertLogged(t, zapcore.InfoLevel, "generation client configured")
	for _, e := range logger.All() {
		for _, f := range e.Context {
			assert.NotEqual(t, "sk-secret", f.String)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Provider: "openai", Op: "generate", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "openai")
}
