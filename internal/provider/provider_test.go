package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/promptforge/internal"
)

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), "claude", ServiceConfig{APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestNew_MissingKey(t *testing.T) {
	for _, backend := range []string{internal.BackendGemini, internal.BackendGrok} {
		t.Run(backend, func(t *testing.T) {
			p, err := New(context.Background(), backend, ServiceConfig{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.Nil(t, p)
		})
	}
}

func TestFunc(t *testing.T) {
	p := Func(func(ctx context.Context, system, user string) (string, error) {
		return system + "|" + user, nil
	})

	out, err := p.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "sys|usr", out)
	assert.Equal(t, "func", p.Name())
}

func TestNewHTTPClient_Timeouts(t *testing.T) {
	c := newHTTPClient(ServiceConfig{ConnectTimeout: 2 * time.Second, ReadTimeout: 5 * time.Second})
	assert.Equal(t, 7*time.Second, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, tr.ResponseHeaderTimeout)

	def := newHTTPClient(ServiceConfig{})
	assert.Equal(t, DefaultConnectTimeout+DefaultReadTimeout, def.Timeout)
}

func TestGeminiService_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "models/gemini-test:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 1)
		require.Len(t, body.Contents[0].Parts, 1)
		assert.Equal(t, "You are a judge.\n\nUser prompt:\nRate this.", body.Contents[0].Parts[0].Text)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"rated"}]}}]}`)
	}))
	defer server.Close()

	svc, err := NewGeminiService(context.Background(), ServiceConfig{APIKey: "test-key", Model: "gemini-test", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "gemini", svc.Name())

	out, err := svc.Complete(context.Background(), "  You are a judge.  ", "Rate this.\n")
	require.NoError(t, err)
	assert.Equal(t, "rated", out)
}

func TestGeminiService_Complete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}))
	defer server.Close()

	svc, err := NewGeminiService(context.Background(), ServiceConfig{APIKey: "bad", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusForbidden, upErr.StatusCode)
	assert.Equal(t, "gemini", upErr.Provider)
	assert.Contains(t, err.Error(), "API key not valid")
}

func TestGeminiService_Complete_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer server.Close()

	svc, err := NewGeminiService(context.Background(), ServiceConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	var shapeErr *ResponseShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Contains(t, shapeErr.Snippet, "SAFETY")
}

func TestGeminiService_Endpoint(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServiceConfig
		want string
	}{
		{
			name: "defaults",
			cfg:  ServiceConfig{APIKey: "k"},
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:generateContent",
		},
		{
			name: "custom base with trailing slash",
			cfg:  ServiceConfig{APIKey: "k", Model: "gemini-2.5-pro", BaseURL: "http://proxy.local/v1beta/"},
			want: "http://proxy.local/v1beta/models/gemini-2.5-pro:generateContent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewGeminiService(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, svc.endpoint)
		})
	}
}

func TestGeminiService_Complete_JoinsParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"first "},{"text":"second"}]}}]}`)
	}))
	defer server.Close()

	svc, err := NewGeminiService(context.Background(), ServiceConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	out, err := svc.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "first second", out)
}

func TestGeminiService_Complete_NotJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>gateway</html>")
	}))
	defer server.Close()

	svc, err := NewGeminiService(context.Background(), ServiceConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	var shapeErr *ResponseShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "<html>gateway</html>", shapeErr.Snippet)
}

func TestGeminiService_Complete_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	svc, err := NewGeminiService(context.Background(), ServiceConfig{APIKey: "k", BaseURL: url, ConnectTimeout: time.Second})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Zero(t, upErr.StatusCode)
}

func grokReply(content string) string {
	return `{"id":"cmpl-1","object":"chat.completion","created":1700000000,"model":"grok-test",` +
		`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` +
		mustJSON(content) + `}}]}`
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestGrokService_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer xai-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "grok-test", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "Be a critic.", body.Messages[0].Content)
		assert.Equal(t, "user", body.Messages[1].Role)
		assert.Equal(t, "Prompt text", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, grokReply("1. Add an output format."))
	}))
	defer server.Close()

	svc, err := NewGrokService(ServiceConfig{APIKey: "xai-key", Model: "grok-test", BaseURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "grok", svc.Name())

	out, err := svc.Complete(context.Background(), "Be a critic.\n", " Prompt text ")
	require.NoError(t, err)
	assert.Equal(t, "1. Add an output format.", out)
}

func TestGrokService_Complete_NoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom"}}`)
	}))
	defer server.Close()

	svc, err := NewGrokService(ServiceConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGrokService_Complete_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"cmpl-2","object":"chat.completion","created":1,"model":"grok-4","choices":[]}`)
	}))
	defer server.Close()

	svc, err := NewGrokService(ServiceConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	var shapeErr *ResponseShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Contains(t, shapeErr.Snippet, "cmpl-2")
}

func TestGrokService_Complete_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	svc, err := NewGrokService(ServiceConfig{APIKey: "k", BaseURL: url, ConnectTimeout: time.Second, ReadTimeout: time.Second})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), "s", "u")
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Zero(t, upErr.StatusCode)
}

func TestNewShapeError_Truncates(t *testing.T) {
	err := newShapeError("grok", strings.Repeat("x", maxSnippet+50))
	assert.Len(t, err.Snippet, maxSnippet+3)
	assert.Contains(t, err.Error(), "unexpected grok response")
}
