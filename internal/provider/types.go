package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/valpere/promptforge/internal"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 120 * time.Second

	maxSnippet = 2000
)

// ErrAuthentication is returned when no API key is configured for a backend.
var ErrAuthentication = errors.New("API key is required")

// UpstreamError reports a failed call to the remote model: transport error,
// timeout or non-success status.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API returned status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ResponseShapeError reports a reply that could not be navigated to text.
type ResponseShapeError struct {
	Provider string
	Snippet  string
}

func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("unexpected %s response: %s", e.Provider, e.Snippet)
}

func newShapeError(provider, raw string) *ResponseShapeError {
	if len(raw) > maxSnippet {
		raw = raw[:maxSnippet] + "..."
	}
	return &ResponseShapeError{Provider: provider, Snippet: raw}
}

type ServiceConfig struct {
	APIKey         string        `mapstructure:"api_key" json:"api_key"`
	Model          string        `mapstructure:"model" json:"model"`
	BaseURL        string        `mapstructure:"base_url" json:"base_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
}

// Provider is the text-generation capability every pipeline stage calls.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, system, user string) (string, error)

func (f Func) Name() string { return "func" }

func (f Func) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Factory builds the provider for one request.
type Factory func(ctx context.Context, req internal.OptimizeRequest) (Provider, error)

// New constructs the provider registered under backend.
func New(ctx context.Context, backend string, cfg ServiceConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch backend {
	case internal.BackendGemini:
		p, err = NewGeminiService(ctx, cfg)
	case internal.BackendGrok:
		p, err = NewGrokService(cfg)
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newHTTPClient(cfg ServiceConfig) *http.Client {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	read := cfg.ReadTimeout
	if read <= 0 {
		read = DefaultReadTimeout
	}
	return &http.Client{
		Timeout: connect + read,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: read,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func withTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
