package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultGrokModel   = "grok-4"
	DefaultGrokBaseURL = "https://api.x.ai/v1"
)

// GrokService calls the xAI chat completions endpoint through the
// OpenAI-compatible SDK.
type GrokService struct {
	model  string
	client openai.Client
}

func NewGrokService(cfg ServiceConfig) (*GrokService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("grok: %w", ErrAuthentication)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGrokModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultGrokBaseURL
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(withTrailingSlash(baseURL)),
		option.WithHTTPClient(newHTTPClient(cfg)),
		option.WithMaxRetries(0),
	)

	return &GrokService{model: model, client: client}, nil
}

func (s *GrokService) Name() string {
	return "grok"
}

func (s *GrokService) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(strings.TrimSpace(system)),
			openai.UserMessage(strings.TrimSpace(user)),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &UpstreamError{Provider: s.Name(), StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", &UpstreamError{Provider: s.Name(), Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", newShapeError(s.Name(), resp.RawJSON())
	}

	return resp.Choices[0].Message.Content, nil
}
