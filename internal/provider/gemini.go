package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/googleapi/transport"
)

const (
	DefaultGeminiModel   = "gemini-2.5-flash"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// GeminiService calls the Generative Language generateContent REST endpoint.
type GeminiService struct {
	model    string
	endpoint string
	client   *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content *geminiContent `json:"content"`
	} `json:"candidates"`
}

func NewGeminiService(ctx context.Context, cfg ServiceConfig) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrAuthentication)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}

	client := newHTTPClient(cfg)
	client.Transport = &transport.APIKey{Key: cfg.APIKey, Transport: client.Transport}

	return &GeminiService{
		model:    model,
		endpoint: fmt.Sprintf("%s/models/%s:generateContent", baseURL, model),
		client:   client,
	}, nil
}

func (s *GeminiService) Name() string {
	return "gemini"
}

// Complete sends the system instruction and the user text as a single
// content part; the instruction comes first, separated by a label.
func (s *GeminiService) Complete(ctx context.Context, system, user string) (string, error) {
	full := strings.TrimSpace(system) + "\n\nUser prompt:\n" + strings.TrimSpace(user)

	data, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: full}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Provider: s.Name(), Err: err}
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return "", &UpstreamError{Provider: s.Name(), StatusCode: apiErr.Code, Err: err}
		}
		return "", &UpstreamError{Provider: s.Name(), StatusCode: resp.StatusCode, Err: err}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UpstreamError{Provider: s.Name(), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", newShapeError(s.Name(), string(body))
	}
	if len(parsed.Candidates) == 0 || parsed.Candidates[0].Content == nil || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", newShapeError(s.Name(), string(body))
	}

	var sb strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
