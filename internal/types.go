package internal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	BackendGemini = "gemini"
	BackendGrok   = "grok"

	MinIterations = 1
	MaxIterations = 6

	MinThreshold = 0.01
	MaxThreshold = 0.20
)

// ErrInvalidRequest is wrapped by every InputError so callers can test with errors.Is.
var ErrInvalidRequest = errors.New("invalid request")

// ErrZeroLengthOriginal reports that the length change percentage is undefined.
var ErrZeroLengthOriginal = &InputError{Message: "original prompt has zero length"}

// InputError is a client-side failure: bad request fields, missing
// credentials, unknown backend.
type InputError struct {
	Message string
	Details string
	Err     error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InputError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidRequest, e.Err}
	}
	return []error{ErrInvalidRequest}
}

// NewInputError builds an InputError with a formatted message.
func NewInputError(format string, args ...any) *InputError {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a hint telling the client what an acceptable value
// looks like.
func (e *InputError) WithDetails(format string, args ...any) *InputError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Ptr returns a pointer to v, for the optional request fields.
func Ptr[T any](v T) *T {
	return &v
}

// OptimizeRequest is one prompt refinement job. A nil MaxIterations or
// ConvergenceThreshold means "use the configured default"; an explicit value,
// zero included, is validated as given.
type OptimizeRequest struct {
	ID                   string    `json:"id"`
	Prompt               string    `json:"prompt"`
	Backend              string    `json:"backend"`
	GeminiAPIKey         string    `json:"-"`
	XAIAPIKey            string    `json:"-"`
	MaxIterations        *int      `json:"max_iterations,omitempty"`
	ConvergenceThreshold *float64  `json:"convergence_threshold,omitempty"`
	ForceOptimization    bool      `json:"force_optimization"`
	Timestamp            time.Time `json:"timestamp"`
}

// Normalize fills the ID and timestamp, applies fallbacks for unset fields and
// NFC-normalizes the prompt so word counting is stable across encodings.
func (r OptimizeRequest) Normalize(backend string, maxIterations int, threshold float64) OptimizeRequest {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Prompt = norm.NFC.String(r.Prompt)
	r.Backend = strings.ToLower(strings.TrimSpace(r.Backend))
	if r.Backend == "" {
		r.Backend = backend
	}
	if r.MaxIterations == nil {
		r.MaxIterations = Ptr(maxIterations)
	}
	if r.ConvergenceThreshold == nil {
		r.ConvergenceThreshold = Ptr(threshold)
	}
	return r
}

// Validate checks the request against the external contract bounds.
func (r OptimizeRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return NewInputError("prompt is required").
			WithDetails("prompt must contain non-whitespace text")
	}
	switch r.Backend {
	case BackendGemini, BackendGrok:
	default:
		return NewInputError("unknown backend: %s", r.Backend).
			WithDetails("supported backends: %s, %s", BackendGemini, BackendGrok)
	}
	if r.MaxIterations == nil {
		return NewInputError("max_iterations is required").
			WithDetails("allowed range is [%d, %d]", MinIterations, MaxIterations)
	}
	if n := *r.MaxIterations; n < MinIterations || n > MaxIterations {
		return NewInputError("max_iterations must be between %d and %d, got %d", MinIterations, MaxIterations, n).
			WithDetails("allowed range is [%d, %d]", MinIterations, MaxIterations)
	}
	if r.ConvergenceThreshold == nil {
		return NewInputError("convergence_threshold is required").
			WithDetails("allowed range is [%.2f, %.2f]", MinThreshold, MaxThreshold)
	}
	if th := *r.ConvergenceThreshold; th < MinThreshold || th > MaxThreshold {
		return NewInputError("convergence_threshold must be between %.2f and %.2f, got %g", MinThreshold, MaxThreshold, th).
			WithDetails("allowed range is [%.2f, %.2f]", MinThreshold, MaxThreshold)
	}
	return nil
}
