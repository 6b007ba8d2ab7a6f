// Package gate scores a prompt and decides whether refinement should run.
//
// The gate is fail-open: when the model reply carries no recoverable JSON
// the assessment defaults to neutral scores with NeedsOptimization set, so
// the pipeline proceeds rather than silently skipping work.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valpere/promptforge/internal/extract"
	"github.com/valpere/promptforge/internal/provider"
)

const (
	neutralScore  = 0.5
	diagnosticLen = 400
)

const systemPrompt = `You are a prompt quality analyzer.

Task:
- Evaluate the user's prompt on three axes:
  1) clarity (0..1)
  2) structure (0..1)
  3) constraints (0..1)

- Decide if optimization is recommended.

Respond ONLY with a JSON object:
{
  "clarity": float,
  "structure": float,
  "constraints": float,
  "needs_optimization": bool,
  "comment": "short English string"
}
No code fences, no extra text.`

// Assessment is the gate verdict for one prompt.
type Assessment struct {
	Clarity           float64 `json:"clarity" yaml:"clarity"`
	Structure         float64 `json:"structure" yaml:"structure"`
	Constraints       float64 `json:"constraints" yaml:"constraints"`
	NeedsOptimization bool    `json:"needs_optimization" yaml:"needs_optimization"`
	Comment           string  `json:"comment" yaml:"comment"`
}

type Gate struct {
	llm    provider.Provider
	logger *slog.Logger
}

func New(llm provider.Provider, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{llm: llm, logger: logger}
}

// Assess makes exactly one model call. Provider failures are returned;
// unparseable replies are not.
func (g *Gate) Assess(ctx context.Context, prompt string) (*Assessment, error) {
	raw, err := g.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("smart queue call failed: %w", err)
	}
	return parseAssessment(raw, g.logger), nil
}

func parseAssessment(raw string, logger *slog.Logger) *Assessment {
	data, ok := extract.JSON(raw)
	if !ok {
		logger.Warn("smart queue reply had no JSON, using defaults", "reply_len", len(raw))
		return &Assessment{
			Clarity:           neutralScore,
			Structure:         neutralScore,
			Constraints:       neutralScore,
			NeedsOptimization: true,
			Comment:           "[parser failed, model said]: " + extract.Snippet(raw, diagnosticLen),
		}
	}

	return &Assessment{
		Clarity:           extract.Clamp(extract.Float(data, "clarity", neutralScore), 0, 1),
		Structure:         extract.Clamp(extract.Float(data, "structure", neutralScore), 0, 1),
		Constraints:       extract.Clamp(extract.Float(data, "constraints", neutralScore), 0, 1),
		NeedsOptimization: extract.Bool(data, "needs_optimization", true),
		Comment:           extract.String(data, "comment", ""),
	}
}
