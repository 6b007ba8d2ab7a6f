package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valpere/promptforge/internal/extract"
	"github.com/valpere/promptforge/internal/provider"
)

const diagnosticLen = 400

// LLMArbiter asks a model to vote on the pair. Like the quality gate it
// never fails on a malformed reply: unreadable votes count as "similar".
type LLMArbiter struct {
	llm    provider.Provider
	logger *slog.Logger
}

func New(llm provider.Provider, logger *slog.Logger) *LLMArbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMArbiter{llm: llm, logger: logger}
}

func (a *LLMArbiter) Compare(ctx context.Context, original, final string) (*Score, error) {
	raw, err := a.llm.Complete(ctx, rubricPrompt, buildComparePrompt(original, final))
	if err != nil {
		return nil, fmt.Errorf("evaluation call failed: %w", err)
	}
	return parseScore(raw, a.logger), nil
}

func buildComparePrompt(original, final string) string {
	var sb strings.Builder
	sb.WriteString("ORIGINAL PROMPT:\n")
	sb.WriteString(original)
	sb.WriteString("\n\nFINAL PROMPT:\n")
	sb.WriteString(final)
	return sb.String()
}

func parseScore(raw string, logger *slog.Logger) *Score {
	data, ok := extract.JSON(raw)
	if !ok {
		logger.Warn("evaluation reply had no JSON, using defaults", "reply_len", len(raw))
		return &Score{Comment: "[parser failed, model said]: " + extract.Snippet(raw, diagnosticLen)}
	}

	vote := func(key string) float64 {
		return extract.Clamp(extract.Float(data, key, 0), -1, 1)
	}
	return &Score{
		Clarity:     vote("clarity"),
		Structure:   vote("structure"),
		Constraints: vote("constraints"),
		Usefulness:  vote("usefulness"),
		Comment:     extract.String(data, "comment", ""),
	}
}

const rubricPrompt = `You are an evaluator for prompt quality.

Compare ORIGINAL and FINAL prompts along 4 axes:
- clarity
- structure
- constraints
- overall usefulness for an LLM

For each axis, assign a vote:
- +1.0  = FINAL is much better
- +0.66 = FINAL is moderately better
- +0.33 = FINAL is slightly better
- 0.0   = similar
- -0.33 = ORIGINAL slightly better
- -0.66 = ORIGINAL moderately better
- -1.0  = ORIGINAL much better

Respond ONLY with a JSON object (no code fences, no extra text), for example:
{
  "clarity": 1.0,
  "structure": 0.66,
  "constraints": 0.33,
  "usefulness": 1.0,
  "comment": "short English explanation"
}`
