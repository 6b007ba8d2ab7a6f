// Package convergence runs the Diversify/Stabilize cycle: each iteration
// expands the candidate prompt and then condenses it again, stopping once the
// word count settles.
package convergence

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/valpere/promptforge/internal/extract"
	"github.com/valpere/promptforge/internal/provider"
)

const (
	DefaultMaxIterations = 3
	DefaultThreshold     = 0.05
)

type Config struct {
	MaxIterations int
	Threshold     float64
}

// Step is the audit record of one iteration.
type Step struct {
	Iteration   int     `json:"iteration" yaml:"iteration"`
	Diversified string  `json:"d_block_output" yaml:"d_block_output"`
	Stabilized  string  `json:"s_block_output" yaml:"s_block_output"`
	Length      int     `json:"length" yaml:"length"`
	ChangeRate  float64 `json:"change_rate" yaml:"change_rate"`
}

type Outcome struct {
	Final       string
	Steps       []Step
	Converged   bool
	ConvergedAt *int
}

// Observer is notified at every stage boundary of the loop. Returning an
// error stops the loop before the next model call.
type Observer interface {
	DiversifyStarted(iteration int) error
	DiversifyDone(iteration int, output string) error
	StabilizeStarted(iteration int) error
	StabilizeDone(step Step) error
	Converged(iteration int) error
}

type Loop struct {
	llm    provider.Provider
	cfg    Config
	logger *slog.Logger
}

func New(llm provider.Provider, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{llm: llm, cfg: cfg, logger: logger}
}

// Diversify expands the prompt with detail, constraints and examples.
func (l *Loop) Diversify(ctx context.Context, prompt string) (string, error) {
	out, err := l.llm.Complete(ctx, diversifyPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("diversification failed: %w", err)
	}
	return out, nil
}

// Stabilize removes redundancy while keeping every important detail.
func (l *Loop) Stabilize(ctx context.Context, prompt string) (string, error) {
	out, err := l.llm.Complete(ctx, stabilizePrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("stabilization failed: %w", err)
	}
	return out, nil
}

// ChangeRate is the relative word-count difference between two lengths.
func ChangeRate(prevLen, curLen int) float64 {
	return math.Abs(float64(curLen-prevLen)) / float64(max(prevLen, 1))
}

// Run iterates from seed. A nil observer is allowed. Exhausting the
// iterations without meeting the threshold is a normal outcome.
func (l *Loop) Run(ctx context.Context, seed string, obs Observer) (*Outcome, error) {
	if obs == nil {
		obs = nopObserver{}
	}

	out := &Outcome{Final: seed, Steps: make([]Step, 0, l.cfg.MaxIterations)}
	prevLen := extract.ApproximateLength(seed)

	for i := 1; i <= l.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := obs.DiversifyStarted(i); err != nil {
			return nil, err
		}
		diversified, err := l.Diversify(ctx, out.Final)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		if err := obs.DiversifyDone(i, diversified); err != nil {
			return nil, err
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := obs.StabilizeStarted(i); err != nil {
			return nil, err
		}
		stabilized, err := l.Stabilize(ctx, diversified)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}

		curLen := extract.ApproximateLength(stabilized)
		step := Step{
			Iteration:   i,
			Diversified: diversified,
			Stabilized:  stabilized,
			Length:      curLen,
			ChangeRate:  ChangeRate(prevLen, curLen),
		}
		out.Steps = append(out.Steps, step)
		out.Final = stabilized
		prevLen = curLen

		l.logger.Debug("ds iteration complete", "iteration", i, "length", curLen, "change_rate", step.ChangeRate)

		if err := obs.StabilizeDone(step); err != nil {
			return nil, err
		}

		if step.ChangeRate < l.cfg.Threshold {
			out.Converged = true
			at := i
			out.ConvergedAt = &at
			if err := obs.Converged(i); err != nil {
				return nil, err
			}
			break
		}
	}

	return out, nil
}

type nopObserver struct{}

func (nopObserver) DiversifyStarted(int) error      { return nil }
func (nopObserver) DiversifyDone(int, string) error { return nil }
func (nopObserver) StabilizeStarted(int) error      { return nil }
func (nopObserver) StabilizeDone(Step) error        { return nil }
func (nopObserver) Converged(int) error             { return nil }

const diversifyPrompt = `You are in the DIVERSIFICATION (D) phase of a D/S cycle.

Task:
- Take the given prompt and expand it with:
  - More detailed instructions
  - Additional constraints or edge cases
  - Clarifications on ambiguous points
  - Examples if helpful

- Do NOT change the core intent.
- Output ONLY the expanded prompt text.`

const stabilizePrompt = `You are in the STABILIZATION (S) phase of a D/S cycle.

Task:
- Take the (potentially verbose) prompt and:
  - Remove redundancy
  - Improve coherence
  - Ensure clarity
  - Keep all important details

Output:
- Return ONLY the stabilized prompt text.`
