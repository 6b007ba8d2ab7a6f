// Package refiner implements the Proposer → Critic → Verifier rewrite of a
// prompt. Each role is one model call; the output of a role is passed
// verbatim to the next one and any failure aborts the whole rewrite.
package refiner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valpere/promptforge/internal/postprocess"
	"github.com/valpere/promptforge/internal/provider"
)

// Record holds the three role outputs of one rewrite.
type Record struct {
	Proposed string `json:"proposed_prompt" yaml:"proposed_prompt"`
	Critique string `json:"critique" yaml:"critique"`
	Final    string `json:"final_prompt" yaml:"final_prompt"`
}

const (
	RoleProposer = "proposer"
	RoleCritic   = "critic"
	RoleVerifier = "verifier"
)

// Observer is told when each role starts and what it produced. Returning an
// error stops the rewrite before the next model call.
type Observer interface {
	StepStarted(role string) error
	StepDone(role, output string) error
}

// Triad runs the three rewrite roles against one provider.
type Triad struct {
	llm    provider.Provider
	logger *slog.Logger
}

// NewTriad creates a rewrite triad backed by llm.
func NewTriad(llm provider.Provider, logger *slog.Logger) *Triad {
	if logger == nil {
		logger = slog.Default()
	}
	return &Triad{llm: llm, logger: logger}
}

// Propose restructures the prompt without answering it.
func (t *Triad) Propose(ctx context.Context, prompt string) (string, error) {
	return t.call(ctx, RoleProposer, proposerPrompt, prompt)
}

// Critique returns a numbered list of improvements for the proposal.
func (t *Triad) Critique(ctx context.Context, proposed string) (string, error) {
	return t.call(ctx, RoleCritic, criticPrompt, proposed)
}

// Verify merges original, proposal and critique into the final prompt.
// The reply must be bare prompt text, so wrappers the model adds anyway are
// stripped; an empty result after stripping falls back to the raw reply.
func (t *Triad) Verify(ctx context.Context, original, proposed, critique string) (string, error) {
	raw, err := t.call(ctx, RoleVerifier, verifierPrompt, buildVerifierInput(original, proposed, critique))
	if err != nil {
		return "", err
	}
	if cleaned := postprocess.Clean(raw); cleaned != "" {
		return cleaned, nil
	}
	return raw, nil
}

// Run executes the three roles in order, reporting each boundary to obs.
// A nil obs is allowed.
func (t *Triad) Run(ctx context.Context, prompt string, obs Observer) (*Record, error) {
	if obs == nil {
		obs = nopObserver{}
	}

	rec := &Record{}
	steps := []struct {
		role string
		out  *string
		run  func() (string, error)
	}{
		{RoleProposer, &rec.Proposed, func() (string, error) { return t.Propose(ctx, prompt) }},
		{RoleCritic, &rec.Critique, func() (string, error) { return t.Critique(ctx, rec.Proposed) }},
		{RoleVerifier, &rec.Final, func() (string, error) { return t.Verify(ctx, prompt, rec.Proposed, rec.Critique) }},
	}

	for _, step := range steps {
		if err := obs.StepStarted(step.role); err != nil {
			return nil, err
		}
		out, err := step.run()
		if err != nil {
			return nil, err
		}
		*step.out = out
		if err := obs.StepDone(step.role, out); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (t *Triad) call(ctx context.Context, role, system, user string) (string, error) {
	start := time.Now()
	out, err := t.llm.Complete(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("%s step failed: %w", role, err)
	}
	t.logger.Debug("pcv step complete", "role", role, "duration", time.Since(start), "chars", len(out))
	return out, nil
}

type nopObserver struct{}

func (nopObserver) StepStarted(string) error      { return nil }
func (nopObserver) StepDone(string, string) error { return nil }

func buildVerifierInput(original, proposed, critique string) string {
	var sb strings.Builder
	sb.WriteString("ORIGINAL PROMPT:\n")
	sb.WriteString(original)
	sb.WriteString("\n\nPROPOSED PROMPT:\n")
	sb.WriteString(proposed)
	sb.WriteString("\n\nCRITIQUE:\n")
	sb.WriteString(critique)
	return sb.String()
}

const proposerPrompt = `You are the PROPOSER in a Proposer–Critic–Verifier loop.

Task:
- Rewrite the user prompt into a clearer, more structured LLM instruction.
- Preserve the original intent.
- Add explicit structure (steps, sections), constraints, and output format where helpful.
- Do NOT answer the task, only rewrite the prompt.`

const criticPrompt = `You are the CRITIC in a Proposer–Critic–Verifier loop.

Task:
- Analyse the proposed LLM prompt.
- Identify issues in:
  - clarity
  - completeness
  - specificity
  - constraints
  - structure

Output:
- A short, numbered list of concrete improvements that should be applied to the prompt.
- Write in English.`

const verifierPrompt = `You are the VERIFIER in a Proposer–Critic–Verifier loop.

Task:
- You receive:
  1) the original user prompt,
  2) a proposed improved prompt,
  3) a critique of the proposed prompt.

- Produce a final, polished prompt that:
  - Preserves the original user's intent.
  - Applies critique suggestions where they make sense.
  - Removes redundancy, improves clarity, adds missing constraints.

Output:
- Return ONLY the final improved prompt text.
- Do NOT include explanations or meta-commentary.`
