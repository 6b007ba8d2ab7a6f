package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/promptforge/internal/provider"
)

func stub(reply string, err error, calls *int) provider.Provider {
	return provider.Func(func(ctx context.Context, system, user string) (string, error) {
		*calls++
		return reply, err
	})
}

func TestGate_Assess_ValidJSON(t *testing.T) {
	var calls int
	var gotSystem, gotUser string
	llm := provider.Func(func(ctx context.Context, system, user string) (string, error) {
		calls++
		gotSystem, gotUser = system, user
		return `{"clarity": 0.9, "structure": 0.8, "constraints": 0.7, "needs_optimization": false, "comment": "solid"}`, nil
	})

	a, err := New(llm, nil).Assess(context.Background(), "Write a sonnet about rain.")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Contains(t, gotSystem, "prompt quality analyzer")
	assert.Equal(t, "Write a sonnet about rain.", gotUser)
	assert.InDelta(t, 0.9, a.Clarity, 1e-9)
	assert.InDelta(t, 0.8, a.Structure, 1e-9)
	assert.InDelta(t, 0.7, a.Constraints, 1e-9)
	assert.False(t, a.NeedsOptimization)
	assert.Equal(t, "solid", a.Comment)
}

func TestGate_Assess_FencedJSON(t *testing.T) {
	var calls int
	reply := "Analysis:\n```json\n{\"clarity\": 0.2, \"structure\": 0.1, \"constraints\": 0.0, \"needs_optimization\": true, \"comment\": \"vague\"}\n```"

	a, err := New(stub(reply, nil, &calls), nil).Assess(context.Background(), "do stuff")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, a.Clarity, 1e-9)
	assert.True(t, a.NeedsOptimization)
	assert.Equal(t, "vague", a.Comment)
}

func TestGate_Assess_ParserFailureDefaults(t *testing.T) {
	var calls int
	reply := "The prompt looks mostly fine to me " + strings.Repeat("and more ", 100)

	a, err := New(stub(reply, nil, &calls), nil).Assess(context.Background(), "p")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.InDelta(t, 0.5, a.Clarity, 1e-9)
	assert.InDelta(t, 0.5, a.Structure, 1e-9)
	assert.InDelta(t, 0.5, a.Constraints, 1e-9)
	assert.True(t, a.NeedsOptimization)
	assert.True(t, strings.HasPrefix(a.Comment, "[parser failed, model said]: The prompt looks"))
	assert.Equal(t, len("[parser failed, model said]: ")+400, len(a.Comment))
}

func TestGate_Assess_MissingFieldsDefault(t *testing.T) {
	var calls int

	a, err := New(stub(`{"clarity": 0.3}`, nil, &calls), nil).Assess(context.Background(), "p")
	require.NoError(t, err)

	assert.InDelta(t, 0.3, a.Clarity, 1e-9)
	assert.InDelta(t, 0.5, a.Structure, 1e-9)
	assert.InDelta(t, 0.5, a.Constraints, 1e-9)
	assert.True(t, a.NeedsOptimization)
	assert.Equal(t, "", a.Comment)
}

func TestGate_Assess_ClampsScores(t *testing.T) {
	var calls int

	a, err := New(stub(`{"clarity": 7, "structure": -2, "constraints": "0.4", "needs_optimization": "false"}`, nil, &calls), nil).
		Assess(context.Background(), "p")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, a.Clarity, 1e-9)
	assert.InDelta(t, 0.0, a.Structure, 1e-9)
	assert.InDelta(t, 0.4, a.Constraints, 1e-9)
	assert.False(t, a.NeedsOptimization)
}

func TestGate_Assess_ProviderError(t *testing.T) {
	var calls int
	boom := errors.New("upstream down")

	_, err := New(stub("", boom, &calls), nil).Assess(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
