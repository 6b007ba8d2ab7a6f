package orchestrator

import (
	"fmt"

	"github.com/valpere/promptforge/internal/convergence"
	"github.com/valpere/promptforge/internal/refiner"
)

const (
	StageInit       = "init"
	StageSmartQueue = "smart_queue"
	StageProposer   = "pcv_proposer"
	StageCritic     = "pcv_critic"
	StageVerifier   = "pcv_verifier"
	StageConverged  = "ds_converged"
	StageEvaluation = "evaluation"
	StageComplete   = "complete"
	StageError      = "error"

	StatusRunning  = "running"
	StatusComplete = "complete"
)

// Event is one progress notification of a streamed run.
type Event struct {
	Stage   string `json:"stage"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// emitFunc delivers an event; a non-nil error stops the pipeline.
type emitFunc func(Event) error

// DSStage names the event stage of one convergence block, "d" or "s".
func DSStage(iteration int, block string) string {
	return fmt.Sprintf("ds_iteration_%d_%s", iteration, block)
}

func running(stage, message string) Event {
	return Event{Stage: stage, Status: StatusRunning, Message: message}
}

func complete(stage string, data any) Event {
	return Event{Stage: stage, Status: StatusComplete, Data: data}
}

type pcvStage struct {
	stage   string
	message string
	key     string
}

var pcvStages = map[string]pcvStage{
	refiner.RoleProposer: {StageProposer, "Proposer rewriting prompt...", "proposed_prompt"},
	refiner.RoleCritic:   {StageCritic, "Critic analyzing proposal...", "critique"},
	refiner.RoleVerifier: {StageVerifier, "Verifier creating final version...", "final_prompt"},
}

// pcvEvents turns rewrite callbacks into stream events.
type pcvEvents struct {
	emit emitFunc
}

func (p pcvEvents) StepStarted(role string) error {
	st, ok := pcvStages[role]
	if !ok {
		return fmt.Errorf("unknown rewrite role: %s", role)
	}
	return p.emit(running(st.stage, st.message))
}

func (p pcvEvents) StepDone(role, output string) error {
	st, ok := pcvStages[role]
	if !ok {
		return fmt.Errorf("unknown rewrite role: %s", role)
	}
	return p.emit(complete(st.stage, map[string]any{st.key: output}))
}

// loopEvents turns convergence callbacks into stream events.
type loopEvents struct {
	emit emitFunc
}

func (l loopEvents) DiversifyStarted(i int) error {
	return l.emit(running(DSStage(i, "d"), fmt.Sprintf("D/S Iteration %d: Diversification...", i)))
}

func (l loopEvents) DiversifyDone(i int, output string) error {
	return l.emit(complete(DSStage(i, "d"), map[string]any{"output": output}))
}

func (l loopEvents) StabilizeStarted(i int) error {
	return l.emit(running(DSStage(i, "s"), fmt.Sprintf("D/S Iteration %d: Stabilization...", i)))
}

func (l loopEvents) StabilizeDone(step convergence.Step) error {
	return l.emit(complete(DSStage(step.Iteration, "s"), map[string]any{
		"output":      step.Stabilized,
		"length":      step.Length,
		"change_rate": step.ChangeRate,
		"iteration":   step.Iteration,
	}))
}

func (l loopEvents) Converged(i int) error {
	return l.emit(Event{Stage: StageConverged, Message: fmt.Sprintf("Converged at iteration %d", i)})
}
