package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valpere/promptforge/internal"
	"github.com/valpere/promptforge/internal/arbiter"
	"github.com/valpere/promptforge/internal/convergence"
	"github.com/valpere/promptforge/internal/extract"
	"github.com/valpere/promptforge/internal/gate"
	"github.com/valpere/promptforge/internal/provider"
	"github.com/valpere/promptforge/internal/refiner"
)

// State is a point in the pipeline state machine.
type State string

const (
	StateInit           State = "init"
	StateGated          State = "gated"
	StateShortCircuited State = "short_circuited"
	StateRewriteDone    State = "rewrite_done"
	StateConverging     State = "converging"
	StateEvaluated      State = "evaluated"
	StateTerminal       State = "terminal"
)

type OrchestratorConfig struct {
	DefaultBackend string
	MaxIterations  int
	Threshold      float64
}

// Result is the aggregated outcome of one request.
type Result struct {
	RequestID             string             `json:"request_id" yaml:"request_id"`
	OriginalPrompt        string             `json:"original_prompt" yaml:"original_prompt"`
	FinalPrompt           string             `json:"final_prompt" yaml:"final_prompt"`
	SmartQueue            *gate.Assessment   `json:"smart_queue" yaml:"smart_queue"`
	PCV                   *refiner.Record    `json:"pcv" yaml:"pcv"`
	DSIterations          []convergence.Step `json:"ds_iterations" yaml:"ds_iterations"`
	Evaluation            *arbiter.Score     `json:"evaluation" yaml:"evaluation"`
	OriginalLength        int                `json:"original_length" yaml:"original_length"`
	FinalLength           int                `json:"final_length" yaml:"final_length"`
	LengthChangePercent   float64            `json:"length_change_percent" yaml:"length_change_percent"`
	Converged             bool               `json:"converged" yaml:"converged"`
	ConvergenceIteration  *int               `json:"convergence_iteration" yaml:"convergence_iteration"`
	ProcessingTimeSeconds float64            `json:"processing_time_seconds" yaml:"processing_time_seconds"`
	Timestamp             time.Time          `json:"timestamp" yaml:"timestamp"`
	ShortCircuited        bool               `json:"short_circuited" yaml:"short_circuited"`
	State                 State              `json:"state" yaml:"state"`
}

// Summary is the metrics block carried by the final stream event.
type Summary struct {
	RequestID             string  `json:"request_id" yaml:"request_id"`
	FinalPrompt           string  `json:"final_prompt" yaml:"final_prompt"`
	OriginalLength        int     `json:"original_length" yaml:"original_length"`
	FinalLength           int     `json:"final_length" yaml:"final_length"`
	LengthChangePercent   float64 `json:"length_change_percent" yaml:"length_change_percent"`
	Converged             bool    `json:"converged" yaml:"converged"`
	ConvergenceIteration  *int    `json:"convergence_iteration" yaml:"convergence_iteration"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds" yaml:"processing_time_seconds"`
}

func (r *Result) Summary() Summary {
	return Summary{
		RequestID:             r.RequestID,
		FinalPrompt:           r.FinalPrompt,
		OriginalLength:        r.OriginalLength,
		FinalLength:           r.FinalLength,
		LengthChangePercent:   r.LengthChangePercent,
		Converged:             r.Converged,
		ConvergenceIteration:  r.ConvergenceIteration,
		ProcessingTimeSeconds: r.ProcessingTimeSeconds,
	}
}

// arbiterFunc builds the judge for one request from its provider.
type arbiterFunc func(llm provider.Provider, logger *slog.Logger) arbiter.Arbiter

type Orchestrator struct {
	factory    provider.Factory
	newArbiter arbiterFunc
	config     OrchestratorConfig
	logger     *slog.Logger
}

func New(factory provider.Factory, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if config.DefaultBackend == "" {
		config.DefaultBackend = internal.BackendGemini
	}
	if config.MaxIterations == 0 {
		config.MaxIterations = convergence.DefaultMaxIterations
	}
	if config.Threshold == 0 {
		config.Threshold = convergence.DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		factory:    factory,
		newArbiter: llmArbiter,
		config:     config,
		logger:     logger,
	}
}

func llmArbiter(llm provider.Provider, logger *slog.Logger) arbiter.Arbiter {
	return arbiter.New(llm, logger)
}

// Run executes the whole pipeline and returns the aggregated result.
func (o *Orchestrator) Run(ctx context.Context, req internal.OptimizeRequest) (*Result, error) {
	return o.run(ctx, req, func(Event) error { return ctx.Err() })
}

// Stream executes the pipeline and reports every stage boundary on the
// returned channel. The channel is closed after the terminal complete or
// error event. Cancelling ctx stops the pipeline at the next boundary.
func (o *Orchestrator) Stream(ctx context.Context, req internal.OptimizeRequest) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		send := func(ev Event) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if _, err := o.run(ctx, req, send); err != nil {
			_ = send(Event{Stage: StageError, Error: err.Error()})
		}
	}()

	return events
}

// LengthChangePercent is the signed relative length change of final versus
// original, in percent.
func LengthChangePercent(original, final int) (float64, error) {
	if original == 0 {
		return 0, internal.ErrZeroLengthOriginal
	}
	return float64(final-original) / float64(original) * 100, nil
}

func (o *Orchestrator) run(ctx context.Context, req internal.OptimizeRequest, emit emitFunc) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	start := time.Now()
	req = req.Normalize(o.config.DefaultBackend, o.config.MaxIterations, o.config.Threshold)
	logger := o.logger.With("request_id", req.ID, "backend", req.Backend)

	state := StateInit
	transition := func(next State) {
		logger.Debug("pipeline state", "from", state, "to", next)
		state = next
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := emit(Event{Stage: StageInit, Message: "Initializing LLM provider..."}); err != nil {
		return nil, err
	}

	// In-flight model calls run to completion; cancellation is observed at
	// stage boundaries through emit.
	callCtx := context.WithoutCancel(ctx)

	llm, err := o.factory(callCtx, req)
	if err != nil {
		return nil, &internal.InputError{Message: "failed to initialize provider", Err: err}
	}

	res = &Result{
		RequestID:      req.ID,
		OriginalPrompt: req.Prompt,
		Timestamp:      req.Timestamp,
		DSIterations:   []convergence.Step{},
	}

	if err := emit(running(StageSmartQueue, "Analyzing prompt quality...")); err != nil {
		return nil, err
	}
	assessment, err := gate.New(llm, logger).Assess(callCtx, req.Prompt)
	if err != nil {
		return nil, err
	}
	res.SmartQueue = assessment
	transition(StateGated)
	if err := emit(complete(StageSmartQueue, assessment)); err != nil {
		return nil, err
	}

	if !assessment.NeedsOptimization && !req.ForceOptimization {
		transition(StateShortCircuited)
		res.FinalPrompt = req.Prompt
		res.ShortCircuited = true
		res.Converged = true
		zero := 0
		res.ConvergenceIteration = &zero
		res.OriginalLength = extract.ApproximateLength(req.Prompt)
		res.FinalLength = res.OriginalLength
		return o.finish(res, start, state, logger, emit, "No optimization needed")
	}

	record, err := refiner.NewTriad(llm, logger).Run(callCtx, req.Prompt, pcvEvents{emit: emit})
	if err != nil {
		return nil, err
	}
	res.PCV = record
	transition(StateRewriteDone)

	transition(StateConverging)
	loop := convergence.New(llm, convergence.Config{
		MaxIterations: *req.MaxIterations,
		Threshold:     *req.ConvergenceThreshold,
	}, logger)
	outcome, err := loop.Run(callCtx, record.Final, loopEvents{emit: emit})
	if err != nil {
		return nil, err
	}
	res.FinalPrompt = outcome.Final
	res.DSIterations = outcome.Steps
	res.Converged = outcome.Converged
	res.ConvergenceIteration = outcome.ConvergedAt

	if err := emit(running(StageEvaluation, "Comparing original vs optimized...")); err != nil {
		return nil, err
	}
	score, err := o.newArbiter(llm, logger).Compare(callCtx, req.Prompt, outcome.Final)
	if err != nil {
		return nil, err
	}
	res.Evaluation = score
	transition(StateEvaluated)
	if err := emit(complete(StageEvaluation, score)); err != nil {
		return nil, err
	}

	res.OriginalLength = extract.ApproximateLength(req.Prompt)
	res.FinalLength = extract.ApproximateLength(outcome.Final)
	pct, err := LengthChangePercent(res.OriginalLength, res.FinalLength)
	if err != nil {
		return nil, err
	}
	res.LengthChangePercent = pct

	return o.finish(res, start, state, logger, emit, "")
}

func (o *Orchestrator) finish(res *Result, start time.Time, state State, logger *slog.Logger, emit emitFunc, message string) (*Result, error) {
	res.State = state
	res.ProcessingTimeSeconds = time.Since(start).Seconds()
	logger.Debug("pipeline state", "from", state, "to", StateTerminal)

	logger.Info("optimization complete",
		"state", state,
		"original_length", res.OriginalLength,
		"final_length", res.FinalLength,
		"converged", res.Converged,
		"duration", time.Since(start),
	)

	if err := emit(Event{Stage: StageComplete, Message: message, Data: res.Summary()}); err != nil {
		return nil, err
	}
	return res, nil
}

// IsInputError reports whether err was caused by the request itself.
func IsInputError(err error) bool {
	var ie *internal.InputError
	return errors.As(err, &ie)
}
