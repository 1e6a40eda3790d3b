package macro

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/retry"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

// Frame is a run of resolved steps still to execute at a given depth.
type Frame struct {
	Macro string `json:"macro"`
	Steps []Step `json:"steps"`
	Depth int    `json:"depth"`
}

// Outcome reports how far a macro got.
type Outcome struct {
	Executed   []tools.Result
	LastResult string
	// Pending is set when a high-danger step paused the macro. The caller
	// resumes with Continue once the user decides.
	Pending *tools.Call
	// Remaining holds the steps after Pending, innermost macro first.
	Remaining []Frame
	Err       error
}

// Paused reports whether the macro is waiting for approval.
func (o Outcome) Paused() bool {
	return o.Pending != nil
}

// Runner executes macros.
type Runner struct {
	Library   *Library
	Registry  *tools.Registry
	Exec      tools.Executor
	Validator tools.Validator
	Retry     retry.Options
	// ShouldPause decides whether a step must wait for the user. The default
	// pauses every high-danger step.
	ShouldPause func(name string, danger tools.DangerLevel) bool
}

// Run expands and executes the named macro. depth is 1 for a macro called
// directly by the model; counter is shared across the whole tree.
func (r *Runner) Run(ctx context.Context, name string, args map[string]any, depth int, counter *Counter) Outcome {
	var out Outcome
	r.runMacro(ctx, name, args, depth, counter, &out)
	return out
}

// Continue resumes a paused macro. When approved, the pending call runs
// first; a rejected call stops the macro with the progress so far.
func (r *Runner) Continue(ctx context.Context, paused Outcome, approved bool, counter *Counter) Outcome {
	out := Outcome{LastResult: paused.LastResult}
	if paused.Pending == nil {
		return out
	}
	if !approved {
		paused.Pending.Status = tools.StatusRejected
		out.Err = fmt.Errorf("step %s was rejected by the user", paused.Pending.Name)
		return out
	}

	paused.Pending.Status = tools.StatusApproved
	if !r.execute(ctx, paused.Pending, counter, &out) {
		return out
	}
	for i, frame := range paused.Remaining {
		if r.runSteps(ctx, frame, counter, &out) {
			out.Remaining = append(out.Remaining, paused.Remaining[i+1:]...)
			return out
		}
		if out.Err != nil {
			return out
		}
	}
	return out
}

func (r *Runner) runMacro(ctx context.Context, name string, args map[string]any, depth int, counter *Counter, out *Outcome) bool {
	m, ok := r.Library.Get(name)
	if !ok {
		out.Err = agenterrors.ToolNotFound(name)
		return false
	}
	steps, err := Expand(m, args, depth)
	if err != nil {
		out.Err = err
		return false
	}
	log.Debug().Str("macro", name).Int("depth", depth).Int("steps", len(steps)).Msg("Expanded macro")
	return r.runSteps(ctx, Frame{Macro: name, Steps: steps, Depth: depth}, counter, out)
}

// runSteps executes a frame and reports whether it paused.
func (r *Runner) runSteps(ctx context.Context, frame Frame, counter *Counter, out *Outcome) bool {
	for i, step := range frame.Steps {
		rest := Frame{Macro: frame.Macro, Steps: frame.Steps[i+1:], Depth: frame.Depth}

		if _, nested := r.Library.Get(step.Tool); nested {
			paused := r.runMacro(ctx, step.Tool, step.Args, frame.Depth+1, counter, out)
			if paused {
				out.Remaining = append(out.Remaining, rest)
				return true
			}
			if out.Err != nil {
				return false
			}
			continue
		}

		call := tools.NewCall("", step.Tool, step.Args)
		if r.shouldPause(step.Tool) {
			out.Pending = call
			out.Remaining = append(out.Remaining, rest)
			log.Info().Str("macro", frame.Macro).Str("tool", step.Tool).Msg("Macro paused for approval")
			return true
		}
		if !r.execute(ctx, call, counter, out) {
			return false
		}
	}
	return false
}

// execute runs one concrete step and reports whether the macro may go on.
func (r *Runner) execute(ctx context.Context, call *tools.Call, counter *Counter, out *Outcome) bool {
	counter.Total++
	if counter.Total > counter.limit() {
		out.Err = agenterrors.MacroStepLimit(call.Name, counter.limit())
		return false
	}

	validation := tools.ValidateFailClosed(ctx, r.Validator, call.Name, call.Args)
	call.Validation = &validation
	if !validation.Valid {
		call.Status = tools.StatusRejected
		out.Err = agenterrors.ValidationFailed(call.Name, validation.Errors)
		return false
	}

	opts := r.Retry
	if r.Registry == nil || r.Registry.Danger(call.Name) == tools.DangerHigh {
		opts.MaxAttempts = 1
	}
	res := retry.Execute(ctx, r.Exec, call, opts)
	out.Executed = append(out.Executed, res)
	if res.Failed() {
		if res.Err != nil {
			out.Err = res.Err
		} else {
			out.Err = agenterrors.ExecutionFailed(call.Name, fmt.Errorf("%s", res.Output), false)
		}
		return false
	}
	out.LastResult = res.Output
	return true
}

func (r *Runner) shouldPause(name string) bool {
	danger := tools.DangerHigh
	if r.Registry != nil {
		danger = r.Registry.Danger(name)
	}
	if r.ShouldPause != nil {
		return r.ShouldPause(name, danger)
	}
	return danger == tools.DangerHigh
}
