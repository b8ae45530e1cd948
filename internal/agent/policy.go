package agent

import (
	"context"

	"github.com/nugget/secretplan/internal/messages"
	"github.com/nugget/secretplan/internal/tools"
)

// Step is what a policy sees after the tools of one model response ran.
type Step struct {
	// Response is the model response whose tool calls were executed.
	Response *messages.ModelResponse

	// Results holds one ToolReturnPart or RetryPromptPart per call, in
	// call order.
	Results []messages.Part
}

// Decision is a policy's verdict on a step.
type Decision struct {
	Terminate bool
	Output    any

	// ToolName and ToolCallID identify the tool return the output came
	// from, when there is one.
	ToolName   string
	ToolCallID string
}

// StepPolicy decides after each tool step whether the run ends there
// instead of going back to the model.
type StepPolicy interface {
	AfterStep(ctx context.Context, step Step) Decision
}

// StepPolicyFunc adapts a function to StepPolicy.
type StepPolicyFunc func(ctx context.Context, step Step) Decision

// AfterStep implements StepPolicy.
func (f StepPolicyFunc) AfterStep(ctx context.Context, step Step) Decision {
	return f(ctx, step)
}

// TerminalTools ends the run as soon as one of the named tools returns.
// The run's output is that tool's return value.
func TerminalTools(names ...string) StepPolicy {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return StepPolicyFunc(func(_ context.Context, step Step) Decision {
		for _, p := range step.Results {
			ret, ok := p.(messages.ToolReturnPart)
			if ok && set[ret.ToolName] {
				return Decision{Terminate: true, Output: ret.Content, ToolName: ret.ToolName, ToolCallID: ret.ToolCallID}
			}
		}
		return Decision{}
	})
}

// EarlyExit ends the run after any step in which a tool called
// tools.RequestExit. The output is what the tool passed to RequestExit,
// or the step's last tool return value if it passed nil.
func EarlyExit() StepPolicy {
	return StepPolicyFunc(func(ctx context.Context, step Step) Decision {
		sig := tools.ExitSignalFromContext(ctx)
		if sig == nil {
			return Decision{}
		}
		output, ok := sig.Requested()
		if !ok {
			return Decision{}
		}

		d := Decision{Terminate: true, Output: output}
		for i := len(step.Results) - 1; i >= 0; i-- {
			ret, ok := step.Results[i].(messages.ToolReturnPart)
			if !ok {
				continue
			}
			d.ToolName, d.ToolCallID = ret.ToolName, ret.ToolCallID
			if d.Output == nil {
				d.Output = ret.Content
			}
			break
		}
		return d
	})
}
