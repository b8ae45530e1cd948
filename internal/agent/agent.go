// Package agent drives a model through tool-calling turns until it
// produces a final answer or a step policy ends the run early.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/llm"
	"github.com/nugget/secretplan/internal/messages"
	"github.com/nugget/secretplan/internal/tools"
)

const (
	defaultMaxRetries   = 1
	defaultRequestLimit = 50
)

// Config holds the agent's fixed settings.
type Config struct {
	// Model is the model name passed to the client.
	Model string

	// Instructions are sent as the system message of every request.
	Instructions string

	// Policies run after every tool step, in order. The first one that
	// terminates wins.
	Policies []StepPolicy

	// MaxRetries is how many times each tool may reject a call before the
	// run fails. It also bounds retries after empty model responses.
	MaxRetries int

	// RequestLimit caps model requests per run. Zero means the default;
	// negative disables the limit.
	RequestLimit int
}

// Agent runs conversations against one model with one tool registry.
type Agent struct {
	logger *slog.Logger
	client llm.Client
	tools  *tools.Registry
	cfg    Config
	bus    *events.Bus
}

// New creates an agent.
func New(logger *slog.Logger, client llm.Client, registry *tools.Registry, cfg Config) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RequestLimit == 0 {
		cfg.RequestLimit = defaultRequestLimit
	}
	return &Agent{logger: logger, client: client, tools: registry, cfg: cfg}
}

// SetEventBus sets the bus run lifecycle events are published to.
func (a *Agent) SetEventBus(bus *events.Bus) {
	a.bus = bus
}

// Model returns the default model name.
func (a *Agent) Model() string { return a.cfg.Model }

// Registry returns the agent's tools.
func (a *Agent) Registry() *tools.Registry { return a.tools }

// RunOptions vary a single run.
type RunOptions struct {
	// History is the conversation so far. When the prompt is empty and
	// History ends in a request, that request is sent as is.
	History []messages.Message

	// Deps is made available to tools through tools.DepsFromContext.
	Deps any

	// Handler receives streamed text and tool events.
	Handler EventHandler

	ConversationID string

	// Policies are added after the agent's own.
	Policies []StepPolicy

	// Model overrides the agent's model.
	Model string
}

// Result is the outcome of a completed run.
type Result struct {
	Output any

	// ToolName and ToolCallID are set when a policy ended the run on a
	// tool's return.
	ToolName   string
	ToolCallID string

	Usage    messages.Usage
	Requests int

	messages []messages.Message
	newStart int
}

// AllMessages returns the full history including this run.
func (r *Result) AllMessages() []messages.Message {
	return append([]messages.Message(nil), r.messages...)
}

// NewMessages returns only the messages this run produced.
func (r *Result) NewMessages() []messages.Message {
	return append([]messages.Message(nil), r.messages[r.newStart:]...)
}

// OutputText renders Output as text, JSON-encoding non-strings.
func (r *Result) OutputText() string {
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Node is one step of a run.
type Node interface {
	String() string
}

// UserPromptNode builds the first request from the prompt.
type UserPromptNode struct {
	Prompt string
}

// ModelRequestNode sends a request to the model.
type ModelRequestNode struct {
	Request *messages.ModelRequest
}

// CallToolsNode executes the tool calls of a model response.
type CallToolsNode struct {
	Response *messages.ModelResponse
}

// EndNode carries the run's result.
type EndNode struct {
	Result *Result
}

func (UserPromptNode) String() string   { return "UserPromptNode" }
func (ModelRequestNode) String() string { return "ModelRequestNode" }
func (CallToolsNode) String() string    { return "CallToolsNode" }
func (EndNode) String() string          { return "EndNode" }

// Run is an in-progress agent run. It is not safe for concurrent use.
type Run struct {
	agent    *Agent
	id       string
	convID   string
	model    string
	deps     any
	handler  EventHandler
	policies []StepPolicy
	exit     *tools.ExitSignal

	node     Node
	messages []messages.Message
	newStart int
	usage    messages.Usage
	requests int
	steps    int
	retries  map[string]int
	empty    int
	started  time.Time

	result *Result
	err    error
}

// Iter prepares a run without starting it. Drive it with Next.
func (a *Agent) Iter(prompt string, opts RunOptions) *Run {
	model := opts.Model
	if model == "" {
		model = a.cfg.Model
	}
	convID := opts.ConversationID
	if convID == "" {
		convID = "default"
	}
	policies := append(append([]StepPolicy(nil), a.cfg.Policies...), opts.Policies...)
	history := append([]messages.Message(nil), opts.History...)

	return &Run{
		agent:    a,
		id:       uuid.NewString(),
		convID:   convID,
		model:    model,
		deps:     opts.Deps,
		handler:  opts.Handler,
		policies: policies,
		exit:     tools.NewExitSignal(),
		node:     UserPromptNode{Prompt: prompt},
		messages: history,
		newStart: len(history),
		retries:  make(map[string]int),
	}
}

// Run executes a run to completion.
func (a *Agent) Run(ctx context.Context, prompt string, opts RunOptions) (*Result, error) {
	run := a.Iter(prompt, opts)
	for {
		node, err := run.Next(ctx)
		if err != nil {
			return nil, err
		}
		if end, ok := node.(EndNode); ok {
			return end.Result, nil
		}
	}
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// Node returns the node Next will execute.
func (r *Run) Node() Node { return r.node }

// Result returns the result once the run has ended.
func (r *Run) Result() *Result { return r.result }

// Next executes the current node and returns the one that follows. After
// the run ends it keeps returning the EndNode, or the error that stopped
// the run.
func (r *Run) Next(ctx context.Context) (Node, error) {
	if r.err != nil {
		return nil, r.err
	}
	if _, done := r.node.(EndNode); done {
		return r.node, nil
	}

	ctx = r.toolContext(ctx)
	r.steps++
	r.agent.logger.Debug("agent node",
		"run_id", r.id,
		"step", r.steps,
		"node", r.node.String(),
	)

	var (
		next Node
		err  error
	)
	switch n := r.node.(type) {
	case UserPromptNode:
		next, err = r.userPrompt(n)
	case ModelRequestNode:
		next, err = r.modelRequest(ctx, n)
	case CallToolsNode:
		next, err = r.callTools(ctx, n)
	default:
		err = fmt.Errorf("unknown node %T", n)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		r.fail(err)
		return nil, err
	}
	r.node = next
	return next, nil
}

func (r *Run) toolContext(ctx context.Context) context.Context {
	ctx = tools.WithConversationID(ctx, r.convID)
	ctx = tools.WithDeps(ctx, r.deps)
	return tools.WithExitSignal(ctx, r.exit)
}

func (r *Run) instructions() *string {
	if r.agent.cfg.Instructions == "" {
		return nil
	}
	s := r.agent.cfg.Instructions
	return &s
}

func (r *Run) userPrompt(n UserPromptNode) (Node, error) {
	r.started = time.Now()
	r.agent.logger.Info("agent run started",
		"run_id", r.id,
		"conversation", r.convID,
		"model", r.model,
		"history", len(r.messages),
	)
	r.agent.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
		"run_id":          r.id,
		"conversation_id": r.convID,
		"model":           r.model,
	})

	if n.Prompt == "" && len(r.messages) > 0 {
		if last, ok := r.messages[len(r.messages)-1].(*messages.ModelRequest); ok {
			// Resend the pending request as part of history.
			req := *last
			req.Parts = append([]messages.Part(nil), last.Parts...)
			req.Instructions = r.instructions()
			r.messages = r.messages[:len(r.messages)-1]
			return ModelRequestNode{Request: &req}, nil
		}
	}
	if n.Prompt == "" && len(r.messages) == 0 {
		return nil, errors.New("no prompt and no history to continue")
	}

	req := &messages.ModelRequest{Instructions: r.instructions()}
	if n.Prompt != "" {
		req.Parts = []messages.Part{messages.UserPromptPart{Content: n.Prompt, Timestamp: time.Now().UTC()}}
	}
	return ModelRequestNode{Request: req}, nil
}

func (r *Run) modelRequest(ctx context.Context, n ModelRequestNode) (Node, error) {
	limit := r.agent.cfg.RequestLimit
	if limit > 0 && r.requests >= limit {
		return nil, &UsageLimitExceeded{Limit: limit}
	}
	r.requests++
	r.messages = append(r.messages, n.Request)

	r.agent.bus.Emit(events.SourceAgent, events.KindModelRequest, map[string]any{
		"run_id": r.id,
		"step":   r.requests,
		"model":  r.model,
	})

	stream := func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			r.handler.handle(ctx, TextDelta{Delta: ev.Token})
		}
	}
	start := time.Now()
	resp, err := r.agent.client.ChatStream(ctx, r.model, toLLMMessages(r.messages), r.agent.tools.List(), stream)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}

	mr := fromLLMResponse(resp)
	if mr.ModelName == "" {
		mr.ModelName = r.model
	}
	if mr.Timestamp.IsZero() {
		mr.Timestamp = time.Now().UTC()
	}
	r.messages = append(r.messages, mr)
	r.addUsage(mr.Usage)

	r.agent.logger.Debug("model response",
		"run_id", r.id,
		"model", mr.ModelName,
		"tool_calls", len(mr.ToolCalls()),
		"input_tokens", mr.Usage.InputTokens,
		"output_tokens", mr.Usage.OutputTokens,
		"elapsed", time.Since(start),
	)
	r.agent.bus.Emit(events.SourceAgent, events.KindModelResponse, map[string]any{
		"run_id":     r.id,
		"step":       r.requests,
		"model":      mr.ModelName,
		"tokens_in":  mr.Usage.InputTokens,
		"tokens_out": mr.Usage.OutputTokens,
		"tool_calls": len(mr.ToolCalls()),
	})
	r.handler.handle(ctx, ModelResponseEvent{Response: mr})

	return CallToolsNode{Response: mr}, nil
}

func (r *Run) addUsage(u messages.Usage) {
	r.usage.InputTokens += u.InputTokens
	r.usage.OutputTokens += u.OutputTokens
	r.usage.CacheReadTokens += u.CacheReadTokens
	r.usage.CacheWriteTokens += u.CacheWriteTokens
}

func (r *Run) callTools(ctx context.Context, n CallToolsNode) (Node, error) {
	calls := n.Response.ToolCalls()
	if len(calls) == 0 {
		if text := n.Response.Text(); text != "" {
			return r.finish(Decision{Terminate: true, Output: text}, "final_text"), nil
		}
		r.empty++
		if r.empty > r.agent.cfg.MaxRetries {
			return nil, ErrNoResult
		}
		r.agent.logger.Warn("empty model response, retrying", "run_id", r.id, "attempt", r.empty)
		return ModelRequestNode{Request: &messages.ModelRequest{
			Parts: []messages.Part{messages.RetryPromptPart{
				Content:    "Please return text or call a tool.",
				ToolCallID: "retry_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Timestamp:  time.Now().UTC(),
			}},
			Instructions: r.instructions(),
		}}, nil
	}

	results := make([]messages.Part, 0, len(calls))
	for _, call := range calls {
		part, err := r.callTool(ctx, call)
		if err != nil {
			return nil, err
		}
		results = append(results, part)
	}
	req := &messages.ModelRequest{Parts: results, Instructions: r.instructions()}

	step := Step{Response: n.Response, Results: results}
	for i, p := range r.policies {
		d := p.AfterStep(ctx, step)
		if !d.Terminate {
			continue
		}
		r.messages = append(r.messages, req)
		r.agent.logger.Debug("step policy ended run",
			"run_id", r.id,
			"policy", i,
			"tool", d.ToolName,
		)
		r.agent.bus.Emit(events.SourceAgent, events.KindEarlyExit, map[string]any{
			"run_id": r.id,
			"policy": i,
			"tool":   d.ToolName,
		})
		return r.finish(d, "policy"), nil
	}
	return ModelRequestNode{Request: req}, nil
}

// callTool runs one call. Rejected calls become retry prompts; any other
// tool error fails the run.
func (r *Run) callTool(ctx context.Context, call messages.ToolCallPart) (messages.Part, error) {
	r.handler.handle(ctx, ToolCallEvent{Call: call})
	r.agent.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"run_id":       r.id,
		"tool":         call.ToolName,
		"tool_call_id": call.ToolCallID,
	})

	start := time.Now()
	ret, err := r.agent.tools.Execute(tools.WithToolCallID(ctx, call.ToolCallID), call.ToolName, call.ArgsJSON())
	elapsed := time.Since(start)

	var part messages.Part
	var (
		unavailable *tools.ErrToolUnavailable
		retry       *tools.RetryError
	)
	switch {
	case err == nil:
		var metadata any
		if len(ret.Metadata) > 0 {
			metadata = ret.Metadata
		}
		part = messages.ToolReturnPart{
			ToolName:   call.ToolName,
			Content:    ret.Value,
			ToolCallID: call.ToolCallID,
			Metadata:   metadata,
			Timestamp:  time.Now().UTC(),
		}
	case errors.As(err, &unavailable), errors.As(err, &retry):
		msg := err.Error()
		if unavailable != nil {
			msg = r.unknownToolMessage(call.ToolName)
		} else if retry != nil {
			msg = retry.Message
		}
		r.retries[call.ToolName]++
		if r.retries[call.ToolName] > r.agent.cfg.MaxRetries {
			return nil, &ToolRetriesExceeded{ToolName: call.ToolName, MaxRetries: r.agent.cfg.MaxRetries, Last: msg}
		}
		r.agent.logger.Debug("tool call rejected",
			"run_id", r.id,
			"tool", call.ToolName,
			"retry", r.retries[call.ToolName],
			"reason", msg,
		)
		part = messages.RetryPromptPart{
			Content:    msg,
			ToolName:   call.ToolName,
			ToolCallID: call.ToolCallID,
			Timestamp:  time.Now().UTC(),
		}
	default:
		return nil, fmt.Errorf("tool %s: %w", call.ToolName, err)
	}

	_, retried := part.(messages.RetryPromptPart)
	r.agent.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"run_id":      r.id,
		"tool":        call.ToolName,
		"ok":          !retried,
		"retry":       retried,
		"duration_ms": elapsed.Milliseconds(),
	})
	r.handler.handle(ctx, ToolResultEvent{Call: call, Result: part})
	return part, nil
}

func (r *Run) unknownToolMessage(name string) string {
	names := r.agent.tools.Names()
	if len(names) == 0 {
		return fmt.Sprintf("Unknown tool name: %q. No tools available.", name)
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return fmt.Sprintf("Unknown tool name: %q. Available tools: %s", name, strings.Join(quoted, ", "))
}

func (r *Run) finish(d Decision, reason string) Node {
	r.result = &Result{
		Output:     d.Output,
		ToolName:   d.ToolName,
		ToolCallID: d.ToolCallID,
		Usage:      r.usage,
		Requests:   r.requests,
		messages:   r.messages,
		newStart:   r.newStart,
	}
	elapsed := time.Since(r.started)
	r.agent.logger.Info("agent run completed",
		"run_id", r.id,
		"conversation", r.convID,
		"reason", reason,
		"requests", r.requests,
		"input_tokens", r.usage.InputTokens,
		"output_tokens", r.usage.OutputTokens,
		"elapsed", elapsed,
	)
	r.agent.bus.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
		"run_id":     r.id,
		"steps":      r.steps,
		"requests":   r.requests,
		"tokens_in":  r.usage.InputTokens,
		"tokens_out": r.usage.OutputTokens,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return EndNode{Result: r.result}
}

func (r *Run) fail(err error) {
	r.err = err
	r.agent.logger.Error("agent run failed", "run_id", r.id, "conversation", r.convID, "error", err)
	r.agent.bus.Emit(events.SourceAgent, events.KindRunError, map[string]any{
		"run_id": r.id,
		"error":  err.Error(),
	})
}
