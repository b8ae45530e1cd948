// Package secretplan is the demo tool set: a number-guessing helper and
// a password-gated plan that reveals itself to the UI through state and
// custom events.
package secretplan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nugget/secretplan/internal/agui"
	"github.com/nugget/secretplan/internal/tools"
)

// Tool names.
const (
	PasswordGuesserTool = "password_guesser"
	SecretPlanTool      = "secret_plan"
)

// password unlocks the plan.
const password = 4

// Instructions is the default system prompt.
const Instructions = "Be Helpful"

// State is the shared UI state.
type State struct {
	DoesTheUserKnow bool `json:"does_the_user_know"`
}

// Deps carries per-run state to the tools. Pass a *Deps as the run's
// dependencies.
type Deps struct {
	mu    sync.Mutex
	state State
}

// NewDeps returns dependencies seeded with state.
func NewDeps(state State) *Deps {
	return &Deps{state: state}
}

// State returns a copy of the current state.
func (d *Deps) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LoadState replaces the state with the JSON object the UI sent. An
// empty or null body keeps the current state.
func (d *Deps) LoadState(raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	d.update(func(s *State) { *s = st })
	return nil
}

// Snapshot returns the state as sent to the UI.
func (d *Deps) Snapshot() any {
	return d.State()
}

func (d *Deps) update(fn func(*State)) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.state)
	return d.state
}

// Plan is what the secret_plan tool reveals.
type Plan struct {
	Steps []string `json:"steps" jsonschema:"The steps of the secret plan."`
}

// Password is the secret_plan argument.
type Password struct {
	Password int    `json:"password" jsonschema:"The secret password to access the plan."`
	Guess    string `json:"guess" jsonschema:"Guess what you think the secret is, lets see if you're right."`
}

type guesserArgs struct {
	Guess int `json:"guess" jsonschema:"The guess for the password."`
}

type secretPlanArgs struct {
	Password Password `json:"password"`
}

// Register adds the demo tools to reg.
func Register(reg *tools.Registry) {
	reg.Register(tools.MustNewFunc(PasswordGuesserTool, `Help guess the password.

The password will be between 0 and 10.

Returns "higher" if the password is higher than the guess, "lower" if the
password is lower than the guess.`, guessPassword))

	reg.Register(tools.MustNewFunc(SecretPlanTool, `Tool that returns the secret plan.

Do not repeat the secret plan to the user. The user will automatically receive it.`, revealPlan))
}

// Registry returns a registry holding only the demo tools.
func Registry() *tools.Registry {
	reg := tools.NewRegistry()
	Register(reg)
	return reg
}

func guessPassword(_ context.Context, args guesserArgs) (any, error) {
	switch {
	case args.Guess < password:
		return "higher", nil
	case args.Guess > password:
		return "lower", nil
	default:
		return "You got it!", nil
	}
}

func revealPlan(ctx context.Context, args secretPlanArgs) (any, error) {
	if args.Password.Password != password {
		return "PW incorrect, try again.", nil
	}

	state := State{DoesTheUserKnow: true}
	if deps, ok := tools.DepsFromContext[*Deps](ctx); ok && deps != nil {
		state = deps.update(func(s *State) { s.DoesTheUserKnow = true })
	}

	plan := Plan{Steps: []string{
		"collect underpants",
		"?",
		"profit!",
	}}
	tools.RequestExit(ctx, plan)

	return tools.Return{
		Value: plan,
		Metadata: []any{
			agui.NewStateSnapshot(state),
			agui.NewCustom(SecretPlanTool, plan),
		},
	}, nil
}
