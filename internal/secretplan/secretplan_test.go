package secretplan

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nugget/secretplan/internal/agent"
	"github.com/nugget/secretplan/internal/agui"
	"github.com/nugget/secretplan/internal/llm"
	"github.com/nugget/secretplan/internal/tools"
)

func TestPasswordGuesser(t *testing.T) {
	reg := Registry()
	tests := []struct {
		args string
		want string
	}{
		{`{"guess": 0}`, "higher"},
		{`{"guess": 3}`, "higher"},
		{`{"guess": 4}`, "You got it!"},
		{`{"guess": 5}`, "lower"},
		{`{"guess": 10}`, "lower"},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			ret, err := reg.Execute(context.Background(), PasswordGuesserTool, tt.args)
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if ret.Value != tt.want {
				t.Errorf("Value = %v, want %q", ret.Value, tt.want)
			}
		})
	}
}

func TestPasswordGuesser_RejectsNonInteger(t *testing.T) {
	_, err := Registry().Execute(context.Background(), PasswordGuesserTool, `{"guess": "four"}`)
	if _, ok := err.(*tools.RetryError); !ok {
		t.Fatalf("Execute() error = %v, want *tools.RetryError", err)
	}
}

func TestSecretPlan_WrongPassword(t *testing.T) {
	deps := NewDeps(State{})
	sig := tools.NewExitSignal()
	ctx := tools.WithExitSignal(tools.WithDeps(context.Background(), deps), sig)

	ret, err := Registry().Execute(ctx, SecretPlanTool, `{"password": {"password": 3, "guess": "three"}}`)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if ret.Value != "PW incorrect, try again." {
		t.Errorf("Value = %v", ret.Value)
	}
	if len(ret.Metadata) != 0 {
		t.Errorf("Metadata = %v, want none", ret.Metadata)
	}
	if deps.State().DoesTheUserKnow {
		t.Error("state changed on a wrong password")
	}
	if _, ok := sig.Requested(); ok {
		t.Error("exit requested on a wrong password")
	}
}

func TestSecretPlan_RightPassword(t *testing.T) {
	deps := NewDeps(State{})
	sig := tools.NewExitSignal()
	ctx := tools.WithExitSignal(tools.WithDeps(context.Background(), deps), sig)

	ret, err := Registry().Execute(ctx, SecretPlanTool, `{"password": {"password": 4, "guess": "four"}}`)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	plan, ok := ret.Value.(Plan)
	if !ok || strings.Join(plan.Steps, "|") != "collect underpants|?|profit!" {
		t.Fatalf("Value = %#v", ret.Value)
	}
	if !deps.State().DoesTheUserKnow {
		t.Error("does_the_user_know not set")
	}

	out, ok := sig.Requested()
	if !ok {
		t.Fatal("exit not requested")
	}
	if _, isPlan := out.(Plan); !isPlan {
		t.Errorf("exit output = %#v, want Plan", out)
	}

	events := agui.MetadataEvents(ret.Metadata)
	if len(events) != 2 {
		t.Fatalf("metadata events = %v", events)
	}
	if events[0]["type"] != string(agui.EventStateSnapshot) {
		t.Errorf("first event type = %v", events[0]["type"])
	}
	snap, _ := events[0]["snapshot"].(map[string]any)
	if snap["does_the_user_know"] != true {
		t.Errorf("snapshot = %v", events[0]["snapshot"])
	}
	if events[1]["type"] != string(agui.EventCustom) || events[1]["name"] != SecretPlanTool {
		t.Errorf("second event = %v", events[1])
	}
}

func TestSecretPlan_Schema(t *testing.T) {
	tool := Registry().Get(SecretPlanTool)
	data, err := json.Marshal(tool.Parameters)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	schema := string(data)
	for _, want := range []string{
		`"password"`,
		`"The secret password to access the plan."`,
		`"guess"`,
	} {
		if !strings.Contains(schema, want) {
			t.Errorf("schema %s missing %s", schema, want)
		}
	}
}

func TestAgentRun_TestModel(t *testing.T) {
	reg := Registry()
	a := agent.New(nil, llm.NewTestClient(), reg, agent.Config{
		Model:        llm.TestModel,
		Instructions: Instructions,
		Policies:     []agent.StepPolicy{agent.EarlyExit()},
	})

	deps := NewDeps(State{})
	res, err := a.Run(context.Background(), "what's the plan?", agent.RunOptions{Deps: deps})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var summary map[string]string
	if err := json.Unmarshal([]byte(res.OutputText()), &summary); err != nil {
		t.Fatalf("output %q is not a JSON summary: %v", res.OutputText(), err)
	}
	if summary[PasswordGuesserTool] != "higher" {
		t.Errorf("password_guesser = %q, want higher", summary[PasswordGuesserTool])
	}
	if summary[SecretPlanTool] != "PW incorrect, try again." {
		t.Errorf("secret_plan = %q", summary[SecretPlanTool])
	}
	if deps.State().DoesTheUserKnow {
		t.Error("state changed without the password")
	}
}

func TestDeps_LoadState(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		start   State
		want    bool
		wantErr bool
	}{
		{"empty keeps state", ``, State{DoesTheUserKnow: true}, true, false},
		{"null keeps state", `null`, State{DoesTheUserKnow: true}, true, false},
		{"empty object resets", `{}`, State{DoesTheUserKnow: true}, false, false},
		{"set", `{"does_the_user_know": true}`, State{}, true, false},
		{"wrong type", `{"does_the_user_know": "yes"}`, State{}, false, true},
		{"not an object", `[1]`, State{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := NewDeps(tt.start)
			err := deps.LoadState(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := deps.State().DoesTheUserKnow; got != tt.want {
				t.Errorf("does_the_user_know = %v, want %v", got, tt.want)
			}
		})
	}
}
