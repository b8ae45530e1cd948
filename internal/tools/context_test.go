package tools

import (
	"context"
	"sync"
	"testing"
)

func TestConversationIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"default when unset", context.Background(), "default"},
		{"round trip", WithConversationID(context.Background(), "conv-123"), "conv-123"},
		{"empty string returns default", WithConversationID(context.Background(), ""), "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConversationIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("ConversationIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolCallIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"empty when unset", context.Background(), ""},
		{"round trip", WithToolCallID(context.Background(), "call_xyz"), "call_xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToolCallIDFromContext(tt.ctx); got != tt.want {
				t.Errorf("ToolCallIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

type testDeps struct{ name string }

func TestDepsFromContext(t *testing.T) {
	ctx := WithDeps(context.Background(), &testDeps{name: "x"})

	deps, ok := DepsFromContext[*testDeps](ctx)
	if !ok || deps.name != "x" {
		t.Errorf("DepsFromContext = %v, %v", deps, ok)
	}
	if _, ok := DepsFromContext[string](ctx); ok {
		t.Error("DepsFromContext should not match a different type")
	}
	if _, ok := DepsFromContext[*testDeps](WithDeps(context.Background(), nil)); ok {
		t.Error("nil deps should not be stored")
	}
}

func TestRequestExit(t *testing.T) {
	if RequestExit(context.Background(), "x") {
		t.Error("RequestExit without a signal should report false")
	}

	sig := NewExitSignal()
	ctx := WithExitSignal(context.Background(), sig)

	if _, ok := sig.Requested(); ok {
		t.Fatal("new signal should be unset")
	}
	if !RequestExit(ctx, "first") {
		t.Fatal("first RequestExit should win")
	}
	if RequestExit(ctx, "second") {
		t.Error("second RequestExit should lose")
	}
	out, ok := sig.Requested()
	if !ok || out != "first" {
		t.Errorf("Requested() = %v, %v; want first, true", out, ok)
	}
}

func TestExitSignal_ConcurrentFirstWriterWins(t *testing.T) {
	sig := NewExitSignal()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if sig.Request(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}
