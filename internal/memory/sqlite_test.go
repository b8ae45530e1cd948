package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/secretplan/internal/agent"
	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/llm"
	"github.com/nugget/secretplan/internal/messages"
	"github.com/nugget/secretplan/internal/tools"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "messages.sqlite")
	s, err := Open(dbPath, DriverPureGo, nil)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func userText(msgs []messages.Message) []string {
	var out []string
	for _, m := range msgs {
		req, ok := m.(*messages.ModelRequest)
		if !ok {
			continue
		}
		for _, p := range req.Parts {
			if up, ok := p.(messages.UserPromptPart); ok {
				out = append(out, fmt.Sprint(up.Content))
			}
		}
	}
	return out
}

func TestAddAndGetMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rows := []struct {
		conv string
		text string
	}{
		{"b", "first"},
		{"a", "second"},
		{"b", "third"},
	}
	for _, r := range rows {
		if err := s.SaveMessages(ctx, r.conv, []messages.Message{messages.UserPrompt(r.text)}); err != nil {
			t.Fatalf("SaveMessages(%q): %v", r.conv, err)
		}
	}

	tests := []struct {
		conv string
		want []string
	}{
		{"b", []string{"first", "third"}},
		{"a", []string{"second"}},
		{"", []string{"first", "second", "third"}},
		{"missing", nil},
	}
	for _, tt := range tests {
		t.Run("conv="+tt.conv, func(t *testing.T) {
			got, err := s.GetMessages(ctx, tt.conv)
			if err != nil {
				t.Fatalf("GetMessages: %v", err)
			}
			if strings.Join(userText(got), ",") != strings.Join(tt.want, ",") {
				t.Errorf("GetMessages(%q) = %v, want %v", tt.conv, userText(got), tt.want)
			}
		})
	}
}

func TestGetMessages_ConcatenatesRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := []messages.Message{
		messages.UserPrompt("one"),
		&messages.ModelResponse{Parts: []messages.Part{messages.TextPart{Content: "reply"}}},
	}
	if err := s.SaveMessages(ctx, "c", first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessages(ctx, "c", []messages.Message{messages.UserPrompt("two")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessages(ctx, "c")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if resp, ok := got[1].(*messages.ModelResponse); !ok || resp.Text() != "reply" {
		t.Errorf("got[1] = %#v", got[1])
	}
}

func TestGetConversations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	empty, err := s.GetConversations(ctx)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty store = %#v, want empty non-nil slice", empty)
	}

	for _, id := range []string{"conv-3", "conv-1", "conv-3", "conv-2", "conv-1"} {
		if err := s.AddMessages(ctx, id, []byte(`[]`)); err != nil {
			t.Fatalf("AddMessages(%q): %v", id, err)
		}
	}
	got, err := s.GetConversations(ctx)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if strings.Join(got, ",") != "conv-1,conv-2,conv-3" {
		t.Errorf("GetConversations = %v", got)
	}
}

func TestGetMessages_CorruptRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.AddMessages(ctx, "c", []byte(`{not json`)); err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	if _, err := s.GetMessages(ctx, "c"); err == nil {
		t.Fatal("GetMessages succeeded on a corrupt row")
	}
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.SaveMessages(ctx, "shared", []messages.Message{messages.UserPrompt(fmt.Sprint(i))})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SaveMessages: %v", err)
		}
	}

	got, err := s.GetMessages(ctx, "shared")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != writers {
		t.Errorf("got %d messages, want %d", len(got), writers)
	}
}

func TestClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "closed.sqlite"), DriverPureGo, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.GetConversations(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("GetConversations after Close = %v, want ErrClosed", err)
	}
}

func TestOpen_Drivers(t *testing.T) {
	tests := []struct {
		driver  string
		wantErr bool
	}{
		{DriverPureGo, false},
		{DriverCGo, false},
		{"postgres", true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			s, err := Open(filepath.Join(t.TempDir(), "sub", "m.sqlite"), tt.driver, nil)
			if tt.wantErr {
				if err == nil {
					s.Close()
					t.Fatal("Open succeeded, want error")
				}
				return
			}
			if err != nil {
				if tt.driver == DriverCGo && strings.Contains(err.Error(), "cgo") {
					t.Skipf("cgo driver unavailable: %v", err)
				}
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if err := s.AddMessages(context.Background(), "x", []byte(`[]`)); err != nil {
				t.Errorf("AddMessages: %v", err)
			}
		})
	}
}

func TestOnComplete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	bus := events.New()
	s.SetEventBus(bus)
	feed := bus.Subscribe(4)
	defer bus.Unsubscribe(feed)

	a := agent.New(nil, llm.NewTestClient(), tools.NewRegistry(), agent.Config{Model: llm.TestModel})
	input := []messages.Message{messages.UserPrompt("hello")}
	res, err := a.Run(ctx, "", agent.RunOptions{History: input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := s.OnComplete("conv-1", input)(ctx, res); err != nil {
		t.Fatalf("OnComplete: %v", err)
	}

	got, err := s.GetMessages(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stored %d messages, want input + response", len(got))
	}
	if resp, ok := got[1].(*messages.ModelResponse); !ok || resp.Text() != "success (no tool calls)" {
		t.Errorf("stored response = %#v", got[1])
	}

	select {
	case ev := <-feed:
		if ev.Kind != events.KindMessagesSaved || ev.Data["conversation_id"] != "conv-1" || ev.Data["messages"] != 2 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no messages_saved event")
	}
}
