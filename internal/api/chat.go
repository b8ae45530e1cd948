package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/secretplan/internal/agent"
	"github.com/nugget/secretplan/internal/agui"
	"github.com/nugget/secretplan/internal/convert"
	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/messages"
)

// streamWriteTimeout is pushed forward after every event so long
// multi-step runs do not hit the server's write timeout.
const streamWriteTimeout = 120 * time.Second

// handleChat runs the agent over a UI run input and streams the run as
// protocol events. The input messages and the run's new messages are
// stored as one row once the run succeeds.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	input, err := agui.ParseRunInput(body)
	if err != nil {
		var verrs agui.ValidationErrors
		if errors.As(err, &verrs) {
			s.validationResponse(w, verrs)
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	conversationID := input.ThreadID
	if conversationID == "" {
		conversationID = fmt.Sprintf("conv-%d", time.Now().UnixMilli())
	}

	var deps any
	if s.newDeps != nil {
		d := s.newDeps()
		if err := d.LoadState(input.State); err != nil {
			s.validationResponse(w, agui.ValidationErrors{{
				Type: "model_type",
				Loc:  []any{"body", "state"},
				Msg:  err.Error(),
			}})
			return
		}
		deps = d
	}

	history, err := convert.FromUI(input.Messages)
	if err != nil {
		s.logger.Error("convert run input failed", "conversation", conversationID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(input.Tools) > 0 {
		s.logger.Debug("ignoring frontend tools", "count", len(input.Tools))
	}
	s.bus.Emit(events.SourceAPI, events.KindChatRequest, map[string]any{
		"conversation_id": conversationID,
		"run_id":          input.RunID,
		"messages":        len(input.Messages),
	})

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", agui.ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	rs := &runStream{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		enc:     agui.NewEncoder(),
		logger:  s.logger,
	}
	rs.send(agui.NewRunStarted(input.ThreadID, input.RunID))

	res, err := s.agent.Run(r.Context(), "", agent.RunOptions{
		History:        history,
		Deps:           deps,
		Handler:        rs.handle,
		ConversationID: conversationID,
	})
	rs.closeText()
	if err != nil {
		s.logger.Error("agent run failed", "conversation", conversationID, "error", err)
		s.stats.RecordFailure()
		rs.send(agui.NewRunError(err.Error(), errorCode(err)))
		return
	}
	s.stats.Record(res)

	if s.store != nil {
		// The row is written even if the client went away after the run.
		saveCtx := context.WithoutCancel(r.Context())
		if err := s.store.OnComplete(conversationID, history)(saveCtx, res); err != nil {
			s.logger.Error("save conversation failed", "conversation", conversationID, "error", err)
			rs.send(agui.NewRunError("failed to save conversation", "storage_error"))
			return
		}
	}

	rs.send(agui.NewRunFinished(input.ThreadID, input.RunID, nil))
}

func (s *Server) validationResponse(w http.ResponseWriter, errs agui.ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	writeJSON(w, errs, s.logger)
}

// errorCode names the RUN_ERROR code for run failures the UI can tell
// apart.
func errorCode(err error) string {
	var (
		limit   *agent.UsageLimitExceeded
		retries *agent.ToolRetriesExceeded
	)
	switch {
	case errors.As(err, &limit):
		return "usage_limit_exceeded"
	case errors.As(err, &retries):
		return "tool_retries_exceeded"
	case errors.Is(err, agent.ErrNoResult):
		return "no_result"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return ""
	}
}

// runStream turns agent run events into SSE frames.
type runStream struct {
	w       io.Writer
	flusher http.Flusher
	rc      *http.ResponseController
	enc     *agui.Encoder
	logger  *slog.Logger

	textID   string // open text message, "" when none
	streamed bool   // text was streamed for the current response
	err      error  // first write error; later sends are dropped
}

func (rs *runStream) send(ev agui.Event) {
	if rs.err != nil {
		return
	}
	frame, err := rs.enc.Encode(ev)
	if err != nil {
		rs.logger.Error("encode event failed", "type", ev.EventType(), "error", err)
		return
	}
	if _, err := rs.w.Write(frame); err != nil {
		rs.err = err
		rs.logger.Debug("client stream closed", "error", err)
		return
	}
	rs.flusher.Flush()

	if err := rs.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		rs.logger.Debug("failed to reset write deadline", "error", err)
	}
}

func (rs *runStream) openText() string {
	if rs.textID == "" {
		rs.textID = newMessageID()
		rs.send(agui.NewTextMessageStart(rs.textID))
	}
	return rs.textID
}

func (rs *runStream) closeText() {
	if rs.textID != "" {
		rs.send(agui.NewTextMessageEnd(rs.textID))
		rs.textID = ""
	}
}

func (rs *runStream) handle(_ context.Context, ev agent.Event) {
	switch e := ev.(type) {
	case agent.TextDelta:
		if e.Delta == "" {
			return
		}
		rs.streamed = true
		rs.send(agui.NewTextMessageContent(rs.openText(), e.Delta))

	case agent.ModelResponseEvent:
		rs.responseDone(e.Response)

	case agent.ToolResultEvent:
		rs.toolResult(e.Call, e.Result)
	}
}

// responseDone closes the response's text message and announces its tool
// calls. Text the provider did not stream is sent whole.
func (rs *runStream) responseDone(resp *messages.ModelResponse) {
	if !rs.streamed {
		if text := resp.Text(); text != "" {
			rs.send(agui.NewTextMessageContent(rs.openText(), text))
		}
	}
	parentID := rs.textID
	rs.closeText()
	rs.streamed = false

	calls := resp.ToolCalls()
	if len(calls) > 0 && parentID == "" {
		parentID = newMessageID()
	}
	for _, call := range calls {
		rs.send(agui.NewToolCallStart(call.ToolCallID, call.ToolName, parentID))
		rs.send(agui.NewToolCallArgs(call.ToolCallID, call.ArgsJSON()))
		rs.send(agui.NewToolCallEnd(call.ToolCallID))
	}
}

func (rs *runStream) toolResult(call messages.ToolCallPart, result messages.Part) {
	switch p := result.(type) {
	case messages.ToolReturnPart:
		rs.send(agui.NewToolCallResult(newMessageID(), call.ToolCallID, p.ContentString()))
		for _, ev := range agui.MetadataEvents(p.Metadata) {
			rs.send(agui.RawEvent(ev))
		}
	case messages.RetryPromptPart:
		rs.send(agui.NewToolCallResult(newMessageID(), call.ToolCallID, p.ModelResponse()))
	}
}

func newMessageID() string {
	return uuid.NewString()
}
