package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/secretplan/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Large models with tools need time.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5*time.Minute), httpkit.WithLogger(logger)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	CreatedAt  time.Time     `json:"created_at"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama.
// If callback is non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "tools", len(tools), "stream", stream)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final ollamaResponse
	if !stream {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	} else {
		// Streaming: newline-delimited JSON
		var (
			content   strings.Builder
			toolCalls []ollamaToolCall
		)
		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Message.Content != "" {
				content.WriteString(chunk.Message.Content)
				callback.emit(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
			}
			toolCalls = append(toolCalls, chunk.Message.ToolCalls...)
			if chunk.Done {
				final = chunk
				break
			}
		}
		final.Message.Content = content.String()
		final.Message.ToolCalls = toolCalls
	}

	result := convertFromOllama(&final)
	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	callback.finish(result)
	return result, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	// Ollama correlates tool results by name rather than id.
	names := make(map[string]string)
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Function.Name
			var call ollamaToolCall
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = toolInput(tc.Function.Arguments)
			om.ToolCalls = append(om.ToolCalls, call)
		}
		if msg.Role == "tool" {
			om.ToolName = names[msg.ToolCallID]
		}
		out = append(out, om)
	}
	return out
}

func convertFromOllama(r *ollamaResponse) *ChatResponse {
	resp := &ChatResponse{
		Model:         r.Model,
		Provider:      "ollama",
		CreatedAt:     r.CreatedAt,
		Done:          r.Done,
		FinishReason:  r.DoneReason,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
		Message:       Message{Role: "assistant", Content: r.Message.Content},
	}

	calls := r.Message.ToolCalls
	// Try to parse text-based tool calls if no native tool_calls
	if len(calls) == 0 && resp.Message.Content != "" {
		if parsed := parseTextToolCalls(resp.Message.Content); len(parsed) > 0 {
			calls = parsed
			resp.Message.Content = ""
		}
	}
	for _, tc := range calls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil || tc.Function.Arguments == nil {
			args = []byte("{}")
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID:       "call_" + uuid.NewString(),
			Function: FunctionCall{Name: tc.Function.Name, Arguments: string(args)},
		})
	}
	return resp
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. This function handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	toCalls := func(in []textCall) []ollamaToolCall {
		out := make([]ollamaToolCall, 0, len(in))
		for _, c := range in {
			if c.Name == "" {
				continue
			}
			var tc ollamaToolCall
			tc.Function.Name = c.Name
			tc.Function.Arguments = c.Arguments
			out = append(out, tc)
		}
		return out
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return toCalls(calls)
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return toCalls([]textCall{single})
	}

	return nil
}
