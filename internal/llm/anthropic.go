package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. httpClient may be nil.
func NewAnthropicClient(apiKey string, httpClient *http.Client, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := c.params(model, messages, tools)
	c.logger.Debug("preparing request", "model", model, "messages", len(params.Messages), "tools", len(params.Tools), "stream", false)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	resp := convertFromAnthropic(msg)
	c.logResponse(ctx, resp)
	return resp, nil
}

// ChatStream sends a chat request, streaming text deltas via callback.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params := c.params(model, messages, tools)
	c.logger.Debug("preparing request", "model", model, "messages", len(params.Messages), "tools", len(params.Tools), "stream", true)

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream: %w", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				callback.emit(StreamEvent{Kind: KindToken, Token: text.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp := convertFromAnthropic(&msg)
	c.logResponse(ctx, resp)
	callback.finish(resp)
	return resp, nil
}

// Ping lists models to verify the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

func (c *AnthropicClient) params(model string, messages []Message, tools []map[string]any) anthropic.MessageNewParams {
	msgs, system := convertToAnthropic(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, tool := range convertToolsToAnthropic(tools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params
}

func (c *AnthropicClient) logResponse(ctx context.Context, resp *ChatResponse) {
	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"stop_reason", resp.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages are pulled out into a separate system prompt, and
// consecutive tool results are merged into one user turn.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var (
		systemParts []string
		result      []anthropic.MessageParam
	)

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, toolInput(tc.Function.Arguments), tc.Function.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		case "tool":
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)
			if n := len(result); n > 0 && isToolResultTurn(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropic.NewUserMessage(block))

		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func isToolResultTurn(m anthropic.MessageParam) bool {
	if m.Role != anthropic.MessageParamRoleUser || len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return true
}

// toolInput decodes raw tool arguments for the tool_use block. The API
// requires an object, so unparseable arguments are sent as an empty one.
func toolInput(args string) map[string]any {
	m := map[string]any{}
	if strings.TrimSpace(args) == "" {
		return m
	}
	if err := json.Unmarshal([]byte(args), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// convertToolsToAnthropic converts OpenAI-format tool definitions to Anthropic format.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolParam {
	var result []anthropic.ToolParam
	for _, tool := range tools {
		name, desc, params, ok := toolFunction(tool)
		if !ok {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{Properties: params["properties"]}
		if req, ok := params["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tp := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc != "" {
			tp.Description = anthropic.String(desc)
		}
		result = append(result, tp)
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal format.
func convertFromAnthropic(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		Model:            string(msg.Model),
		Provider:         "anthropic",
		ResponseID:       msg.ID,
		CreatedAt:        time.Now().UTC(),
		Done:             true,
		FinishReason:     string(msg.StopReason),
		InputTokens:      int(msg.Usage.InputTokens),
		OutputTokens:     int(msg.Usage.OutputTokens),
		CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
		Message:          Message{Role: "assistant"},
	}

	var content strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	resp.Message.Content = content.String()
	return resp
}
