package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient is a client for the OpenAI Chat Completions API and
// compatible servers.
type OpenAIClient struct {
	client        openai.Client
	parallelTools bool
	logger        *slog.Logger
}

// OpenAIOptions configures NewOpenAIClient.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string

	// ParallelToolCalls lets the model request several tools in one
	// response. Off by default so tool order stays deterministic.
	ParallelToolCalls bool

	// HTTPClient is used for all requests when set.
	HTTPClient *http.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(opts OpenAIOptions, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &OpenAIClient{
		client:        openai.NewClient(reqOpts...),
		parallelTools: opts.ParallelToolCalls,
		logger:        logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := c.params(model, messages, tools)
	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "tools", len(tools), "stream", false)

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	resp := convertFromOpenAI(completion)
	c.logResponse(ctx, resp)
	return resp, nil
}

// ChatStream sends a streaming chat request. Text deltas go to callback
// as they arrive; tool calls are reported once the stream is complete.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params := c.params(model, messages, tools)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "tools", len(tools), "stream", true)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback.emit(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	resp := convertFromOpenAI(&acc.ChatCompletion)
	c.logResponse(ctx, resp)
	callback.finish(resp)
	return resp, nil
}

// Ping lists models to verify the endpoint and key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func (c *OpenAIClient) params(model string, messages []Message, tools []map[string]any) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertToOpenAI(messages),
		Tools:    convertToolsToOpenAI(tools),
	}
	if len(params.Tools) > 0 {
		params.ParallelToolCalls = openai.Bool(c.parallelTools)
	}
	return params
}

func (c *OpenAIClient) logResponse(ctx context.Context, resp *ChatResponse) {
	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"finish_reason", resp.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			asst := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		name, desc, params, ok := toolFunction(tool)
		if !ok {
			continue
		}
		def := openai.FunctionDefinitionParam{
			Name:       name,
			Parameters: openai.FunctionParameters(params),
		}
		if desc != "" {
			def.Description = openai.String(desc)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out
}

func convertFromOpenAI(completion *openai.ChatCompletion) *ChatResponse {
	resp := &ChatResponse{
		Model:        completion.Model,
		Provider:     "openai",
		ResponseID:   completion.ID,
		CreatedAt:    time.Unix(completion.Created, 0).UTC(),
		Done:         true,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Message:      Message{Role: "assistant"},
	}
	resp.CacheReadTokens = int(completion.Usage.PromptTokensDetails.CachedTokens)
	if len(completion.Choices) == 0 {
		return resp
	}

	choice := completion.Choices[0]
	resp.FinishReason = choice.FinishReason
	resp.Message.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return resp
}
