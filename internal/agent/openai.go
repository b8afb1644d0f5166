package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel    = "gpt-4o"
	defaultOpenAITokens   = 4096
)

type OpenAIOption func(*OpenAIBackend)

// OpenAIBackend runs prompts against an OpenAI-compatible chat
// completions API. Responses are not streamed; each round's message
// content is emitted as one assistant chunk.
type OpenAIBackend struct {
	name          string
	apiKey        string
	endpoint      string
	model         string
	maxTokens     int
	maxToolRounds int
	instructions  string
	tools         ToolExecutor
	client        *http.Client
}

func NewOpenAIBackend(apiKey string, opts ...OpenAIOption) *OpenAIBackend {
	backend := &OpenAIBackend{
		name:          "openai",
		apiKey:        strings.TrimSpace(apiKey),
		endpoint:      defaultOpenAIEndpoint,
		model:         defaultOpenAIModel,
		maxTokens:     defaultOpenAITokens,
		maxToolRounds: defaultMaxToolRounds,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(backend)
		}
	}
	return backend
}

func WithOpenAIName(name string) OpenAIOption {
	return func(b *OpenAIBackend) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			b.name = trimmed
		}
	}
}

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(b *OpenAIBackend) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			b.endpoint = trimmed
		}
	}
}

func WithOpenAIModel(model string) OpenAIOption {
	return func(b *OpenAIBackend) {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			b.model = trimmed
		}
	}
}

func WithOpenAIMaxTokens(n int) OpenAIOption {
	return func(b *OpenAIBackend) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

func WithOpenAITools(tools ToolExecutor) OpenAIOption {
	return func(b *OpenAIBackend) {
		b.tools = tools
	}
}

func WithOpenAIInstructions(instructions string) OpenAIOption {
	return func(b *OpenAIBackend) {
		b.instructions = strings.TrimSpace(instructions)
	}
}

func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(b *OpenAIBackend) {
		if client != nil {
			b.client = client
		}
	}
}

var (
	_ Backend    = (*OpenAIBackend)(nil)
	_ Instructor = (*OpenAIBackend)(nil)
	_ Modeler    = (*OpenAIBackend)(nil)
)

func (b *OpenAIBackend) Name() string {
	return b.name
}

func (b *OpenAIBackend) Model() string {
	return b.model
}

func (b *OpenAIBackend) CustomInstructions() string {
	return b.instructions
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	Tools     []openAITool    `json:"tools,omitempty"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openAIToolCallFunction `json:"function"`
}

type openAIToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIErrorEnvelope struct {
	Error openAIError `json:"error"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (b *OpenAIBackend) Run(ctx context.Context, req Request) error {
	if b.apiKey == "" {
		err := errors.New("openai api key is required")
		req.Handlers.EmitError(err.Error())
		return err
	}

	messages := make([]openAIMessage, 0, 4)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.UserPrompt})
	tools := b.toolDefinitions()

	for round := 0; round < b.maxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		reply, err := b.complete(ctx, messages, tools, req.Handlers)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			req.Handlers.EmitError(err.Error())
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if text := strings.TrimSpace(reply.Content); text != "" {
			req.Handlers.EmitAssistantChunk(reply.Content)
		}
		if len(reply.ToolCalls) == 0 {
			return nil
		}
		if b.tools == nil {
			err := errors.New("backend requested tools but none are configured")
			req.Handlers.EmitError(err.Error())
			return err
		}

		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			if err := ctx.Err(); err != nil {
				return err
			}

			args := call.Function.Arguments
			req.Handlers.EmitToolStart(ToolStart{Name: call.Function.Name, CallID: call.ID, Args: args})
			out, invokeErr := b.tools.Invoke(ctx, call.Function.Name, args)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result := out
			if invokeErr != nil {
				result = invokeErr.Error()
			}
			req.Handlers.EmitToolEnd(ToolEnd{CallID: call.ID, Result: result, OK: invokeErr == nil})
			messages = append(messages, openAIMessage{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}

	err := fmt.Errorf("tool loop exceeded %d rounds", b.maxToolRounds)
	req.Handlers.EmitError(err.Error())
	return err
}

func (b *OpenAIBackend) toolDefinitions() []openAITool {
	if b.tools == nil {
		return nil
	}
	available := b.tools.Tools()
	if len(available) == 0 {
		return nil
	}
	defs := make([]openAITool, 0, len(available))
	for _, tool := range available {
		schema := bytes.TrimSpace(tool.InputSchema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return defs
}

func (b *OpenAIBackend) complete(ctx context.Context, messages []openAIMessage, tools []openAITool, handlers Handlers) (openAIMessage, error) {
	payload := openAIRequest{
		Model:     b.model,
		Messages:  messages,
		MaxTokens: b.maxTokens,
		Tools:     tools,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return openAIMessage{}, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return openAIMessage{}, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return openAIMessage{}, fmt.Errorf("call openai api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStreamBytes))
	if err != nil {
		return openAIMessage{}, fmt.Errorf("read openai response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(raw))
		var parsed openAIErrorEnvelope
		if err := json.Unmarshal(raw, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return openAIMessage{}, fmt.Errorf("openai api status %d: %s", resp.StatusCode, message)
	}

	handlers.EmitRaw(json.RawMessage(raw))

	var decoded openAIResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return openAIMessage{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return openAIMessage{}, errors.New("openai response contained no choices")
	}
	return decoded.Choices[0].Message, nil
}
