package agent

import (
	"bufio"
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
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
	defaultAnthropicModel    = "claude-sonnet-4-20250514"
	defaultAnthropicTokens   = 4096
	defaultMaxToolRounds     = 10
	maxStreamBytes           = 1 << 20
)

type AnthropicOption func(*AnthropicBackend)

// AnthropicBackend runs prompts against an Anthropic-compatible
// messages API with streaming enabled. Each completed text block is
// emitted as one assistant chunk; tool_use blocks drive the tool loop.
type AnthropicBackend struct {
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

func NewAnthropicBackend(apiKey string, opts ...AnthropicOption) *AnthropicBackend {
	backend := &AnthropicBackend{
		name:          "anthropic",
		apiKey:        strings.TrimSpace(apiKey),
		endpoint:      defaultAnthropicEndpoint,
		model:         defaultAnthropicModel,
		maxTokens:     defaultAnthropicTokens,
		maxToolRounds: defaultMaxToolRounds,
		client: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(backend)
		}
	}
	return backend
}

func WithAnthropicName(name string) AnthropicOption {
	return func(b *AnthropicBackend) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			b.name = trimmed
		}
	}
}

func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(b *AnthropicBackend) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			b.endpoint = trimmed
		}
	}
}

func WithAnthropicModel(model string) AnthropicOption {
	return func(b *AnthropicBackend) {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			b.model = trimmed
		}
	}
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(b *AnthropicBackend) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

func WithAnthropicMaxToolRounds(n int) AnthropicOption {
	return func(b *AnthropicBackend) {
		if n > 0 {
			b.maxToolRounds = n
		}
	}
}

func WithAnthropicTools(tools ToolExecutor) AnthropicOption {
	return func(b *AnthropicBackend) {
		b.tools = tools
	}
}

func WithAnthropicInstructions(instructions string) AnthropicOption {
	return func(b *AnthropicBackend) {
		b.instructions = strings.TrimSpace(instructions)
	}
}

func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(b *AnthropicBackend) {
		if client != nil {
			b.client = client
		}
	}
}

var (
	_ Backend    = (*AnthropicBackend)(nil)
	_ Instructor = (*AnthropicBackend)(nil)
	_ Modeler    = (*AnthropicBackend)(nil)
)

func (b *AnthropicBackend) Name() string {
	return b.name
}

func (b *AnthropicBackend) Model() string {
	return b.model
}

func (b *AnthropicBackend) CustomInstructions() string {
	return b.instructions
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicErrorEnvelope struct {
	Error anthropicAPIError `json:"error"`
}

func (b *AnthropicBackend) Run(ctx context.Context, req Request) error {
	if b.apiKey == "" {
		err := errors.New("anthropic api key is required")
		req.Handlers.EmitError(err.Error())
		return err
	}

	messages := []anthropicMessage{{
		Role:    "user",
		Content: []anthropicBlock{{Type: "text", Text: req.UserPrompt}},
	}}
	tools := b.toolDefinitions()

	for round := 0; round < b.maxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		turn, err := b.stream(ctx, req.SystemPrompt, messages, tools, req.Handlers)
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

		toolUses := toolUseBlocks(turn)
		if len(toolUses) == 0 {
			return nil
		}
		if b.tools == nil {
			err := errors.New("backend requested tools but none are configured")
			req.Handlers.EmitError(err.Error())
			return err
		}

		messages = append(messages, anthropicMessage{Role: "assistant", Content: turn})
		results := make([]anthropicBlock, 0, len(toolUses))
		for _, call := range toolUses {
			if err := ctx.Err(); err != nil {
				return err
			}

			args := string(call.Input)
			req.Handlers.EmitToolStart(ToolStart{Name: call.Name, CallID: call.ID, Args: args})
			out, invokeErr := b.tools.Invoke(ctx, call.Name, args)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if invokeErr != nil {
				req.Handlers.EmitToolEnd(ToolEnd{CallID: call.ID, Result: invokeErr.Error(), OK: false})
				results = append(results, anthropicBlock{
					Type:      "tool_result",
					ToolUseID: call.ID,
					Content:   invokeErr.Error(),
					IsError:   true,
				})
				continue
			}
			req.Handlers.EmitToolEnd(ToolEnd{CallID: call.ID, Result: out, OK: true})
			results = append(results, anthropicBlock{Type: "tool_result", ToolUseID: call.ID, Content: out})
		}
		messages = append(messages, anthropicMessage{Role: "user", Content: results})
	}

	err := fmt.Errorf("tool loop exceeded %d rounds", b.maxToolRounds)
	req.Handlers.EmitError(err.Error())
	return err
}

func (b *AnthropicBackend) toolDefinitions() []anthropicTool {
	if b.tools == nil {
		return nil
	}
	available := b.tools.Tools()
	if len(available) == 0 {
		return nil
	}
	defs := make([]anthropicTool, 0, len(available))
	for _, tool := range available {
		schema := bytes.TrimSpace(tool.InputSchema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// stream performs one messages call and returns the turn's content
// blocks once the stream ends.
func (b *AnthropicBackend) stream(ctx context.Context, system string, messages []anthropicMessage, tools []anthropicTool, handlers Handlers) ([]anthropicBlock, error) {
	payload := anthropicRequest{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		Stream:    true,
		System:    system,
		Messages:  messages,
		Tools:     tools,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call anthropic api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAnthropicAPIError(resp)
	}

	return parseAnthropicStream(io.LimitReader(resp.Body, maxStreamBytes), handlers)
}

// parseAnthropicStream consumes the SSE body incrementally, emitting
// raw events as they arrive and one assistant chunk per completed text
// block.
func parseAnthropicStream(reader io.Reader, handlers Handlers) ([]anthropicBlock, error) {
	stream := bufio.NewReader(reader)
	content := make([]anthropicBlock, 0, 4)
	toolInputs := make(map[int]*strings.Builder)
	emitted := make(map[int]bool)
	dataLines := make([]string, 0, 4)
	eventType := ""
	seenData := false

	ensureIndex := func(index int) error {
		if index < 0 {
			return fmt.Errorf("anthropic stream block index out of range: %d", index)
		}
		if index >= len(content) {
			content = append(content, make([]anthropicBlock, index-len(content)+1)...)
		}
		return nil
	}

	finalizeToolInput := func(index int) error {
		builder := toolInputs[index]
		if builder == nil || builder.Len() == 0 {
			return nil
		}
		raw := strings.TrimSpace(builder.String())
		delete(toolInputs, index)
		if raw == "" {
			return nil
		}
		if err := ensureIndex(index); err != nil {
			return err
		}
		var input json.RawMessage
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return fmt.Errorf("parse anthropic tool_use input at index %d: %w", index, err)
		}
		content[index].Input = input
		return nil
	}

	emitTextBlock := func(index int) {
		if emitted[index] || index >= len(content) {
			return
		}
		block := content[index]
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			handlers.EmitAssistantChunk(block.Text)
			emitted[index] = true
		}
	}

	type sseEvent struct {
		Type         string             `json:"type"`
		Index        int                `json:"index"`
		ContentBlock *anthropicBlock    `json:"content_block"`
		Delta        *anthropicSSEDelta `json:"delta"`
		Error        *anthropicAPIError `json:"error"`
	}

	processDataLines := func(name string, lines []string) (bool, error) {
		if len(lines) == 0 {
			return false, nil
		}
		payload := strings.TrimSpace(strings.Join(lines, "\n"))
		if payload == "" || payload == "[DONE]" {
			return false, nil
		}
		seenData = true
		handlers.EmitRaw(json.RawMessage(payload))

		var event sseEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return false, fmt.Errorf("parse anthropic stream event: %w", err)
		}

		kind := strings.TrimSpace(event.Type)
		if kind == "" {
			kind = strings.TrimSpace(name)
		}

		switch kind {
		case "content_block_start":
			if err := ensureIndex(event.Index); err != nil {
				return false, err
			}
			if event.ContentBlock != nil {
				content[event.Index] = *event.ContentBlock
			}
		case "content_block_delta":
			if err := ensureIndex(event.Index); err != nil {
				return false, err
			}
			if event.Delta == nil {
				break
			}
			block := content[event.Index]
			switch event.Delta.Type {
			case "text_delta":
				if block.Type == "" {
					block.Type = "text"
				}
				block.Text += event.Delta.Text
				content[event.Index] = block
			case "input_json_delta":
				if block.Type == "" {
					block.Type = "tool_use"
				}
				builder := toolInputs[event.Index]
				if builder == nil {
					builder = &strings.Builder{}
					toolInputs[event.Index] = builder
				}
				builder.WriteString(event.Delta.PartialJSON)
				content[event.Index] = block
			}
		case "content_block_stop":
			if err := finalizeToolInput(event.Index); err != nil {
				return false, err
			}
			emitTextBlock(event.Index)
		case "message_stop":
			return true, nil
		case "error":
			message := "unknown stream failure"
			if event.Error != nil && strings.TrimSpace(event.Error.Message) != "" {
				message = event.Error.Message
			}
			return false, fmt.Errorf("anthropic stream error: %s", message)
		}
		return false, nil
	}

	finish := func() ([]anthropicBlock, error) {
		for index := range toolInputs {
			if err := finalizeToolInput(index); err != nil {
				return nil, err
			}
		}
		for index := range content {
			emitTextBlock(index)
		}
		compacted := make([]anthropicBlock, 0, len(content))
		for _, block := range content {
			if strings.TrimSpace(block.Type) == "" {
				continue
			}
			compacted = append(compacted, block)
		}
		return compacted, nil
	}

	for {
		line, err := stream.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case trimmed == "":
				done, parseErr := processDataLines(eventType, dataLines)
				if parseErr != nil {
					return nil, parseErr
				}
				if done {
					return finish()
				}
				eventType = ""
				dataLines = dataLines[:0]
			case strings.HasPrefix(trimmed, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
			case strings.HasPrefix(trimmed, "data:"):
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if len(dataLines) > 0 {
		done, parseErr := processDataLines(eventType, dataLines)
		if parseErr != nil {
			return nil, parseErr
		}
		if done {
			return finish()
		}
	}

	if !seenData {
		return nil, errors.New("anthropic stream ended without data")
	}
	return finish()
}

type anthropicSSEDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

func toolUseBlocks(blocks []anthropicBlock) []anthropicBlock {
	var out []anthropicBlock
	for _, block := range blocks {
		if block.Type == "tool_use" {
			out = append(out, block)
		}
	}
	return out
}

func parseAnthropicAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStreamBytes))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed anthropicErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("anthropic rate limited: %s", message)
	}
	return fmt.Errorf("anthropic api status %d: %s", resp.StatusCode, message)
}
