// Package agent defines the pluggable backend contract and the
// normalized event stream every backend produces. Backends run one
// prompt to completion, emitting events through Handlers; cooperative
// cancellation arrives via the context.
package agent

import (
	"context"
	"encoding/json"
)

// Backend executes one prompt. Run returns nil on success, the context
// error when cancelled mid-flight, and any other error on backend
// failure. Backends must stop generation and tool execution promptly
// once the context is done.
type Backend interface {
	Name() string
	Run(ctx context.Context, req Request) error
}

// Instructor is implemented by backends that contribute their own
// standing instructions to the system prompt.
type Instructor interface {
	CustomInstructions() string
}

// Modeler is implemented by backends that expose the underlying model
// identifier for trace records.
type Modeler interface {
	Model() string
}

// Request carries the inputs for one run. Handlers may be partially
// populated; emit helpers tolerate nil callbacks.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Handlers     Handlers
}

// ToolStart announces a tool invocation.
type ToolStart struct {
	Name   string
	CallID string
	Args   string
}

// ToolEnd reports a tool invocation result.
type ToolEnd struct {
	CallID string
	Result string
	OK     bool
}

// Handlers receives the normalized event stream: assistant chunks
// (intermediate or final text), tool call pairs and error messages.
// Raw receives backend wire events untouched, for diagnostics only.
type Handlers struct {
	AssistantChunk func(text string)
	ToolStart      func(ToolStart)
	ToolEnd        func(ToolEnd)
	Error          func(message string)
	Raw            func(event json.RawMessage)
}

func (h Handlers) EmitAssistantChunk(text string) {
	if h.AssistantChunk != nil {
		h.AssistantChunk(text)
	}
}

func (h Handlers) EmitToolStart(ev ToolStart) {
	if h.ToolStart != nil {
		h.ToolStart(ev)
	}
}

func (h Handlers) EmitToolEnd(ev ToolEnd) {
	if h.ToolEnd != nil {
		h.ToolEnd(ev)
	}
}

func (h Handlers) EmitError(message string) {
	if h.Error != nil {
		h.Error(message)
	}
}

func (h Handlers) EmitRaw(event json.RawMessage) {
	if h.Raw != nil {
		h.Raw(event)
	}
}

// Tool describes one invokable tool in backend-neutral terms.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolExecutor supplies tool descriptors and executes calls. The
// contract is data-in/data-out text: arguments arrive as a JSON string,
// results return as plain text.
type ToolExecutor interface {
	Tools() []Tool
	Invoke(ctx context.Context, name, args string) (string, error)
}
