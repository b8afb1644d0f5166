// Package skills is the plugin registry for agent tools. Tools come
// from two places: in-process builtins and HTTP tool hosts discovered
// by Refresh. Discovery is deliberately uncached; the dispatcher calls
// Refresh once per run so hosts can add or drop tools between turns.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/agent"
)

const maxBodyBytes = 1 << 20

// HostConfig points at one HTTP tool host.
type HostConfig struct {
	Name    string
	BaseURL string
}

// Builtin is an in-process tool. Run receives the raw JSON arguments
// and returns plain text.
type Builtin struct {
	Tool agent.Tool
	Run  func(ctx context.Context, args string) (string, error)
}

type Registry struct {
	hosts      []HostConfig
	builtins   map[string]Builtin
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.RWMutex
	routes map[string]string
	defs   map[string]agent.Tool
}

var _ agent.ToolExecutor = (*Registry)(nil)

type Option func(*Registry)

func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.httpClient = client
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithBuiltins(builtins ...Builtin) Option {
	return func(r *Registry) {
		for _, builtin := range builtins {
			name := strings.TrimSpace(builtin.Tool.Name)
			if name == "" || builtin.Run == nil {
				continue
			}
			builtin.Tool.Name = name
			r.builtins[name] = builtin
		}
	}
}

func New(hosts []HostConfig, opts ...Option) *Registry {
	r := &Registry{
		hosts:    normalizeHosts(hosts),
		builtins: make(map[string]Builtin),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: zerolog.Nop(),
		routes: make(map[string]string),
		defs:   make(map[string]agent.Tool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type discoveryResponse struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type callRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type callResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Refresh re-scans every host for its current tool set. A host that
// fails to answer is skipped with a warning; its tools drop out until
// the next refresh that reaches it.
func (r *Registry) Refresh(ctx context.Context) error {
	routes := make(map[string]string)
	defs := make(map[string]agent.Tool)

	for _, host := range r.hosts {
		if err := ctx.Err(); err != nil {
			return err
		}

		discoveryURL := host.BaseURL + "/v1/tools"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
		if err != nil {
			r.logger.Warn().Str("host", host.Name).Err(err).Msg("tool discovery skipped")
			continue
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.logger.Warn().Str("host", host.Name).Err(err).Msg("tool discovery failed")
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			_ = resp.Body.Close()
			r.logger.Warn().
				Str("host", host.Name).
				Int("status", resp.StatusCode).
				Str("body", strings.TrimSpace(string(body))).
				Msg("tool discovery rejected")
			continue
		}

		var parsed discoveryResponse
		decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&parsed)
		_ = resp.Body.Close()
		if decodeErr != nil {
			r.logger.Warn().Str("host", host.Name).Err(decodeErr).Msg("tool discovery decode failed")
			continue
		}

		for _, tool := range parsed.Tools {
			name := strings.TrimSpace(tool.Name)
			if name == "" {
				continue
			}
			if _, shadowed := r.builtins[name]; shadowed {
				r.logger.Warn().Str("tool", name).Str("host", host.Name).Msg("host tool shadowed by builtin")
				continue
			}
			if prev, exists := routes[name]; exists && prev != host.BaseURL {
				r.logger.Warn().Str("tool", name).Str("prev", prev).Str("host", host.BaseURL).Msg("duplicate tool name")
			}
			routes[name] = host.BaseURL
			defs[name] = agent.Tool{
				Name:        name,
				Description: tool.Description,
				InputSchema: append(json.RawMessage(nil), tool.InputSchema...),
			}
		}
	}

	r.mu.Lock()
	r.routes = routes
	r.defs = defs
	r.mu.Unlock()
	return nil
}

// Tools returns the current descriptor snapshot, builtins included,
// sorted by name.
func (r *Registry) Tools() []agent.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]agent.Tool, 0, len(r.defs)+len(r.builtins))
	for _, tool := range r.defs {
		tools = append(tools, agent.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: append(json.RawMessage(nil), tool.InputSchema...),
		})
	}
	for _, builtin := range r.builtins {
		tools = append(tools, builtin.Tool)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// Invoke routes a call to the builtin or host that owns the tool.
func (r *Registry) Invoke(ctx context.Context, name, args string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("tool name is required")
	}

	if builtin, ok := r.builtins[name]; ok {
		return builtin.Run(ctx, args)
	}

	r.mu.RLock()
	baseURL, ok := r.routes[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	arguments := json.RawMessage(strings.TrimSpace(args))
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(callRequest{Tool: name, Arguments: arguments})
	if err != nil {
		return "", fmt.Errorf("marshal tool call: %w", err)
	}

	callURL := baseURL + "/v1/tools/call"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tool call: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call tool host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("tool host status %d: %s", resp.StatusCode, message)
	}

	var parsed callResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode tool call response: %w", err)
	}
	if strings.TrimSpace(parsed.Error) != "" {
		return "", fmt.Errorf("tool %s: %s", name, parsed.Error)
	}
	return parsed.Result, nil
}

func normalizeHosts(hosts []HostConfig) []HostConfig {
	normalized := make([]HostConfig, 0, len(hosts))
	for _, host := range hosts {
		baseURL := strings.TrimSuffix(strings.TrimSpace(host.BaseURL), "/")
		if baseURL == "" {
			continue
		}
		normalized = append(normalized, HostConfig{
			Name:    strings.TrimSpace(host.Name),
			BaseURL: baseURL,
		})
	}
	return normalized
}
