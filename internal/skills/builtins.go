package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/store"
)

// MemoryReader is the slice of the store the memory builtin needs.
type MemoryReader interface {
	GetMemoryDoc(ctx context.Context, title string) (store.MemoryDocRecord, error)
	ListMemoryDocs(ctx context.Context) ([]store.MemoryDocRecord, error)
}

// MemoryBuiltin exposes long-term memory documents to the agent. The
// system prompt lists titles only; the agent calls this to pull a body.
func MemoryBuiltin(reader MemoryReader) Builtin {
	return Builtin{
		Tool: agent.Tool{
			Name:        "memory",
			Description: "Fetch the full body of a long-term memory document by its title. Call with an empty title to list available titles.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string","description":"Exact title of the memory document"}},"required":[]}`),
		},
		Run: func(ctx context.Context, args string) (string, error) {
			var parsed struct {
				Title string `json:"title"`
			}
			if trimmed := strings.TrimSpace(args); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
					return "", fmt.Errorf("parse memory arguments: %w", err)
				}
			}

			title := strings.TrimSpace(parsed.Title)
			if title == "" {
				docs, err := reader.ListMemoryDocs(ctx)
				if err != nil {
					return "", fmt.Errorf("list memory documents: %w", err)
				}
				if len(docs) == 0 {
					return "No memory documents exist yet.", nil
				}
				titles := make([]string, 0, len(docs))
				for _, doc := range docs {
					titles = append(titles, "- "+doc.Title)
				}
				return "Available memory documents:\n" + strings.Join(titles, "\n"), nil
			}

			doc, err := reader.GetMemoryDoc(ctx, title)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Sprintf("No memory document titled %q.", title), nil
			}
			if err != nil {
				return "", fmt.Errorf("get memory document: %w", err)
			}
			return doc.Body, nil
		},
	}
}

// TimeBuiltin reports the current wall-clock time. now is injectable
// for tests; pass nil for time.Now.
func TimeBuiltin(now func() time.Time) Builtin {
	if now == nil {
		now = time.Now
	}
	return Builtin{
		Tool: agent.Tool{
			Name:        "time",
			Description: "Get the current date and time.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
		Run: func(ctx context.Context, args string) (string, error) {
			return now().Format("Monday, 2006-01-02 15:04:05 MST"), nil
		},
	}
}
