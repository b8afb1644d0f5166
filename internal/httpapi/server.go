// Package httpapi exposes the operator surface: synthetic event
// injection, config reload and a health probe.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/types"
)

const maxEventBytes int64 = 1 << 20

// Inbound accepts injected events. Dispatcher satisfies it.
type Inbound interface {
	HandleInbound(event types.InboundEvent)
}

// Reloader re-reads configuration and applies it live.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloaderFunc adapts a function to the Reloader interface.
type ReloaderFunc func(ctx context.Context) error

func (f ReloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

type server struct {
	logger   zerolog.Logger
	inbound  Inbound
	reloader Reloader
}

func NewServer(addr string, inbound Inbound, reloader Reloader, logger zerolog.Logger) *http.Server {
	h := &server{
		logger:   logger,
		inbound:  inbound,
		reloader: reloader,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/events", h.handleEvents)
	mux.HandleFunc("/v1/reload", h.handleReload)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEvents injects a synthetic inbound event, taking the same path
// through the dispatcher as channel and cron events.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var event types.InboundEvent
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&event); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(event.Author) == "" {
		event.Author = types.SystemAuthor
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid event: %v", err), http.StatusBadRequest)
		return
	}

	s.inbound.HandleInbound(event)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"session":  event.SessionKey(),
	})
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reloader == nil {
		http.Error(w, "reload not configured", http.StatusNotImplemented)
		return
	}

	if err := s.reloader.Reload(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("reload failed")
		http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.logger.Info().Msg("config reloaded via http")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
