// Package webchat serves a browser chat over a single WebSocket
// endpoint. Clients connect to /ws?target=<room> and exchange JSON
// frames: {"text": ...} inbound, typed frames outbound. Several tabs
// may share a target; run output is broadcast to all of them.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/channel"
	"hermit.local/hermit/internal/types"
)

const (
	ChannelName = "webchat"

	defaultAuthor = "user"
	maxFrameBytes = 1 << 16
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
)

const (
	frameMessage    = "message"
	frameTyping     = "typing"
	frameTypingStop = "typing_stop"
	frameTool       = "tool"
	frameDone       = "done"
)

type inboundFrame struct {
	Text string `json:"text"`
}

type outboundFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
	CallID string `json:"call_id,omitempty"`
	Done   bool   `json:"done,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Channel struct {
	addr   string
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	listen func(types.InboundEvent)
	conns  map[string]map[*wsConn]struct{}
}

type Option func(*Channel)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func New(addr string, opts ...Option) *Channel {
	c := &Channel{
		addr:   addr,
		logger: zerolog.Nop(),
		conns:  make(map[string]map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Name() string { return ChannelName }

func (c *Channel) Listen(fn func(types.InboundEvent)) {
	c.mu.Lock()
	c.listen = fn
	c.mu.Unlock()
}

// CustomPrompt tells the model how replies render on this surface.
func (c *Channel) CustomPrompt() string {
	return "Replies render in a web chat window that supports Markdown."
}

func (c *Channel) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("webchat channel already started")
	}
	if c.listen == nil {
		return fmt.Errorf("webchat channel has no listener")
	}

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	c.server = server
	c.ln = ln
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("webchat server error")
		}
	}()

	c.logger.Info().Str("addr", ln.Addr().String()).Msg("webchat channel started")
	return nil
}

// Addr reports the bound address, useful when addr was ":0".
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.ln = nil
	var conns []*wsConn
	for _, set := range c.conns {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	c.conns = make(map[string]map[*wsConn]struct{})
	c.mu.Unlock()

	if server == nil {
		return nil
	}

	for _, conn := range conns {
		conn.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown webchat server: %w", err)
	}
	c.logger.Info().Msg("webchat channel stopped")
	return nil
}

func (c *Channel) CreateHandler(event types.InboundEvent) channel.OutputHandler {
	return &outputHandler{ch: c, target: event.Target}
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		http.Error(w, "target query parameter is required", http.StatusBadRequest)
		return
	}
	author := strings.TrimSpace(r.URL.Query().Get("author"))
	if author == "" {
		author = defaultAuthor
	}

	c.mu.Lock()
	listen := c.listen
	c.mu.Unlock()
	if listen == nil {
		http.Error(w, "channel is not accepting messages", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isOriginAllowed}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("webchat upgrade failed")
		return
	}

	conn := &wsConn{conn: raw}
	c.addConn(target, conn)
	c.logger.Debug().Str("target", target).Msg("webchat client connected")

	done := make(chan struct{})
	go c.pingLoop(conn, done)
	defer func() {
		close(done)
		c.removeConn(target, conn)
		conn.close()
		c.logger.Debug().Str("target", target).Msg("webchat client disconnected")
	}()

	raw.SetReadLimit(maxFrameBytes)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("webchat read ended")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed webchat frame")
			continue
		}
		if strings.TrimSpace(frame.Text) == "" {
			continue
		}

		listen(types.InboundEvent{
			Channel:    ChannelName,
			Target:     target,
			Author:     author,
			Text:       frame.Text,
			ReceivedAt: time.Now().UTC(),
		})
	}
}

func (c *Channel) pingLoop(conn *wsConn, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (c *Channel) addConn(target string, conn *wsConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[target] == nil {
		c.conns[target] = make(map[*wsConn]struct{})
	}
	c.conns[target][conn] = struct{}{}
}

func (c *Channel) removeConn(target string, conn *wsConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns[target], conn)
	if len(c.conns[target]) == 0 {
		delete(c.conns, target)
	}
}

func (c *Channel) broadcast(target string, frame outboundFrame) error {
	c.mu.Lock()
	conns := make([]*wsConn, 0, len(c.conns[target]))
	for conn := range c.conns[target] {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	if len(conns) == 0 {
		return fmt.Errorf("no webchat client connected for %s", target)
	}
	for _, conn := range conns {
		if err := conn.writeJSON(frame); err != nil {
			c.logger.Debug().Err(err).Str("target", target).Msg("webchat write failed")
		}
	}
	return nil
}

type outputHandler struct {
	ch     *Channel
	target string

	mu     sync.Mutex
	typing bool
	ended  bool
}

func (h *outputHandler) Relay(text string) error {
	return h.ch.broadcast(h.target, outboundFrame{Type: frameMessage, Text: text})
}

func (h *outputHandler) RelayEvent(event channel.ToolEvent) error {
	return h.ch.broadcast(h.target, outboundFrame{
		Type:   frameTool,
		Tool:   event.Name,
		CallID: event.CallID,
		Done:   event.Done,
		OK:     event.OK,
		Detail: event.Detail,
	})
}

func (h *outputHandler) StartTyping() {
	h.mu.Lock()
	if h.typing {
		h.mu.Unlock()
		return
	}
	h.typing = true
	h.mu.Unlock()
	_ = h.ch.broadcast(h.target, outboundFrame{Type: frameTyping})
}

func (h *outputHandler) StopTyping() {
	h.mu.Lock()
	if !h.typing {
		h.mu.Unlock()
		return
	}
	h.typing = false
	h.mu.Unlock()
	_ = h.ch.broadcast(h.target, outboundFrame{Type: frameTypingStop})
}

func (h *outputHandler) EndMessage() {
	h.StopTyping()

	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return
	}
	h.ended = true
	h.mu.Unlock()
	_ = h.ch.broadcast(h.target, outboundFrame{Type: frameDone})
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func isOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
