// Package discord adapts a Discord bot account into a hermit channel.
// Guild messages keep the Discord channel id as their target; direct
// messages use dm:<user id> so scheduled jobs can address a person
// without knowing Discord's internal DM channel ids.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/channel"
	"hermit.local/hermit/internal/types"
)

const (
	ChannelName = "discord"

	dmPrefix       = "dm:"
	maxMessageLen  = 2000
	typingInterval = 8 * time.Second
)

// sender is the slice of discordgo.Session the output side uses.
type sender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

type Channel struct {
	token  string
	logger zerolog.Logger

	mu      sync.Mutex
	session *discordgo.Session
	sender  sender
	listen  func(types.InboundEvent)
}

type Option func(*Channel)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func New(token string, opts ...Option) *Channel {
	c := &Channel{token: token, logger: zerolog.Nop()}
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

func (c *Channel) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return fmt.Errorf("discord channel already started")
	}
	if c.listen == nil {
		return fmt.Errorf("discord channel has no listener")
	}

	s, err := discordgo.New(normalizeBotToken(c.token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.AddHandler(c.handleMessage)
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.session = s
	c.sender = s
	c.logger.Info().Msg("discord channel started")
	return nil
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	c.logger.Info().Msg("discord channel stopped")
	return nil
}

// CustomPrompt tells the model how replies render on this surface.
func (c *Channel) CustomPrompt() string {
	return "Replies are delivered as Discord messages. Use plain Discord-flavored Markdown, no HTML. Long replies are split at 2000 characters, so prefer short messages."
}

func (c *Channel) CreateHandler(event types.InboundEvent) channel.OutputHandler {
	c.mu.Lock()
	snd := c.sender
	c.mu.Unlock()
	return &outputHandler{target: event.Target, sender: snd, logger: c.logger}
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot {
		return
	}

	c.mu.Lock()
	listen := c.listen
	c.mu.Unlock()
	if listen == nil {
		return
	}

	receivedAt := m.Timestamp.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	target := m.ChannelID
	if m.GuildID == "" {
		target = dmPrefix + m.Author.ID
	}

	listen(types.InboundEvent{
		Channel:     ChannelName,
		Target:      target,
		Author:      m.Author.Username,
		Text:        m.Content,
		Attachments: mapAttachments(m.Attachments),
		ReceivedAt:  receivedAt,
	})
}

func mapAttachments(attachments []*discordgo.MessageAttachment) []types.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	mapped := make([]types.Attachment, 0, len(attachments))
	for _, a := range attachments {
		if a == nil {
			continue
		}
		mapped = append(mapped, types.Attachment{
			Name: a.Filename,
			URL:  a.URL,
			MIME: a.ContentType,
		})
	}
	if len(mapped) == 0 {
		return nil
	}
	return mapped
}

type outputHandler struct {
	target string
	sender sender
	logger zerolog.Logger

	mu         sync.Mutex
	resolved   string
	typing     bool
	typingStop chan struct{}
}

func (h *outputHandler) Relay(text string) error {
	if h.sender == nil {
		return fmt.Errorf("discord channel is not connected")
	}
	channelID, err := h.channelID()
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := h.sender.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// RelayEvent is a no-op on Discord; the typing indicator already
// signals tool activity and per-call messages would drown the chat.
func (h *outputHandler) RelayEvent(channel.ToolEvent) error { return nil }

func (h *outputHandler) StartTyping() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.typing || h.sender == nil {
		return
	}
	h.typing = true
	stop := make(chan struct{})
	h.typingStop = stop
	go h.keepTyping(stop)
}

func (h *outputHandler) StopTyping() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.typing {
		return
	}
	h.typing = false
	close(h.typingStop)
	h.typingStop = nil
}

func (h *outputHandler) EndMessage() {
	h.StopTyping()
}

// keepTyping re-arms the indicator until stopped; Discord drops it
// about ten seconds after each ChannelTyping call.
func (h *outputHandler) keepTyping(stop chan struct{}) {
	t := time.NewTicker(typingInterval)
	defer t.Stop()
	for {
		channelID, err := h.channelID()
		if err == nil {
			err = h.sender.ChannelTyping(channelID)
		}
		if err != nil {
			h.logger.Debug().Err(err).Msg("typing indicator failed")
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (h *outputHandler) channelID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved != "" {
		return h.resolved, nil
	}
	if userID, ok := strings.CutPrefix(h.target, dmPrefix); ok {
		ch, err := h.sender.UserChannelCreate(userID)
		if err != nil {
			return "", fmt.Errorf("open dm channel: %w", err)
		}
		h.resolved = ch.ID
		return h.resolved, nil
	}
	h.resolved = h.target
	return h.resolved, nil
}

// splitMessage chunks text at Discord's message limit, preferring to
// break on a newline, then a space, within the back half of the chunk.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := -1
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut < 0 {
			for i := limit; i > limit/2; i-- {
				if runes[i-1] == ' ' {
					cut = i
					break
				}
			}
		}
		if cut < 0 {
			cut = limit
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if tail := strings.TrimSpace(string(runes)); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
