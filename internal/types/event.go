package types

import (
	"errors"
	"strings"
	"time"
)

// SystemAuthor marks events that were generated by hermit itself
// (cron jobs, operator injection) rather than a human on a channel.
const SystemAuthor = "system"

// Attachment references channel-hosted media by URL. Binary payloads are
// never embedded in events or persisted messages.
type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	MIME string `json:"mime,omitempty"`
}

// InboundEvent is the single shape every event source produces: chat
// channels, the cron scheduler and the HTTP injection endpoint all feed
// the dispatcher with it.
type InboundEvent struct {
	Channel     string       `json:"channel"`
	Target      string       `json:"target"`
	Author      string       `json:"author,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at,omitempty"`
}

// SessionKey derives the conversation identity for an event.
func (e InboundEvent) SessionKey() string {
	return SessionKey(e.Channel, e.Target)
}

// IsSystem reports whether the event was synthesized rather than typed
// by a channel user.
func (e InboundEvent) IsSystem() bool {
	return e.Author == SystemAuthor
}

// Validate checks the fields every consumer relies on.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.Channel) == "" {
		return errors.New("inbound event missing channel")
	}
	if strings.TrimSpace(e.Target) == "" {
		return errors.New("inbound event missing target")
	}
	if strings.TrimSpace(e.Text) == "" {
		return errors.New("inbound event missing text")
	}
	return nil
}

// SessionKey builds the canonical session key for a channel/target pair.
func SessionKey(channel, target string) string {
	return strings.TrimSpace(channel) + ":" + strings.TrimSpace(target)
}

// SplitSessionKey is the inverse of SessionKey. The second return is the
// target, which may itself contain colons.
func SplitSessionKey(key string) (channel, target string, err error) {
	channel, target, found := strings.Cut(key, ":")
	if !found || strings.TrimSpace(channel) == "" || strings.TrimSpace(target) == "" {
		return "", "", errors.New("session key must be channel:target")
	}
	return strings.TrimSpace(channel), strings.TrimSpace(target), nil
}
