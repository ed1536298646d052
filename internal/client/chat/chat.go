// Package chat reacts to direct-message signals by fetching the conversation
// from the REST backend. The relay never carries message bodies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Comms/internal/domain"
	"github.com/dkeye/Comms/internal/eventsub"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

var ErrNoConversation = errors.New("direct-message without conversation id")

type Message struct {
	ID             uint64    `json:"id"`
	ConversationID uint64    `json:"conversation_id"`
	SenderID       uint64    `json:"sender_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID                  uint64    `json:"id"`
	LastMessageAt       time.Time `json:"last_message_at"`
	LastMessagePreview  string    `json:"last_message_preview"`
	LastMessageSenderID uint64    `json:"last_message_sender_id"`
	Messages            []Message `json:"messages,omitempty"`
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Notifier struct {
	http    *resty.Client
	updates *eventsub.EventSub[Conversation]
}

func New(opts Options) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		hc.SetAuthToken(opts.Token)
	}
	return &Notifier{http: hc, updates: eventsub.New[Conversation]()}
}

// Updates delivers every conversation fetched after a signal.
func (n *Notifier) Updates(buf int) (<-chan Conversation, func()) {
	return n.updates.Subscribe(buf)
}

// HandleEnvelope fetches the conversation named by a direct-message signal.
// Other envelope types are ignored.
func (n *Notifier) HandleEnvelope(ctx context.Context, env domain.Envelope) error {
	if env.Type != domain.TypeDirectMessage {
		return nil
	}
	var p domain.DirectMessagePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return ErrNoConversation
	}
	conv, err := n.Fetch(ctx, p.ConversationID)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.chat").Str("conversation", p.ConversationID).Msg("fetch after signal")
		return err
	}
	log.Info().Str("module", "client.chat").Str("from", string(env.From)).Str("conversation", p.ConversationID).Int("messages", len(conv.Messages)).Msg("conversation updated")
	n.updates.Publish(conv)
	return nil
}

func (n *Notifier) Fetch(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	res, err := n.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&conv).
		Get("/api/messages/conversations/{id}")
	if err != nil {
		return conv, fmt.Errorf("fetch conversation %s: %w", id, err)
	}
	if res.IsError() {
		return conv, fmt.Errorf("fetch conversation %s: %s", id, res.Status())
	}
	return conv, nil
}

func (n *Notifier) Close() {
	n.updates.Close()
}
