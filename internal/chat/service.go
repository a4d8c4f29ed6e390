// Package chat answers single messages synchronously, for the HTTP endpoint
// and for chat channels such as Telegram.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"zbot/internal/channel"
	"zbot/internal/classify"
	"zbot/internal/eventbus"
	"zbot/internal/fallback"
	"zbot/internal/llm"
)

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("message must not be empty")

// ReplyError is a failure the canned responder could not cover.
type ReplyError struct {
	Category classify.Category
	Err      error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Category, e.Err)
}

func (e *ReplyError) Unwrap() error { return e.Err }

// Service produces one complete reply per message.
type Service struct {
	provider  llm.Provider
	opts      llm.Options
	responder *fallback.Responder
	bus       *eventbus.Bus
}

// New creates a chat service. bus may be nil.
func New(provider llm.Provider, opts llm.Options, responder *fallback.Responder, bus *eventbus.Bus) *Service {
	if responder == nil {
		responder = fallback.New()
	}
	return &Service{
		provider:  provider,
		opts:      opts,
		responder: responder,
		bus:       bus,
	}
}

// Reply returns the provider's full answer. Quota and rate-limit failures are
// answered by the canned responder; anything else is a *ReplyError.
func (s *Service) Reply(ctx context.Context, message string) (string, error) {
	return s.reply(ctx, eventbus.SourceHTTP, message)
}

func (s *Service) reply(ctx context.Context, source eventbus.Source, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	start := time.Now()
	outcome := eventbus.Outcome{Source: source, Provider: s.provider.Name()}

	text, err := s.provider.GenerateOnce(ctx, message, s.opts)
	outcome.Duration = time.Since(start)
	if err == nil {
		s.publish(eventbus.TopicReplyCompleted, outcome)
		return text, nil
	}

	category := classify.Error(err)
	outcome.Category = string(category)
	outcome.Detail = err.Error()
	s.publish(eventbus.TopicReplyFailed, outcome)
	log.Printf("[chat] %s provider error (%s): %v", s.provider.Name(), category, err)

	if category.Fallible() {
		return s.responder.Respond(message), nil
	}
	return "", &ReplyError{Category: category, Err: err}
}

// Serve answers inbound messages from every running channel in mgr.
func (s *Service) Serve(ctx context.Context, mgr *channel.Manager) {
	for name, running := range mgr.List() {
		if !running {
			continue
		}
		ch, ok := mgr.Get(name)
		if !ok {
			continue
		}
		s.Attach(ctx, ch)
	}
}

// Attach answers every message ch delivers. It may be called before the
// channel is started.
func (s *Service) Attach(ctx context.Context, ch channel.Channel) {
	ch.OnMessage(func(msg channel.InboundMessage) {
		s.handleMessage(ctx, ch, msg)
	})
	log.Printf("[chat] serving channel %s", ch.Name())
}

func (s *Service) handleMessage(ctx context.Context, ch channel.Channel, msg channel.InboundMessage) {
	log.Printf("[chat] message from %s (%s)", msg.SenderName, msg.ChannelName)

	if typer, ok := ch.(channel.Typer); ok && strings.TrimSpace(msg.Text) != "" {
		if err := typer.Typing(ctx, msg.ChatID); err != nil {
			log.Printf("[chat] typing indicator on %s: %v", msg.ChannelName, err)
		}
	}

	response, err := s.reply(ctx, eventbus.Source(msg.ChannelName), msg.Text)
	if err != nil {
		var replyErr *ReplyError
		switch {
		case errors.As(err, &replyErr):
			response = replyErr.Category.Message()
		case errors.Is(err, ErrEmptyMessage):
			return
		default:
			response = classify.ServiceUnavailable.Message()
		}
	}

	if err := ch.Send(ctx, channel.OutboundMessage{ChatID: msg.ChatID, Text: response}); err != nil {
		log.Printf("[chat] error sending response on %s: %v", msg.ChannelName, err)
	}
}

func (s *Service) publish(topic eventbus.Topic, payload eventbus.Outcome) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
