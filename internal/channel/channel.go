// Package channel connects chat front ends (Telegram, the terminal) to the
// synchronous chat service. Each inbound text gets one complete reply.
package channel

import (
	"context"
	"time"
)

// InboundMessage is one user message delivered by a channel.
type InboundMessage struct {
	ChannelName string
	SenderID    string
	SenderName  string
	ChatID      string
	Text        string
	Timestamp   time.Time
}

// OutboundMessage is a reply addressed to the chat an InboundMessage came from.
type OutboundMessage struct {
	ChatID string
	Text   string
}

// Channel is a chat front end. Handlers registered with OnMessage are called
// from the channel's own goroutine, one message at a time.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	OnMessage(handler func(InboundMessage))
	IsRunning() bool
}

// Typer is implemented by channels that can show a "typing" indicator while
// a reply is generated.
type Typer interface {
	Typing(ctx context.Context, chatID string) error
}
