package eventbus

import "time"

// Topic represents an event topic.
type Topic string

const (
	TopicSessionOpened   Topic = "session_opened"
	TopicSessionClosed   Topic = "session_closed"
	TopicMessageReceived Topic = "message_received"
	TopicStreamCompleted Topic = "stream_completed"
	TopicStreamFailed    Topic = "stream_failed"
	TopicReplyCompleted  Topic = "reply_completed"
	TopicReplyFailed     Topic = "reply_failed"
)

// Event is a message passed through the event bus.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler processes an event.
type Handler func(Event)

// Source names the surface a message came in on.
type Source string

const (
	SourceRelay    Source = "relay"
	SourceHTTP     Source = "http"
	SourceTelegram Source = "telegram"
)

// Outcome is the payload of the completed/failed topics. It never carries
// message text. Detail holds the raw upstream error for server-side use only.
type Outcome struct {
	Source    Source        `json:"source"`
	SessionID string        `json:"session_id,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Provider  string        `json:"provider"`
	Category  string        `json:"category,omitempty"`
	Detail    string        `json:"-"`
	Fragments int           `json:"fragments,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Session is the payload of the session topics.
type Session struct {
	ID     string `json:"id"`
	Remote string `json:"remote"`
}
