package llm

import (
	"context"
	"strconv"
	"strings"
)

// Provider is the interface all LLM backends must implement.
type Provider interface {
	// GenerateOnce sends the message and blocks until the full completion is available.
	GenerateOnce(ctx context.Context, message string, opts Options) (string, error)

	// GenerateStream sends the message and returns a channel of incremental fragments.
	// The channel is closed once the stream ends. An abnormal end is signalled by a
	// single event carrying Error before the close.
	GenerateStream(ctx context.Context, message string, opts Options) (<-chan StreamEvent, error)

	// HealthCheck is a best-effort liveness probe. It never returns an error.
	HealthCheck(ctx context.Context) bool

	// Name returns the backend name (e.g. "openai", "ollama").
	Name() string
}

// ErrorKind describes where a raw upstream failure came from.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport" // timeout, connect, certificate
	KindStatus    ErrorKind = "status"    // non-2xx response
	KindMalformed ErrorKind = "malformed" // body could not be decoded
	KindStream    ErrorKind = "stream"    // failure after the stream started
	KindAnomalous ErrorKind = "anomalous" // error text smuggled into the content channel
	KindUnknown   ErrorKind = "unknown"
)

// RawError is an unclassified upstream failure. Providers return it as-is;
// mapping it onto a user-facing category is the classifier's job.
type RawError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *RawError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(e.StatusCode))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RawError) Unwrap() error {
	return e.Err
}
