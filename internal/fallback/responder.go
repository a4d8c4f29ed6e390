// Package fallback produces canned replies used when the upstream provider is
// out of quota or rate limited.
package fallback

import (
	"fmt"
	"strings"
)

const usageURL = "https://platform.openai.com/usage"

// EchoLimit is the number of characters of the user's message echoed back.
const EchoLimit = 50

// Entry maps a keyword to its canned reply.
type Entry struct {
	Keyword string
	Reply   string
}

// Table is a keyword lookup. Entries are checked in declaration order; the
// first keyword found in the trimmed, lowercased message wins. Default builds
// the reply when nothing matches.
type Table struct {
	Entries []Entry
	Default func(message string) string
}

// Lookup returns the reply for message.
func (t Table) Lookup(message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, e := range t.Entries {
		if strings.Contains(lower, e.Keyword) {
			return e.Reply
		}
	}
	return t.Default(message)
}

var quotaTable = Table{
	Entries: []Entry{
		{"hello", "Hello! I'm ZBot, but I'm currently running on limited mode because the OpenAI API quota has been exceeded. Please check your OpenAI billing at " + usageURL},
		{"help", "I'd love to help, but I'm currently unable to access the AI service due to quota limitations. Please add billing details to your OpenAI account or wait for quota reset."},
		{"test", "🚨 Service Status: OpenAI API quota exceeded. Please check your OpenAI account billing and usage limits at " + usageURL},
	},
	Default: func(message string) string {
		return fmt.Sprintf("I received your message: '%s' but I'm currently in limited mode due to OpenAI API quota being exceeded. Please check your billing at %s",
			Truncate(message, EchoLimit), usageURL)
	},
}

// Responder answers from a fixed keyword table.
type Responder struct{}

// New returns a Responder.
func New() *Responder {
	return &Responder{}
}

// Respond returns the reply for message. It never fails.
func (r *Responder) Respond(message string) string {
	return quotaTable.Lookup(message)
}

// Truncate shortens s to at most n characters, appending "..." when it cut anything.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
