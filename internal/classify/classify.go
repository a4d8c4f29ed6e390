// Package classify maps raw upstream failures onto the small fixed set of
// user-facing categories. Everything here is pure and total.
package classify

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"zbot/internal/llm"
)

// Category is a user-facing failure class.
type Category string

const (
	UpstreamDown       Category = "upstream_down"
	QuotaExceeded      Category = "quota_exceeded"
	RateLimited        Category = "rate_limited"
	AuthInvalid        Category = "auth_invalid"
	ServiceUnavailable Category = "service_unavailable"
)

// MaxFragmentRunes is the longest streamed fragment treated as ordinary content.
const MaxFragmentRunes = 500

// ErrorMarker prefixes error text that some backends write into the content stream.
const ErrorMarker = "[ERROR]"

var messages = map[Category]string{
	UpstreamDown:       "OpenAI is down",
	QuotaExceeded:      "Quota limit reached",
	RateLimited:        "Rate limit reached",
	AuthInvalid:        "API key invalid",
	ServiceUnavailable: "Service unavailable",
}

// Message returns the fixed string shown to the user.
func (c Category) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[ServiceUnavailable]
}

// Fallible reports whether the failure is one the canned responder should
// paper over instead of surfacing an error.
func (c Category) Fallible() bool {
	return c == QuotaExceeded || c == RateLimited
}

type rule struct {
	category Category
	statuses []int
	needles  []string
}

// Evaluated in order; first match wins.
var rules = []rule{
	{UpstreamDown, []int{520, http.StatusBadGateway, http.StatusServiceUnavailable}, []string{"520", "502", "503", "<!doctype", "<html"}},
	{QuotaExceeded, nil, []string{"quota", "billing", "insufficient"}},
	{RateLimited, []int{http.StatusTooManyRequests}, []string{"rate limit", "rate_limit", "429"}},
	{AuthInvalid, []int{http.StatusUnauthorized}, []string{"401", "unauthorized", "api key", "api_key"}},
}

// Classify maps a raw failure onto a category.
func Classify(raw llm.RawError) Category {
	text := strings.ToLower(raw.Message)
	if raw.Err != nil {
		text += " " + strings.ToLower(raw.Err.Error())
	}
	for _, r := range rules {
		for _, s := range r.statuses {
			if raw.StatusCode == s {
				return r.category
			}
		}
		for _, n := range r.needles {
			if strings.Contains(text, n) {
				return r.category
			}
		}
	}
	return ServiceUnavailable
}

// Error classifies any error, using the structured RawError when one is wrapped.
func Error(err error) Category {
	if err == nil {
		return ServiceUnavailable
	}
	var raw *llm.RawError
	if errors.As(err, &raw) {
		return Classify(*raw)
	}
	return Classify(llm.RawError{Kind: llm.KindUnknown, Message: err.Error()})
}

// IsAnomalous reports whether a streamed fragment looks like error text
// rather than model output.
func IsAnomalous(fragment string) bool {
	if utf8.RuneCountInString(fragment) > MaxFragmentRunes {
		return true
	}
	if strings.HasPrefix(fragment, ErrorMarker) {
		return true
	}
	return strings.Contains(strings.ToLower(fragment), "<!doctype")
}

// Fragment classifies an anomalous fragment.
func Fragment(fragment string) Category {
	return Classify(llm.RawError{Kind: llm.KindAnomalous, Message: fragment})
}
