package classify

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"zbot/internal/llm"
)

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name string
		raw  llm.RawError
		want Category
	}{
		{"cloudflare 520 text", llm.RawError{Message: "Error code: 520"}, UpstreamDown},
		{"html body", llm.RawError{Message: "<!DOCTYPE html><title>oops</title>"}, UpstreamDown},
		{"html tag", llm.RawError{Message: "<HTML><body>gateway</body>"}, UpstreamDown},
		{"502 status", llm.RawError{StatusCode: 502}, UpstreamDown},
		{"503 status", llm.RawError{StatusCode: 503, Message: "busy"}, UpstreamDown},
		{"insufficient quota", llm.RawError{StatusCode: 429, Message: "insufficient_quota: You exceeded your current quota"}, QuotaExceeded},
		{"billing", llm.RawError{Message: "check your Billing details"}, QuotaExceeded},
		{"rate limit text", llm.RawError{Message: "Rate limit exceeded, retry later"}, RateLimited},
		{"rate_limit code", llm.RawError{Message: "code=rate_limit_exceeded"}, RateLimited},
		{"429 status only", llm.RawError{StatusCode: 429}, RateLimited},
		{"401 status", llm.RawError{StatusCode: 401, Message: "nope"}, AuthInvalid},
		{"api key text", llm.RawError{Message: "Incorrect API key provided"}, AuthInvalid},
		{"api_key code", llm.RawError{Message: "invalid_api_key"}, AuthInvalid},
		{"unauthorized", llm.RawError{Message: "Unauthorized"}, AuthInvalid},
		{"connection refused", llm.RawError{Kind: llm.KindTransport, Message: "dial tcp: connection refused"}, ServiceUnavailable},
		{"empty", llm.RawError{}, ServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.raw))
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	// Matches both rule 1 and rule 2.
	assert.Equal(t, UpstreamDown, Classify(llm.RawError{Message: "502 while checking quota"}))
	// Matches both rule 3 and rule 4.
	assert.Equal(t, RateLimited, Classify(llm.RawError{Message: "429 unauthorized"}))
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, QuotaExceeded, Classify(llm.RawError{Message: "QUOTA"}))
	assert.Equal(t, RateLimited, Classify(llm.RawError{Message: "RATE LIMIT"}))
}

func TestErrorUnwrapsRawError(t *testing.T) {
	raw := &llm.RawError{Provider: "openai", Kind: llm.KindStatus, StatusCode: 401}
	wrapped := fmt.Errorf("chat: %w", raw)
	assert.Equal(t, AuthInvalid, Error(wrapped))

	assert.Equal(t, RateLimited, Error(errors.New("upstream said 429")))
	assert.Equal(t, ServiceUnavailable, Error(errors.New("boom")))
	assert.Equal(t, ServiceUnavailable, Error(nil))
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "OpenAI is down", UpstreamDown.Message())
	assert.Equal(t, "Quota limit reached", QuotaExceeded.Message())
	assert.Equal(t, "Rate limit reached", RateLimited.Message())
	assert.Equal(t, "API key invalid", AuthInvalid.Message())
	assert.Equal(t, "Service unavailable", ServiceUnavailable.Message())
	assert.Equal(t, "Service unavailable", Category("bogus").Message())
}

func TestFallible(t *testing.T) {
	assert.True(t, QuotaExceeded.Fallible())
	assert.True(t, RateLimited.Fallible())
	assert.False(t, AuthInvalid.Fallible())
	assert.False(t, UpstreamDown.Fallible())
	assert.False(t, ServiceUnavailable.Fallible())
}

func TestIsAnomalous(t *testing.T) {
	assert.False(t, IsAnomalous("Hello"))
	assert.False(t, IsAnomalous(""))
	assert.False(t, IsAnomalous(strings.Repeat("a", MaxFragmentRunes)))
	assert.True(t, IsAnomalous(strings.Repeat("a", MaxFragmentRunes+1)))
	// Length is counted in characters, not bytes.
	assert.False(t, IsAnomalous(strings.Repeat("é", MaxFragmentRunes)))
	assert.True(t, IsAnomalous("[ERROR] backend crashed"))
	assert.False(t, IsAnomalous("an [ERROR] inside is fine"))
	assert.True(t, IsAnomalous("garbage <!DocType html> garbage"))
}

func TestFragment(t *testing.T) {
	assert.Equal(t, UpstreamDown, Fragment("<!DOCTYPE html><html>"))
	assert.Equal(t, QuotaExceeded, Fragment("[ERROR] insufficient_quota"))
	assert.Equal(t, ServiceUnavailable, Fragment("[ERROR] model crashed"))
}
