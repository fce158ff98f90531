// Package recovery rewrites known internal-failure diagnostics into
// user-safe notices and suppresses repeats within a per-conversation
// cooldown window.
package recovery

import (
	"strings"
	"sync"
	"time"
)

// Kind identifies the failure family a message matched.
type Kind string

const (
	KindNone            Kind = ""
	KindContextOverflow Kind = "context_overflow"
	KindRateLimit       Kind = "rate_limit"
)

// DefaultCooldown is how long duplicate notices for the same conversation
// stay suppressed.
const DefaultCooldown = 5 * time.Minute

// Substring families matched case-insensitively against outbound text.
var (
	contextOverflowPatterns = []string{
		"context length exceeded",
		"context_length_exceeded",
		"maximum context length",
		"context window is full",
		"conversation is too long",
		"prompt is too long",
	}
	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit_error",
		"too many requests",
		"429",
		"overloaded_error",
	}
)

const (
	contextOverflowNotice = "I lost track of the earlier conversation because it grew too long. Could you restate the key points and I'll pick it up from there?"
	rateLimitNotice       = "I'm being throttled upstream right now. Give me a moment and try again."
)

// Classifier tracks per-conversation notice timestamps.
type Classifier struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
}

// New creates a Classifier with the given cooldown; zero means DefaultCooldown.
func New(cooldown time.Duration) *Classifier {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Classifier{
		lastSent: make(map[string]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Classify reports which failure family the text belongs to, if any.
func Classify(text string) Kind {
	lower := strings.ToLower(text)
	for _, p := range contextOverflowPatterns {
		if strings.Contains(lower, p) {
			return KindContextOverflow
		}
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return KindRateLimit
		}
	}
	return KindNone
}

// Rewrite returns the text to actually deliver for the given conversation.
// Non-diagnostic text passes through untouched. A recognized diagnostic is
// replaced with a friendly notice; if a notice already went out for this
// conversation within the cooldown window, suppressed is true and the message
// should be treated as delivered without being sent.
func (c *Classifier) Rewrite(conversationKey, text string) (out string, suppressed bool) {
	kind := Classify(text)
	if kind == KindNone {
		return text, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.lastSent[conversationKey]; ok && now.Sub(last) < c.cooldown {
		return "", true
	}
	c.lastSent[conversationKey] = now

	switch kind {
	case KindRateLimit:
		return rateLimitNotice, false
	default:
		return contextOverflowNotice, false
	}
}
