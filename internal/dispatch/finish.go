package dispatch

import (
	"strings"
	"sync"

	"github.com/ax-platform/ax-openclaw-plugin/internal/events"
	"github.com/ax-platform/ax-openclaw-plugin/internal/sanitize"
)

// Markers for worker runs that end without usable text. Declining to answer
// is a valid outcome, not a failure.
const (
	choseSilenceResponse = "[agent chose not to respond]"
	noResponseFallback   = "[no response]"
	workerFailureNotice  = "I ran into an internal problem and couldn't finish that. Please try again."
)

// collector buffers the worker's streamed output for one dispatch and
// republishes tool-start events to the hub.
type collector struct {
	mu         sync.Mutex
	dispatchID string
	hub        *events.Hub
	fragments  []string
	toolCalls  int
	err        error
	errKind    string
}

func (m *Manager) newCollector(dispatchID string) *collector {
	return &collector{dispatchID: dispatchID, hub: m.hub}
}

func (c *collector) Deliver(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments = append(c.fragments, text)
}

func (c *collector) ToolUse(tool string) {
	c.mu.Lock()
	c.toolCalls++
	c.mu.Unlock()
	c.hub.Publish(events.ToolEvent{DispatchID: c.dispatchID, Tool: tool})
}

func (c *collector) ReportError(err error, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		c.errKind = kind
	}
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.fragments, "")
}

func (c *collector) delivered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fragments) > 0
}

func (c *collector) failure() (error, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err, c.errKind
}

func (c *collector) tools() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolCalls
}

// finish selects the final outbound text for a dispatch, in priority order:
// sanitized delivered text, a user-facing rendering of a reported error, the
// chose-not-to-respond marker, or the generic no-response fallback. The
// recovery classifier runs on every candidate so raw internal diagnostics
// never leave the process, and repeats inside the cooldown window come back
// suppressed.
func (m *Manager) finish(conversationKey string, col *collector) (text string, failed, suppressed bool) {
	if clean := sanitize.Clean(col.text()); clean != "" {
		out, supp := m.recov.Rewrite(conversationKey, clean)
		return out, false, supp
	}

	if err, _ := col.failure(); err != nil {
		raw := err.Error()
		out, supp := m.recov.Rewrite(conversationKey, raw)
		switch {
		case supp:
			return "", true, true
		case out != raw:
			return out, true, false
		default:
			// Unclassified internals stay inside; the user gets a plain apology.
			return workerFailureNotice, true, false
		}
	}

	if !col.delivered() {
		return choseSilenceResponse, false, false
	}
	return noResponseFallback, false, false
}
