// Package briefing renders the mission-briefing string prepended to worker
// input: who the agent is, where the conversation is happening, and what was
// said recently.
package briefing

import (
	"fmt"
	"strings"
)

// maxRecentMessages caps how much conversation history goes into a briefing.
const maxRecentMessages = 10

// Identity describes the agent the briefing speaks for.
type Identity struct {
	AgentID string
	Handle  string
}

// Context is the conversation snapshot carried on the dispatch.
type Context struct {
	SpaceID        string
	SpaceName      string
	SenderHandle   string
	SenderType     string
	RecentMessages []string
	Collaborators  []string
}

// Build renders the briefing. Empty fields are simply omitted; an empty
// context yields a minimal identity line.
func Build(id Identity, c Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s", displayHandle(id))
	if c.SpaceName != "" {
		fmt.Fprintf(&b, " in the space %q", c.SpaceName)
	} else if c.SpaceID != "" {
		fmt.Fprintf(&b, " in space %s", c.SpaceID)
	}
	b.WriteString(".\n")

	if c.SenderHandle != "" {
		fmt.Fprintf(&b, "You were mentioned by %s", c.SenderHandle)
		if c.SenderType != "" {
			fmt.Fprintf(&b, " (%s)", c.SenderType)
		}
		b.WriteString(".\n")
	}

	if len(c.Collaborators) > 0 {
		fmt.Fprintf(&b, "Also present: %s.\n", strings.Join(c.Collaborators, ", "))
	}

	if len(c.RecentMessages) > 0 {
		recent := c.RecentMessages
		if len(recent) > maxRecentMessages {
			recent = recent[len(recent)-maxRecentMessages:]
		}
		b.WriteString("Recent messages:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	return b.String()
}

func displayHandle(id Identity) string {
	switch {
	case id.Handle != "":
		return id.Handle
	case id.AgentID != "":
		return id.AgentID
	default:
		return "an assistant"
	}
}
