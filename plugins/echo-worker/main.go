// echo-worker is a reference worker for the dispatch bridge: it reads the
// request envelope from stdin and answers over the newline-delimited event
// stream on stdout. Useful for wiring checks and demos; it echoes the last
// line of the incoming message back as its response.
//
// Messages containing "search:" additionally emit a simulated tool_use event
// so heartbeat enrichment can be exercised end to end.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ax-platform/ax-openclaw-plugin/internal/protocol"
)

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "echo-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer) error {
	var req protocol.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.Protocol != 1 {
		return fmt.Errorf("unsupported protocol version %d", req.Protocol)
	}

	enc := json.NewEncoder(out)

	if strings.Contains(req.Message, "search:") {
		if err := enc.Encode(protocol.StreamEvent{Type: protocol.EventToolUse, Tool: "web_search"}); err != nil {
			return err
		}
	}

	return enc.Encode(protocol.StreamEvent{
		Type: protocol.EventText,
		Text: reply(req),
	})
}

// reply echoes the user's text, which arrives as the last line after the
// briefing block.
func reply(req protocol.Request) string {
	lines := strings.Split(strings.TrimSpace(req.Message), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "I heard you."
	}
	return fmt.Sprintf("You said: %s", last)
}
