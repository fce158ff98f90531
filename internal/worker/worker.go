// Package worker defines the contract between the dispatch lifecycle and the
// component that actually produces response text, plus a subprocess-backed
// reference invoker. The lifecycle depends only on the contract.
package worker

import (
	"context"
	"time"
)

// Input is the structured context handed to the worker for one dispatch.
type Input struct {
	DispatchID   string
	AgentID      string
	AgentHandle  string
	SpaceID      string
	SpaceName    string
	SenderHandle string
	SenderType   string

	// Message is the full worker prompt: mission briefing plus the user's text.
	Message string

	// Pass-through credentials for the worker's auxiliary tool actions.
	AuthToken    string
	ToolEndpoint string

	Deadline time.Time
}

// Sink receives the worker's streamed output. Deliver may be called zero or
// more times; ReportError at most once. ToolUse marks the start of a tool
// invocation and only feeds progress reporting.
type Sink interface {
	Deliver(text string)
	ToolUse(tool string)
	ReportError(err error, kind string)
}

// Invoker runs the worker for one dispatch, streaming output into sink.
// A non-nil return means the invocation itself failed (as opposed to the
// worker reporting a problem through sink.ReportError).
type Invoker interface {
	Invoke(ctx context.Context, in Input, sink Sink) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, in Input, sink Sink) error

func (f InvokerFunc) Invoke(ctx context.Context, in Input, sink Sink) error {
	return f(ctx, in, sink)
}
