package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ax-platform/ax-openclaw-plugin/internal/notify"
	"github.com/ax-platform/ax-openclaw-plugin/internal/session"
)

// runAsync is the detached delivery strategy. The HTTP layer has already
// answered "accepted"; from here the only way the response reaches the
// platform is the completion callback. Heartbeats are sent on a fixed
// interval, enriched with live tool events when the capability is present,
// and an extra rate-limited heartbeat fires on tool start. Timer and
// subscription are released no matter how the run ends.
func (m *Manager) runAsync(req Request, sess *session.Session, runID string) {
	defer m.wg.Done()

	ctx := context.Background()
	logger := m.logger.With("dispatch_id", sess.DispatchID, "run_id", runID, "mode", "async")

	if req.CallbackURL == "" && req.CallbackAPIKey == "" {
		// Known limitation: we still compute the response, but nothing can
		// carry it back upstream.
		logger.Error("no callback URL or key, computed response has no delivery path")
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("async dispatch panicked", "panic", r)
			m.tracker.Fail(sess.DispatchID)
			m.recordOutcome(context.Background(), sess, runID, "async", "panicked", "", 0)
			m.sessions.Evict(sess.DispatchID, sess.Key)
		}
	}()

	col := m.newCollector(sess.DispatchID)
	toolCh, cancelSub := m.tools.Subscribe(sess.DispatchID)
	ticker := time.NewTicker(m.heartbeatInterval)
	defer func() {
		ticker.Stop()
		cancelSub()
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicError(r)
			}
		}()
		done <- m.invoker.Invoke(ctx, m.workerInput(req, sess), col)
	}()

	var (
		currentTool  string
		lastToolBeat time.Time
		invokeErr    error
	)

loop:
	for {
		select {
		case ev, ok := <-toolCh:
			if !ok {
				toolCh = nil
				continue
			}
			currentTool = ev.Tool
			// Immediate heartbeat on tool start, spaced out so a chatty
			// worker cannot flood the heartbeat endpoint.
			if req.HeartbeatURL != "" && m.now().Sub(lastToolBeat) >= m.minToolSpacing {
				lastToolBeat = m.now()
				m.sendHeartbeat(req, sess, currentTool)
			}
		case <-ticker.C:
			if req.HeartbeatURL != "" {
				m.sendHeartbeat(req, sess, currentTool)
			}
		case invokeErr = <-done:
			break loop
		}
	}

	if invokeErr != nil {
		logger.Warn("worker invocation failed", "error", invokeErr)
		col.ReportError(invokeErr, "infra")
	}

	text, failed, suppressed := m.finish(sess.Key, col)
	m.tracker.Complete(sess.DispatchID, text)
	if suppressed {
		logger.Info("recovery notice suppressed inside cooldown window")
	}

	status := "success"
	outcome := "completed"
	var errText string
	if failed {
		status = "failed"
		outcome = "failed"
		if err, _ := col.failure(); err != nil {
			errText = err.Error()
		}
	}

	if req.CallbackURL != "" {
		m.notifier.SendCompletion(ctx, req.CallbackURL, req.CallbackAPIKey, notify.Completion{
			AgentID:          sess.AgentID,
			OrgID:            req.OrgID,
			MessageID:        sess.DispatchID,
			CompletionStatus: status,
			Response:         text,
			Error:            errText,
			TotalToolCalls:   col.tools(),
			ElapsedMS:        m.now().Sub(sess.StartTime).Milliseconds(),
		})
	}

	m.recordOutcome(ctx, sess, runID, "async", outcome, text, col.tools())
	m.sessions.Evict(sess.DispatchID, sess.Key)

	logger.Info("async dispatch finished", "outcome", outcome,
		"tool_calls", col.tools(), "response_chars", len(text))
}

// sendHeartbeat posts a heartbeat without blocking the event loop. Heartbeats
// are fire-and-forget: a slow or down endpoint must never stall tool-event
// consumption or delay the completion callback. The payload is snapshotted
// before the goroutine so elapsed time reflects when the beat fired, and the
// goroutine joins the manager's WaitGroup so Wait still drains everything.
func (m *Manager) sendHeartbeat(req Request, sess *session.Session, currentTool string) {
	hb := m.heartbeat(req, sess, currentTool)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.notifier.SendHeartbeat(context.Background(), req.HeartbeatURL, req.CallbackAPIKey, hb)
	}()
}

// heartbeat builds the progress payload. With a live tool event the progress
// line names the tool; otherwise it falls back to elapsed time.
func (m *Manager) heartbeat(req Request, sess *session.Session, currentTool string) notify.Heartbeat {
	elapsed := m.now().Sub(sess.StartTime)
	progress := fmt.Sprintf("still working (%ds elapsed)", int(elapsed.Seconds()))
	if currentTool != "" {
		progress = fmt.Sprintf("using %s...", currentTool)
	}
	return notify.Heartbeat{
		AgentID:     sess.AgentID,
		OrgID:       req.OrgID,
		MessageID:   sess.DispatchID,
		Progress:    progress,
		CurrentTool: currentTool,
		ElapsedMS:   elapsed.Milliseconds(),
	}
}
