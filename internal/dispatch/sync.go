package dispatch

import (
	"context"

	"github.com/ax-platform/ax-openclaw-plugin/internal/session"
)

// runSync is the blocking delivery strategy: invoke the worker, buffer its
// output, and hand the finished text straight back for the HTTP body. A panic
// deletes the tracker entry so the platform's next redelivery starts fresh.
//
// The caller's HTTP context is deliberately not threaded through. A platform
// disconnect must not kill the worker: the run is bounded by the worker's own
// deadline, and the finished text is cached so the redelivery that follows a
// platform-side timeout gets the real answer.
func (m *Manager) runSync(req Request, sess *session.Session, runID string) (text string, err error) {
	ctx := context.Background()
	logger := m.logger.With("dispatch_id", sess.DispatchID, "run_id", runID, "mode", "sync")

	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			logger.Error("sync dispatch panicked", "panic", r)
			m.tracker.Fail(sess.DispatchID)
			m.recordOutcome(ctx, sess, runID, "sync", "panicked", "", 0)
			m.sessions.Evict(sess.DispatchID, sess.Key)
		}
	}()

	col := m.newCollector(sess.DispatchID)
	if ierr := m.invoker.Invoke(ctx, m.workerInput(req, sess), col); ierr != nil {
		logger.Warn("worker invocation failed", "error", ierr)
		col.ReportError(ierr, "infra")
	}

	text, failed, suppressed := m.finish(sess.Key, col)
	m.tracker.Complete(sess.DispatchID, text)

	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	if suppressed {
		logger.Info("recovery notice suppressed inside cooldown window")
	}
	m.recordOutcome(ctx, sess, runID, "sync", outcome, text, col.tools())
	m.sessions.Evict(sess.DispatchID, sess.Key)

	logger.Info("sync dispatch finished", "outcome", outcome, "response_chars", len(text))
	return text, nil
}
