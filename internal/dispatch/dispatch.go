// Package dispatch is the lifecycle manager: it deduplicates redelivered
// webhooks, tracks per-dispatch sessions, selects sync or async delivery,
// and finishes worker output into the text a caller actually receives.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/ax-platform/ax-openclaw-plugin/internal/agents"
	"github.com/ax-platform/ax-openclaw-plugin/internal/briefing"
	"github.com/ax-platform/ax-openclaw-plugin/internal/config"
	"github.com/ax-platform/ax-openclaw-plugin/internal/events"
	"github.com/ax-platform/ax-openclaw-plugin/internal/journal"
	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
	"github.com/ax-platform/ax-openclaw-plugin/internal/notify"
	"github.com/ax-platform/ax-openclaw-plugin/internal/recovery"
	"github.com/ax-platform/ax-openclaw-plugin/internal/session"
	"github.com/ax-platform/ax-openclaw-plugin/internal/state"
	"github.com/ax-platform/ax-openclaw-plugin/internal/worker"
)

// Validation failures. No state is mutated before these are returned.
var (
	ErrEmptyMessage = errors.New("dispatch has no message text")
	ErrUnknownAgent = errors.New("dispatch names no registered agent")
)

// Request is the domain view of one inbound dispatch, already decoded and
// signature-checked by the transport layer.
type Request struct {
	DispatchID   string
	AgentID      string
	AgentHandle  string
	SpaceID      string
	SpaceName    string
	SenderHandle string
	SenderType   string
	Message      string

	AuthToken    string
	ToolEndpoint string

	CallbackURL    string
	CallbackAPIKey string
	HeartbeatURL   string

	OrgID          string
	RecentMessages []string
	Collaborators  []string
	FeatureFlags   map[string]bool
}

// Outcome statuses.
const (
	StatusAccepted = "accepted"
	StatusSuccess  = "success"
	StatusError    = "error"
)

// Outcome is what the transport layer turns into an HTTP response.
type Outcome struct {
	DispatchID string
	Mode       string // "sync" or "async"
	Status     string
	Response   string
	Error      string
}

// Deps collects the collaborators a Manager orchestrates. Tools is optional:
// nil enables the built-in hub so heartbeats see the worker's own tool events,
// and hosts without the capability may inject events.NopSource instead.
type Deps struct {
	Config   *config.Config
	Agents   *agents.Registry
	Tracker  *state.Tracker
	Sessions *session.Registry
	Invoker  worker.Invoker
	Notifier *notify.Client
	Journal  *journal.Journal
	Tools    events.Source
}

// Manager owns the dispatch lifecycle. All shared state lives in the injected
// stores, so independent instances and deterministic tests are possible.
type Manager struct {
	agents   *agents.Registry
	tracker  *state.Tracker
	sessions *session.Registry
	invoker  worker.Invoker
	notifier *notify.Client
	recov    *recovery.Classifier
	journal  *journal.Journal

	hub   *events.Hub
	tools events.Source

	heartbeatInterval time.Duration
	minToolSpacing    time.Duration
	workerTimeout     time.Duration

	logger *slog.Logger
	now    func() time.Time

	// tracks detached async runs so tests and shutdown can wait for them
	wg sync.WaitGroup
}

// New creates a Manager.
func New(d Deps) *Manager {
	m := &Manager{
		agents:            d.Agents,
		tracker:           d.Tracker,
		sessions:          d.Sessions,
		invoker:           d.Invoker,
		notifier:          d.Notifier,
		recov:             recovery.New(recovery.DefaultCooldown),
		journal:           d.Journal,
		hub:               events.NewHub(),
		heartbeatInterval: d.Config.Heartbeat.Interval,
		minToolSpacing:    d.Config.Heartbeat.MinToolSpacing,
		workerTimeout:     d.Config.Worker.Timeout,
		logger:            log.WithComponent("dispatch"),
		now:               time.Now,
	}
	m.tools = d.Tools
	if m.tools == nil {
		m.tools = m.hub
	}
	return m
}

// Handle processes one delivery of a dispatch. Validation failures return an
// error and mutate nothing. Redeliveries short-circuit from cached state
// without touching the worker. A fresh dispatch runs sync (blocking, response
// inline) or async (accepted immediately, completion via callback) depending
// on whether the payload carries a callback URL.
func (m *Manager) Handle(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Outcome{}, ErrEmptyMessage
	}

	creds, ok := m.agents.Resolve(req.AgentID)
	if !ok && req.AgentHandle != "" {
		creds, ok = m.agents.ResolveHandle(req.AgentHandle)
	}
	if !ok {
		return Outcome{}, ErrUnknownAgent
	}
	req.AgentID = creds.AgentID
	req.AgentHandle = creds.Handle

	id := req.DispatchID
	if id == "" {
		id = synthesizeID(req)
	}
	req.DispatchID = id
	logger := m.logger.With("dispatch_id", id, "agent_id", req.AgentID)

	status, cached := m.tracker.Check(id)
	switch status {
	case state.StatusInProgress:
		// The platform keeps retrying on its own; answer with nothing so no
		// duplicate message ever becomes visible.
		logger.Debug("duplicate delivery while in progress, suppressing")
		return Outcome{DispatchID: id, Status: StatusSuccess}, nil
	case state.StatusTimedOut, state.StatusCompleted:
		logger.Info("duplicate delivery answered from cache", "state", string(status))
		return Outcome{DispatchID: id, Status: StatusSuccess, Response: cached}, nil
	}

	runID := uuid.NewString()
	sess := &session.Session{
		DispatchID:     id,
		Key:            session.Key(req.AgentID, req.SpaceID),
		AgentID:        req.AgentID,
		AgentHandle:    req.AgentHandle,
		SpaceID:        req.SpaceID,
		SpaceName:      req.SpaceName,
		SenderID:       req.SenderHandle,
		SenderType:     req.SenderType,
		AuthToken:      req.AuthToken,
		ToolEndpoint:   req.ToolEndpoint,
		RecentMessages: req.RecentMessages,
		Collaborators:  req.Collaborators,
		StartTime:      m.now(),
	}
	m.sessions.Put(sess)

	if req.CallbackURL != "" || req.FeatureFlags["force_async"] {
		logger.Info("dispatch accepted", "mode", "async", "run_id", runID)
		m.wg.Add(1)
		go m.runAsync(req, sess, runID)
		return Outcome{DispatchID: id, Mode: "async", Status: StatusAccepted}, nil
	}

	logger.Info("dispatch accepted", "mode", "sync", "run_id", runID)
	text, err := m.runSync(req, sess, runID)
	if err != nil {
		return Outcome{DispatchID: id, Mode: "sync", Status: StatusError, Error: "internal error"}, nil
	}
	return Outcome{DispatchID: id, Mode: "sync", Status: StatusSuccess, Response: text}, nil
}

// Wait blocks until all detached async runs have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// synthesizeID derives a deterministic dispatch identifier when the payload
// carries none. It must be stable across redeliveries of the same event or
// deduplication breaks.
func synthesizeID(req Request) string {
	h := blake3.New()
	for _, part := range []string{req.AgentID, req.SpaceID, req.SenderHandle, req.Message} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return "gen-" + hex.EncodeToString(sum[:12])
}

// workerInput assembles the structured context handed to the worker. The
// mission briefing is prepended here, not by the worker.
func (m *Manager) workerInput(req Request, sess *session.Session) worker.Input {
	brief := briefing.Build(
		briefing.Identity{AgentID: sess.AgentID, Handle: sess.AgentHandle},
		briefing.Context{
			SpaceID:        sess.SpaceID,
			SpaceName:      sess.SpaceName,
			SenderHandle:   sess.SenderID,
			SenderType:     sess.SenderType,
			RecentMessages: sess.RecentMessages,
			Collaborators:  sess.Collaborators,
		},
	)

	return worker.Input{
		DispatchID:   sess.DispatchID,
		AgentID:      sess.AgentID,
		AgentHandle:  sess.AgentHandle,
		SpaceID:      sess.SpaceID,
		SpaceName:    sess.SpaceName,
		SenderHandle: sess.SenderID,
		SenderType:   sess.SenderType,
		Message:      brief + "\n" + req.Message,
		AuthToken:    sess.AuthToken,
		ToolEndpoint: sess.ToolEndpoint,
		Deadline:     m.now().Add(m.workerTimeout),
	}
}

func (m *Manager) recordOutcome(ctx context.Context, sess *session.Session, runID, mode, outcome string, text string, toolCalls int) {
	m.journal.Record(ctx, journal.Entry{
		DispatchID:    sess.DispatchID,
		RunID:         runID,
		AgentID:       sess.AgentID,
		SpaceID:       sess.SpaceID,
		Mode:          mode,
		Outcome:       outcome,
		ResponseChars: len(text),
		ToolCalls:     toolCalls,
		DurationMS:    m.now().Sub(sess.StartTime).Milliseconds(),
	})
}

func panicError(r any) error {
	return fmt.Errorf("dispatch panicked: %v", r)
}
