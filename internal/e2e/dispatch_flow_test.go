// Package e2e drives the full dispatch path over the wire: signed webhook in,
// subprocess worker in the middle, HTTP response or completion callback out.
package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ax-platform/ax-openclaw-plugin/internal/agents"
	"github.com/ax-platform/ax-openclaw-plugin/internal/config"
	"github.com/ax-platform/ax-openclaw-plugin/internal/dispatch"
	"github.com/ax-platform/ax-openclaw-plugin/internal/journal"
	"github.com/ax-platform/ax-openclaw-plugin/internal/notify"
	"github.com/ax-platform/ax-openclaw-plugin/internal/session"
	"github.com/ax-platform/ax-openclaw-plugin/internal/state"
	"github.com/ax-platform/ax-openclaw-plugin/internal/webhook"
	"github.com/ax-platform/ax-openclaw-plugin/internal/worker"
)

const secret = "e2e-secret"

type harness struct {
	server  *webhook.Server
	manager *dispatch.Manager
	journal *journal.Journal
	countFn string
}

// newHarness wires real components around a shell-script worker that counts
// its invocations and answers "Hello world" over the event stream.
func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	countFile := filepath.Join(dir, "invocations")
	script := fmt.Sprintf(`cat >/dev/null
echo run >> %q
printf '{"type":"text","text":"Hello world"}\n'`, countFile)

	cfg := config.Defaults()
	cfg.Service.MaxBodySize = "64KB"
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Heartbeat.MinToolSpacing = 0
	cfg.Worker.Command = "/bin/sh"
	cfg.Worker.Args = []string{"-c", script}
	cfg.Worker.Timeout = 5 * time.Second

	reg := agents.NewRegistry([]agents.Credentials{
		{AgentID: "a1", Handle: "@claw", Secret: secret},
	})

	jnl, err := journal.Open(context.Background(), filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	manager := dispatch.New(dispatch.Deps{
		Config:   cfg,
		Agents:   reg,
		Tracker:  state.NewTracker(cfg.Dedupe.TimeoutThreshold, cfg.Dedupe.StateTTL, cfg.Dedupe.SweepInterval),
		Sessions: session.NewRegistry(10 * time.Millisecond),
		Invoker:  worker.NewSubprocess(cfg.Worker.Command, cfg.Worker.Args, cfg.Worker.Timeout),
		Notifier: notify.NewClient(2, 20*time.Millisecond),
		Journal:  jnl,
	})

	return &harness{
		server:  webhook.New(cfg, reg, manager),
		manager: manager,
		journal: jnl,
		countFn: countFile,
	}
}

func (h *harness) post(t *testing.T, payload webhook.DispatchPayload) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Ax-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	return rec
}

func (h *harness) invocations(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(h.countFn)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return bytes.Count(data, []byte("\n"))
}

func TestSyncFlowWithDuplicate(t *testing.T) {
	h := newHarness(t)

	payload := webhook.DispatchPayload{
		DispatchID:  "d1",
		AgentID:     "a1",
		SpaceID:     "s1",
		UserMessage: "say hello",
	}

	rec := h.post(t, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp webhook.ResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "d1", resp.DispatchID)
	assert.Equal(t, "Hello world", resp.Response)

	// Redelivery: identical cached body, worker not re-invoked.
	rec2 := h.post(t, payload)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, rec.Body.String(), rec2.Body.String())
	assert.Equal(t, 1, h.invocations(t))

	entries, err := h.journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sync", entries[0].Mode)
	assert.Equal(t, "completed", entries[0].Outcome)
}

func TestAsyncFlowDeliversCallback(t *testing.T) {
	h := newHarness(t)

	var (
		mu          sync.Mutex
		completions []notify.Completion
	)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var comp notify.Completion
		require.NoError(t, json.NewDecoder(r.Body).Decode(&comp))
		mu.Lock()
		completions = append(completions, comp)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	rec := h.post(t, webhook.DispatchPayload{
		DispatchID:  "d2",
		AgentID:     "a1",
		SpaceID:     "s1",
		UserMessage: "long task",
		CallbackURL: callback.URL,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp webhook.AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "async", resp.Mode)

	h.manager.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completions, 1)
	assert.Equal(t, "success", completions[0].CompletionStatus)
	assert.Equal(t, "Hello world", completions[0].Response)
	assert.Equal(t, "d2", completions[0].MessageID)
}
