package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ax-platform/ax-openclaw-plugin/internal/agents"
	"github.com/ax-platform/ax-openclaw-plugin/internal/config"
	"github.com/ax-platform/ax-openclaw-plugin/internal/dispatch"
)

type fakeDispatcher struct {
	lastReq dispatch.Request
	called  bool
	out     dispatch.Outcome
	err     error
}

func (f *fakeDispatcher) Handle(_ context.Context, req dispatch.Request) (dispatch.Outcome, error) {
	f.called = true
	f.lastReq = req
	return f.out, f.err
}

const testSecret = "hook-secret"

func newTestServer(t *testing.T, d Dispatcher) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Service.MaxBodySize = "1KB"
	reg := agents.NewRegistry([]agents.Credentials{
		{AgentID: "a1", Handle: "@claw", Secret: testSecret},
		{AgentID: "a2", Handle: "@open"},
	})
	return New(cfg, reg, d)
}

func signedPost(t *testing.T, srv *Server, payload DispatchPayload, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Ax-Signature-256", "sha256="+computeSignature(body, secret))
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestChallengeEcho(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/webhook?challenge=abc123", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestChallengeMissing(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestDispatchSyncSuccess(t *testing.T) {
	d := &fakeDispatcher{out: dispatch.Outcome{
		DispatchID: "d1", Mode: "sync", Status: dispatch.StatusSuccess, Response: "Hello world",
	}}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{
		DispatchID:  "d1",
		AgentID:     "a1",
		SpaceID:     "s1",
		UserMessage: "hi",
	}, testSecret)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "d1", resp.DispatchID)
	assert.Equal(t, "Hello world", resp.Response)
}

func TestDispatchAsyncAccepted(t *testing.T) {
	d := &fakeDispatcher{out: dispatch.Outcome{
		DispatchID: "d1", Mode: "async", Status: dispatch.StatusAccepted,
	}}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{
		DispatchID:  "d1",
		AgentID:     "a1",
		UserMessage: "hi",
		CallbackURL: "https://platform.example/cb",
	}, testSecret)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "async", resp.Mode)
}

func TestDispatchErrorOutcome(t *testing.T) {
	d := &fakeDispatcher{out: dispatch.Outcome{
		DispatchID: "d1", Mode: "sync", Status: dispatch.StatusError, Error: "internal error",
	}}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{DispatchID: "d1", AgentID: "a1", UserMessage: "hi"}, testSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDispatchValidationErrors(t *testing.T) {
	d := &fakeDispatcher{err: dispatch.ErrEmptyMessage}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{DispatchID: "d1", AgentID: "a1"}, testSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchBadSignature(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{DispatchID: "d1", AgentID: "a1", UserMessage: "hi"}, "wrong-secret")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, d.called)
}

func TestDispatchMissingSignature(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{DispatchID: "d1", AgentID: "a1", UserMessage: "hi"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, d.called)
}

func TestDispatchSecretlessAgentSkipsVerification(t *testing.T) {
	d := &fakeDispatcher{out: dispatch.Outcome{DispatchID: "d1", Status: dispatch.StatusSuccess}}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{DispatchID: "d1", AgentID: "a2", UserMessage: "hi"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, d.called)
}

func TestDispatchMalformedJSON(t *testing.T) {
	srv := newTestServer(t, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchBodyTooLarge(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(t, d)

	big := strings.Repeat("x", 2048)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(big))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, d.called)
}

func TestPayloadMapping(t *testing.T) {
	d := &fakeDispatcher{out: dispatch.Outcome{DispatchID: "d1", Status: dispatch.StatusSuccess}}
	srv := newTestServer(t, d)

	rec := signedPost(t, srv, DispatchPayload{
		DispatchID:   "d1",
		AgentID:      "a1",
		SpaceID:      "s1",
		SpaceName:    "engineering",
		SenderHandle: "@maria",
		UserMessage:  "hi",
		AuthToken:    "tok",
		ToolEndpoint: "https://platform.example/tools",
		HeartbeatURL: "https://platform.example/hb",
		ContextData: &ContextData{
			OrgID:          "org-9",
			RecentMessages: []string{"earlier"},
			Collaborators:  []string{"@sam"},
		},
		FeatureFlags: map[string]bool{"force_async": true},
	}, testSecret)

	require.Equal(t, http.StatusOK, rec.Code)
	got := d.lastReq
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, "tok", got.AuthToken)
	assert.Equal(t, "org-9", got.OrgID)
	assert.Equal(t, []string{"earlier"}, got.RecentMessages)
	assert.Equal(t, []string{"@sam"}, got.Collaborators)
	assert.True(t, got.FeatureFlags["force_async"])
}
