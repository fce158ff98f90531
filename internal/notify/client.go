// Package notify delivers progress heartbeats and completion callbacks to
// the platform. Delivery is best-effort: callers get a Result they are free
// to discard, and failures are logged here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
)

// Heartbeat is the periodic progress notification for a long-running dispatch.
type Heartbeat struct {
	AgentID     string `json:"agent_id"`
	OrgID       string `json:"org_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Progress    string `json:"progress"`
	CurrentTool string `json:"current_tool,omitempty"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

// Completion is the single final-outcome notification for an async dispatch.
type Completion struct {
	AgentID          string `json:"agent_id"`
	OrgID            string `json:"org_id,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	CompletionStatus string `json:"completion_status"`
	Response         string `json:"response,omitempty"`
	Error            string `json:"error,omitempty"`
	TotalToolCalls   int    `json:"total_tool_calls"`
	ElapsedMS        int64  `json:"elapsed_ms"`
}

// Result reports how a delivery attempt went. It is informational; dropping
// it is fine.
type Result struct {
	Delivered  bool
	Attempts   int
	StatusCode int
	Err        error
}

// Client posts JSON payloads with a fixed retry budget and fixed delay
// between attempts. A 401/403 aborts all remaining retries immediately:
// credentials do not heal themselves mid-retry.
type Client struct {
	http     *http.Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewClient creates a Client. attempts < 1 is clamped to 1.
func NewClient(attempts int, delay time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		http:     &http.Client{Timeout: 15 * time.Second},
		attempts: attempts,
		delay:    delay,
		logger:   log.WithComponent("notify"),
	}
}

// SendHeartbeat posts a heartbeat to url. Fire-and-forget semantics.
func (c *Client) SendHeartbeat(ctx context.Context, url, apiKey string, hb Heartbeat) Result {
	res := c.post(ctx, url, apiKey, hb)
	if !res.Delivered {
		c.logger.Warn("heartbeat delivery failed",
			"agent_id", hb.AgentID, "attempts", res.Attempts, "status", res.StatusCode, "error", res.Err)
	}
	return res
}

// SendCompletion posts the completion callback to url. If the budget is
// exhausted the response is lost upstream; that is logged as critical context
// but not escalated further.
func (c *Client) SendCompletion(ctx context.Context, url, apiKey string, comp Completion) Result {
	res := c.post(ctx, url, apiKey, comp)
	if !res.Delivered {
		c.logger.Error("completion callback undeliverable, response lost upstream",
			"agent_id", comp.AgentID, "message_id", comp.MessageID,
			"attempts", res.Attempts, "status", res.StatusCode, "error", res.Err)
	}
	return res
}

func (c *Client) post(ctx context.Context, url, apiKey string, payload any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	var res Result
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res.Attempts = attempt

		status, err := c.doPost(ctx, url, apiKey, body)
		res.StatusCode = status
		res.Err = err

		if err == nil && status >= 200 && status < 300 {
			res.Delivered = true
			return res
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			res.Err = fmt.Errorf("authorization rejected (status %d)", status)
			return res
		}

		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(c.delay):
			}
		}
	}
	return res
}

func (c *Client) doPost(ctx context.Context, url, apiKey string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
