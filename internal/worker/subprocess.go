package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
	"github.com/ax-platform/ax-openclaw-plugin/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the worker.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Subprocess invokes the worker as a child process: one JSON request on
// stdin, newline-delimited stream events on stdout. Events are forwarded to
// the sink as they arrive, not after the process exits.
type Subprocess struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSubprocess creates a subprocess-backed invoker.
func NewSubprocess(command string, args []string, timeout time.Duration) *Subprocess {
	return &Subprocess{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  log.WithComponent("worker"),
	}
}

// Invoke spawns the worker, writes the request to stdin, and streams stdout
// events into sink until the process exits, the timeout elapses, or ctx is
// cancelled. On timeout the process gets SIGTERM, then SIGKILL after a grace
// period, and Invoke returns context.DeadlineExceeded.
func (s *Subprocess) Invoke(ctx context.Context, in Input, sink Sink) error {
	req := &protocol.Request{
		Protocol:     1,
		DispatchID:   in.DispatchID,
		AgentID:      in.AgentID,
		AgentHandle:  in.AgentHandle,
		SpaceID:      in.SpaceID,
		SpaceName:    in.SpaceName,
		SenderHandle: in.SenderHandle,
		SenderType:   in.SenderType,
		Message:      in.Message,
		AuthToken:    in.AuthToken,
		ToolEndpoint: in.ToolEndpoint,
		DeadlineAt:   in.Deadline,
	}

	logger := s.logger.With("dispatch_id", in.DispatchID)

	// Don't use CommandContext - we manage termination ourselves so the
	// worker gets a chance to exit cleanly on SIGTERM.
	cmd := exec.Command(s.command, s.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	timeoutTimer := time.NewTimer(s.timeout)
	defer timeoutTimer.Stop()

	logger.Debug("spawning worker", "command", s.command, "timeout", s.timeout)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	// Decode the event stream as it arrives, then reap the process. Wait
	// must not run until stdout is drained or it closes the pipe under us.
	done := make(chan error, 1)
	go func() {
		streamErr := protocol.DecodeStream(stdout, func(ev protocol.StreamEvent) error {
			switch ev.Type {
			case protocol.EventText:
				sink.Deliver(ev.Text)
			case protocol.EventToolUse:
				sink.ToolUse(ev.Tool)
			case protocol.EventError:
				sink.ReportError(errors.New(ev.Error), ev.Kind)
			default:
				logger.Debug("ignoring unknown stream event", "type", ev.Type)
			}
			return nil
		})
		waitErr := cmd.Wait()
		if streamErr != nil {
			done <- streamErr
			return
		}
		done <- waitErr
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("worker timed out, sending SIGTERM")
		s.terminate(cmd, done, logger)
		return context.DeadlineExceeded

	case <-ctx.Done():
		logger.Info("context cancelled, sending SIGTERM")
		s.terminate(cmd, done, logger)
		return ctx.Err()

	case err := <-done:
		if werr := <-writeErr; werr != nil {
			return fmt.Errorf("encode request: %w", werr)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// A dying worker usually reports its failure through an
				// error event first, so the exit code alone is not fatal.
				logger.Warn("worker exited with non-zero status",
					"exit_code", exitErr.ExitCode(),
					"stderr", truncateStderr(stderr.String()))
				return nil
			}
			return fmt.Errorf("worker stream: %w", err)
		}
		return nil
	}
}

// terminate enforces SIGTERM, a grace period, then SIGKILL.
func (s *Subprocess) terminate(cmd *exec.Cmd, done <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		logger.Info("worker exited after SIGTERM")
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-done
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
