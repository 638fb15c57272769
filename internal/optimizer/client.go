package optimizer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const maxStderrTail = 4 * 1024

// Client runs the optimizer command as a child process. Command is resolved
// through PATH; EventsPath, when set, receives a verbatim copy of the JSONL
// stream for post-mortem inspection.
type Client struct {
	Command    string
	EventsPath string
}

// Run executes one optimization. The request is written to the child's
// stdin; stream events are forwarded to sink as they arrive. Run blocks
// until the child exits and returns either the terminal result or an
// *Error. Context cancellation kills the child.
func (c *Client) Run(ctx context.Context, req Request, sink EventSink) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, InputError(fmt.Sprintf("encode optimizer request: %v", err))
	}

	cmd := exec.CommandContext(ctx, c.Command)
	cmd.Stdin = bytes.NewReader(body)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, NewError(KindOptimization, fmt.Sprintf("stdout pipe: %v", err))
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, NewError(KindOptimization, fmt.Sprintf("start %s: %v", c.Command, err))
	}

	var eventsFile *os.File
	if c.EventsPath != "" {
		eventsFile, err = os.OpenFile(c.EventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("optimizer: open events file failed", "path", c.EventsPath, "err", err)
		} else {
			defer eventsFile.Close()
		}
	}

	var (
		result    Result
		gotResult bool
		streamErr *Error
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB line buffer

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if eventsFile != nil {
			if _, err := eventsFile.WriteString(line + "\n"); err != nil {
				slog.Warn("optimizer: write events line failed", "err", err)
			}
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			slog.Debug("optimizer: skipping malformed stream line", "err", err)
			continue
		}

		switch event.Type {
		case "log":
			if sink != nil {
				sink.OnLog(event.Level, event.Message)
			}
		case "candidate":
			if sink != nil {
				sink.OnCandidate(event.Label, event.Content, event.Score)
			}
		case "error":
			streamErr = NewError(event.Kind, event.Message)
		case "result":
			result = Result{
				BaselineScore:  event.BaselineScore,
				OptimizedScore: event.OptimizedScore,
				SystemPrompt:   event.SystemPrompt,
				UserPrompt:     event.UserPrompt,
				FewShot:        event.FewShot,
			}
			if event.Usage != nil {
				result.Usage = *event.Usage
			}
			gotResult = true
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	// The context verdict wins: a killed child reports a generic exit
	// error, but the reason is the deadline or the user's cancel.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{}, &Error{Kind: KindTimeout, Message: "optimization timed out"}
	case errors.Is(ctx.Err(), context.Canceled):
		return Result{}, &Error{Kind: KindCancelled, Message: "cancelled by user"}
	}

	if streamErr != nil {
		return Result{}, streamErr
	}
	if scanErr != nil {
		return Result{}, NewError(KindOptimization, fmt.Sprintf("read optimizer stream: %v", scanErr))
	}
	if waitErr != nil {
		msg := fmt.Sprintf("%s exited with error: %v", c.Command, waitErr)
		if tail := stderr.String(); tail != "" {
			msg += ": " + tail
		}
		return Result{}, NewError("", msg)
	}
	if !gotResult {
		return Result{}, NewError(KindOptimization, fmt.Sprintf("%s exited without a result event", c.Command))
	}
	return result, nil
}

// tailBuffer keeps the last maxStderrTail bytes written to it, so a noisy
// child cannot balloon the failure message.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > maxStderrTail {
		t.buf = t.buf[len(t.buf)-maxStderrTail:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
