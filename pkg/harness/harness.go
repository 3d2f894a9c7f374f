// Package harness runs the AI harness: an external command that performs the
// actual planning, building, or reviewing for one WorkItem and reports its
// outcome as a JSON line on stdout.
package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// Result statuses every harness understands. Processors may report others
// (e.g. "needs_clarification").
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Result is the outcome reported by one harness invocation.
type Result struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Failed reports whether the result is an error outcome.
func (r Result) Failed() bool {
	return r.Status == StatusError || r.Status == "failed"
}

// Map flattens the result for storage in job metadata.
func (r Result) Map() map[string]any {
	m := map[string]any{"status": r.Status}
	if r.Message != "" {
		m["message"] = r.Message
	}
	if len(r.Data) > 0 {
		m["data"] = r.Data
	}
	return m
}

// Runner runs one harness invocation.
type Runner interface {
	Run(ctx context.Context, mode string, args map[string]string) (Result, error)
}

// ExecRunner runs the configured harness command.
type ExecRunner struct {
	// Command is the harness executable, optionally followed by fixed
	// arguments ("kiln-harness --verbose").
	Command string
	// Dir is the working directory.
	Dir string
	// Timeout bounds one invocation; zero means no limit.
	Timeout time.Duration
	// Output receives the harness's stdout and stderr. Defaults to os.Stdout.
	Output io.Writer
}

// Args renders mode and args as harness flags: --mode <mode> followed by
// --key=value in key order.
func Args(mode string, args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := []string{"--mode", mode}
	for _, k := range keys {
		out = append(out, fmt.Sprintf("--%s=%s", k, args[k]))
	}
	return out
}

// Run executes the harness. The returned error is non-nil only when the
// harness could not be started; failures of the harness itself are reported
// as a Result with StatusError.
func (r *ExecRunner) Run(ctx context.Context, mode string, args map[string]string) (Result, error) {
	fields := strings.Fields(r.Command)
	if len(fields) == 0 {
		return Result{}, errors.New("harness: no command configured")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	out := r.Output
	if out == nil {
		out = os.Stdout
	}

	var stdout bytes.Buffer
	//nolint:gosec // the harness command is operator configuration
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], Args(mode, args)...)...)
	cmd.Dir = r.Dir
	cmd.Stdout = io.MultiWriter(&stdout, out)
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start harness %s: %w", fields[0], err)
	}
	runErr := cmd.Wait()

	res, ok := ParseResult(stdout.Bytes())
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Status: StatusError, Message: fmt.Sprintf("harness timed out after %s", r.Timeout)}, nil
	case ctx.Err() != nil:
		return Result{Status: StatusError, Message: "harness cancelled"}, nil
	case ok:
		return res, nil
	case runErr != nil:
		return Result{Status: StatusError, Message: fmt.Sprintf("harness exited: %v", runErr)}, nil
	default:
		return Result{Status: StatusCompleted}, nil
	}
}

// ParseResult returns the last line of out that decodes as a JSON object
// with a non-empty status.
func ParseResult(out []byte) (Result, bool) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res Result
		if err := json.Unmarshal([]byte(line), &res); err != nil || res.Status == "" {
			continue
		}
		return res, true
	}
	return Result{}, false
}
