// Package procrun invokes external executables (ffmpeg, rhubarb) with a
// bounded lifetime and reports what happened. It does not interpret the
// output; callers classify failures themselves.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sipeed/picoavatar/pkg/logger"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	maxCapture = 64 * 1024
)

// Result is the outcome of a completed, successful invocation.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Error describes a failed invocation. Stdout and Stderr carry whatever the
// process wrote before it failed.
type Error struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	NotFound bool
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.NotFound:
		return fmt.Sprintf("%s: executable not found", e.Command)
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out", e.Command)
	default:
		msg := fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
		if tail := lastLine(e.Stderr); tail != "" {
			msg += ": " + tail
		}
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Output returns stderr and stdout joined, for text classification.
func (e *Error) Output() string {
	return strings.TrimSpace(e.Stderr + "\n" + e.Stdout)
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs commands with os/exec. A zero Timeout uses DefaultTimeout.
type ExecRunner struct {
	Timeout time.Duration
	Dir     string
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmdline := name + " " + strings.Join(args, " ")

	path, err := exec.LookPath(name)
	if err != nil {
		return nil, &Error{Command: name, ExitCode: -1, NotFound: true, Err: err}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, path, args...)
	prepareCommand(cmd)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capped{buf: &stdout}
	cmd.Stderr = &capped{buf: &stderr}

	logger.DebugCF("procrun", "Running command", map[string]any{
		"command": cmdline,
		"timeout": timeout.String(),
	})

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: elapsed}, nil
	}

	perr := &Error{
		Command:  name,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		perr.TimedOut = true
	}

	logger.WarnCF("procrun", "Command failed", map[string]any{
		"command":   cmdline,
		"exit_code": perr.ExitCode,
		"timed_out": perr.TimedOut,
		"duration":  elapsed.String(),
		"stderr":    lastLine(perr.Stderr),
	})
	return nil, perr
}

// Probe checks that a tool is installed and answers a version query within
// timeout. It returns the first line of its output.
func Probe(ctx context.Context, r Runner, timeout time.Duration, name string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		out = strings.TrimSpace(res.Stderr)
	}
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return out, nil
}

// capped keeps at most maxCapture bytes; tools like ffmpeg can be chatty.
type capped struct {
	buf *bytes.Buffer
}

func (c *capped) Write(p []byte) (int, error) {
	if room := maxCapture - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
