package steps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// ShellConfig configures the shell step.
type ShellConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
	// Shell is the interpreter invoked with -c. Defaults to /bin/sh.
	Shell string
}

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024
	shellWaitDelay       = 500 * time.Millisecond
)

// shellStep runs a command on the local host through the shell.
type shellStep struct {
	cfg ShellConfig
}

func newShellStep(cfg ShellConfig) *shellStep {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &shellStep{cfg: cfg}
}

func (*shellStep) Type() string              { return "shell" }
func (*shellStep) ShorthandTemplate() string { return "${command...}" }

func (s *shellStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	command := strings.TrimSpace(inv.String("command"))
	if command == "" {
		return nil, inv.Invalid("shell requires a command")
	}

	timeout, err := timeoutInput(ctx, inv, s.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, s.cfg.Shell, "-c", command)
	if dir := inv.String("cwd"); dir != "" {
		cmd.Dir = dir
	}
	if env, ok := inv.Input["env"].(map[string]any); ok {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+expressions.Stringify(v))
		}
	}
	if inv.Has("stdin") {
		cmd.Stdin = strings.NewReader(inv.String("stdin"))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: s.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: s.cfg.MaxOutputSize}

	// Grandchildren holding the pipes open must not outlive the kill.
	cmd.WaitDelay = shellWaitDelay

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "shell: command timed out after %s", timeout).
			WithStep(inv.StepID)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, inv.Fail("shell: %s", runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	var parsed any = stdout.String()
	if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
		var v any
		if json.Unmarshal(stdout.Bytes(), &v) == nil {
			parsed = v
		}
	}
	out := map[string]any{
		"stdout":      parsed,
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}

	if exitCode != 0 && !allowedExit(inv.Input["allowed_exit_codes"], exitCode) {
		return nil, inv.Fail("shell: command exited with %d: %s", exitCode, strings.TrimSpace(stderr.String())).
			WithDetails(out)
	}
	return &Result{Value: out}, nil
}

func allowedExit(raw any, code int) bool {
	for _, v := range schema.AsList(raw) {
		if n, err := cast.ToIntE(v); err == nil && n == code {
			return true
		}
	}
	return false
}

// limitedWriter discards bytes beyond limit but always reports the full
// write, so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
