package deployment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"hookdeploy/pkg/cmdutil"
)

const (
	// DefaultTimeout is the wall-clock limit for one deploy command.
	DefaultTimeout = 300 * time.Second

	// ExcerptLimit is how many trailing bytes of each stream are kept.
	ExcerptLimit = 500
)

// Kind classifies how a deployment ended.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindNonZeroExit    Kind = "non_zero_exit"
	KindTimeout        Kind = "timeout"
	KindScriptNotFound Kind = "script_not_found"
	KindLaunchError    Kind = "launch_error"
)

// Outcome is the result of one deploy command. It is never retried.
type Outcome struct {
	Command   string        `json:"command"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout_excerpt"`
	Stderr    string        `json:"stderr_excerpt"`
	Kind      Kind          `json:"outcome"`
	Err       string        `json:"error,omitempty"`
	PID       int           `json:"pid,omitempty"`
}

// OK reports whether the command exited with status zero.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Summary is a one-line description for notifications.
func (o Outcome) Summary() string {
	d := o.Duration.Round(100 * time.Millisecond)
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("Deployment succeeded in %s", d)
	case KindNonZeroExit:
		return fmt.Sprintf("Deployment failed with exit code %d after %s", o.ExitCode, d)
	case KindTimeout:
		return fmt.Sprintf("Deployment was terminated after %s", d)
	case KindScriptNotFound:
		return fmt.Sprintf("Deploy script not found: %s", o.Err)
	default:
		return fmt.Sprintf("Deployment could not start: %s", o.Err)
	}
}

// Detail picks the most useful output excerpt: stderr on failure, else stdout.
func (o Outcome) Detail() string {
	if !o.OK() && strings.TrimSpace(o.Stderr) != "" {
		return o.Stderr
	}
	if strings.TrimSpace(o.Stdout) != "" {
		return o.Stdout
	}
	return o.Stderr
}

// Runner executes deploy commands as isolated child processes.
type Runner struct {
	// Env is appended to the service environment for every command.
	Env []string

	// ExcerptLimit overrides the default output excerpt size.
	ExcerptLimit int

	run func(ctx context.Context, opts cmdutil.ExecOptions, parts []string) (*cmdutil.Result, error)
}

// NewRunner returns a Runner using the service environment.
func NewRunner() *Runner {
	return &Runner{ExcerptLimit: ExcerptLimit, run: cmdutil.Run}
}

// Run executes command and classifies the result. It always returns an
// Outcome; no failure escapes as an error or panic.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (outcome Outcome) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	outcome = Outcome{
		Command:   command,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}

	defer func() {
		if rec := recover(); rec != nil {
			outcome.Kind = KindLaunchError
			outcome.Err = fmt.Sprintf("panic: %v", rec)
			outcome.Duration = time.Since(outcome.StartedAt)
		}
	}()

	if strings.TrimSpace(command) == "" {
		outcome.Kind = KindScriptNotFound
		outcome.Err = "no deploy command configured"
		return outcome
	}

	parts, err := cmdutil.ParseCommandString(command)
	if err != nil {
		outcome.Kind = KindLaunchError
		outcome.Err = err.Error()
		return outcome
	}

	limit := r.ExcerptLimit
	if limit <= 0 {
		limit = ExcerptLimit
	}

	run := r.run
	if run == nil {
		run = cmdutil.Run
	}

	result, err := run(ctx, cmdutil.ExecOptions{
		Timeout:     timeout,
		Env:         r.Env,
		OutputLimit: limit,
	}, parts)

	if result != nil {
		outcome.Duration = result.Duration
		outcome.ExitCode = result.ExitCode
		outcome.PID = result.PID
		outcome.Stdout = excerpt(result.Stdout)
		outcome.Stderr = excerpt(result.Stderr)
	} else {
		outcome.Duration = time.Since(outcome.StartedAt)
	}

	outcome.Kind = classify(result, err)
	if err != nil {
		outcome.Err = err.Error()
	}

	return outcome
}

func classify(result *cmdutil.Result, err error) Kind {
	if err == nil {
		return KindSuccess
	}

	if errors.Is(err, cmdutil.ErrStart) {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return KindScriptNotFound
		}
		return KindLaunchError
	}

	if result != nil && (result.TimedOut || result.Canceled) {
		return KindTimeout
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return KindNonZeroExit
	}

	return KindLaunchError
}

// excerpt drops a partial rune left at the front by tail truncation.
func excerpt(b []byte) string {
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return strings.ToValidUTF8(string(b), "")
}
