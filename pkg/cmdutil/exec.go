package cmdutil

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultWaitDelay bounds how long Run waits for output pipes after the
// process has been killed.
const DefaultWaitDelay = 2 * time.Second

var (
	// ErrEmptyCommand is returned when no executable was given.
	ErrEmptyCommand = errors.New("empty command")

	// ErrStart wraps every failure that happens before the process runs.
	ErrStart = errors.New("failed to start command")
)

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains extra environment variables for the command, appended to
	// the current process environment. Each entry is "KEY=value".
	Env []string

	// OutputLimit is the number of trailing bytes kept from each stream.
	// Zero keeps everything.
	OutputLimit int
}

// Result contains the result of a command execution.
type Result struct {
	Stdout []byte
	Stderr []byte

	// Truncated is set when either stream exceeded OutputLimit.
	Truncated bool

	// ExitCode is -1 when the process was killed or never started.
	ExitCode int

	Duration time.Duration
	PID      int

	// TimedOut is set when the process was killed because Timeout elapsed.
	TimedOut bool

	// Canceled is set when the parent context ended before the process.
	Canceled bool
}

// Run executes cmdParts[0] with the remaining parts as arguments.
//
// The child runs in its own process group; on timeout or cancellation the
// whole group is killed so scripts cannot leave orphans behind. A non-nil
// Result is returned whenever the command was attempted.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return nil, ErrEmptyCommand
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stdout := &tailBuffer{limit: opts.OutputLimit}
	stderr := &tailBuffer{limit: opts.OutputLimit}

	cmd := exec.CommandContext(runCtx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = DefaultWaitDelay

	result := &Result{ExitCode: -1}
	start := time.Now()

	if err := cmd.Start(); err != nil {
		result.Duration = time.Since(start)
		return result, goerr.Wrap(errors.Join(ErrStart, err), "command did not start",
			goerr.V("command", cmdParts[0]))
	}
	result.PID = cmd.Process.Pid

	waitErr := cmd.Wait()
	result.Duration = time.Since(start)
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	result.Truncated = stdout.Truncated() || stderr.Truncated()

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		result.Canceled = true
		return result, goerr.Wrap(ctx.Err(), "command canceled", goerr.V("pid", result.PID))
	case runCtx.Err() != nil:
		result.TimedOut = true
		return result, goerr.Wrap(runCtx.Err(), "command timed out",
			goerr.V("pid", result.PID), goerr.V("timeout", opts.Timeout.String()))
	case waitErr != nil:
		return result, goerr.Wrap(waitErr, "command failed", goerr.V("exit_code", result.ExitCode))
	}

	return result, nil
}

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"sudo /srv/app/deploy.sh --env \"prod eu\"" -> ["sudo", "/srv/app/deploy.sh", "--env", "prod eu"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse command string")
	}
	if len(parts) == 0 {
		return nil, ErrEmptyCommand
	}
	return parts, nil
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}

// SanitizeOutput removes sensitive information from command output.
func SanitizeOutput(output []byte, secrets []string) []byte {
	sanitized := string(output)
	for _, secret := range secrets {
		if secret != "" {
			sanitized = strings.ReplaceAll(sanitized, secret, "***REDACTED***")
		}
	}
	return []byte(sanitized)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
	total int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += n

	if b.limit <= 0 {
		b.buf = append(b.buf, p...)
		return n, nil
	}

	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}

	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte {
	return b.buf
}

func (b *tailBuffer) Truncated() bool {
	return b.limit > 0 && b.total > b.limit
}
