//go:build !windows

package deployment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookdeploy/pkg/cmdutil"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, `echo "deployed"; echo "warning" >&2`)

	out := NewRunner().Run(context.Background(), script, time.Minute)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.True(t, out.OK())
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "deployed\n", out.Stdout)
	assert.Equal(t, "warning\n", out.Stderr)
	assert.Empty(t, out.Err)
	assert.False(t, out.StartedAt.IsZero())
	assert.Contains(t, out.Summary(), "succeeded")
}

func TestRunNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "migration failed" >&2; exit 2`)

	out := NewRunner().Run(context.Background(), script, time.Minute)

	assert.Equal(t, KindNonZeroExit, out.Kind)
	assert.Equal(t, 2, out.ExitCode)
	assert.Equal(t, "migration failed\n", out.Detail())
	assert.Contains(t, out.Summary(), "exit code 2")
}

func TestRunScriptNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.sh")

	out := NewRunner().Run(context.Background(), missing, time.Minute)

	assert.Equal(t, KindScriptNotFound, out.Kind)
	assert.NotEmpty(t, out.Err)
	assert.Equal(t, -1, out.ExitCode)
}

func TestRunEmptyCommand(t *testing.T) {
	out := NewRunner().Run(context.Background(), "   ", time.Minute)
	assert.Equal(t, KindScriptNotFound, out.Kind)
}

func TestRunLaunchError(t *testing.T) {
	t.Run("not executable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deploy.sh")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0644))

		out := NewRunner().Run(context.Background(), path, time.Minute)
		assert.Equal(t, KindLaunchError, out.Kind)
		assert.Contains(t, strings.ToLower(out.Err), "permission denied")
	})

	t.Run("unparsable command", func(t *testing.T) {
		out := NewRunner().Run(context.Background(), "deploy.sh 'unterminated", time.Minute)
		assert.Equal(t, KindLaunchError, out.Kind)
		assert.NotEmpty(t, out.Err)
	})
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `echo started; sleep 30`)

	start := time.Now()
	out := NewRunner().Run(context.Background(), script, 300*time.Millisecond)

	assert.Equal(t, KindTimeout, out.Kind)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "started\n", out.Stdout)
	require.NotZero(t, out.PID)

	// The process was reaped by the runner, so signalling it must fail.
	assert.Error(t, syscall.Kill(out.PID, 0))
}

func TestRunExcerptIsBounded(t *testing.T) {
	script := writeScript(t, `i=0; while [ $i -lt 200 ]; do echo "line $i of noisy output"; i=$((i+1)); done; echo TAIL`)

	out := NewRunner().Run(context.Background(), script, time.Minute)

	require.Equal(t, KindSuccess, out.Kind)
	assert.LessOrEqual(t, len(out.Stdout), ExcerptLimit)
	assert.True(t, strings.HasSuffix(out.Stdout, "TAIL\n"))
}

func TestRunArgumentsAndEnv(t *testing.T) {
	script := writeScript(t, `echo "$1 $DEPLOY_ENV"`)

	r := NewRunner()
	r.Env = []string{"DEPLOY_ENV=production"}
	out := r.Run(context.Background(), script+" 'release candidate'", time.Minute)

	require.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "release candidate production\n", out.Stdout)
}

func TestRunRecoversPanic(t *testing.T) {
	r := NewRunner()
	r.run = func(context.Context, cmdutil.ExecOptions, []string) (*cmdutil.Result, error) {
		panic("boom")
	}

	out := r.Run(context.Background(), "true", time.Minute)
	assert.Equal(t, KindLaunchError, out.Kind)
	assert.Contains(t, out.Err, "boom")
}

func TestZeroValueRunner(t *testing.T) {
	out := (&Runner{}).Run(context.Background(), "true", 0)
	assert.Equal(t, KindSuccess, out.Kind)
}

func TestExcerptTrimsPartialRune(t *testing.T) {
	// "é" is two bytes; cutting the first leaves a continuation byte.
	b := []byte("é ok")[1:]
	assert.Equal(t, " ok", excerpt(b))
}

func TestOutcomeSummary(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Outcome{Kind: KindTimeout, Duration: 300 * time.Second}, "terminated after 5m0s"},
		{Outcome{Kind: KindScriptNotFound, Err: "no such file"}, "not found: no such file"},
		{Outcome{Kind: KindLaunchError, Err: "permission denied"}, "could not start: permission denied"},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome.Kind), func(t *testing.T) {
			assert.Contains(t, tt.outcome.Summary(), tt.want)
		})
	}
}
