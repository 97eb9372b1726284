package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/clog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/masq"

	"hookdeploy/internal/security"
	"hookdeploy/pkg/fileutil"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newRedactor hides project secrets and notification endpoints in any
// logged value.
func newRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("Secret"),
		masq.WithFieldName("NotifyEndpoint"),
		masq.WithTag("secret"),
	)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, goerr.Wrap(err, "invalid log level", goerr.V("level", s))
	}
	return level, nil
}

// newHandler builds a JSON or console handler writing to w.
func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	redact := newRedactor()

	switch format {
	case "json", "":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: redact,
		}), nil
	case "text":
		return clog.New(
			clog.WithWriter(w),
			clog.WithLevel(level),
			clog.WithReplaceAttr(redact),
		), nil
	default:
		return nil, goerr.New("unknown log format", goerr.V("format", format))
	}
}

// setupLogging returns a logger writing to stdout and, when logPath is set,
// appending to that file as well. The caller closes the returned Closer.
func setupLogging(level, format, logPath string) (*slog.Logger, io.Closer, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if logPath != "" {
		if err := fileutil.EnsureParentDir(logPath, security.PermDirectory); err != nil {
			return nil, nil, err
		}
		file, err := security.OpenAppendFile(logPath, security.PermLogFile)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	handler, err := newHandler(out, format, lvl)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}
