package store

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
)

// DefaultEnvPrefix starts every project variable of the env store.
const DefaultEnvPrefix = "PROJECT_"

// Env reads projects from variables shaped PROJECT_<NAME>_<ATTRIBUTE>, for
// example PROJECT_SHOP_SECRET or PROJECT_SHOP_DEPLOY_SCRIPT. NAME cannot
// contain an underscore and is lower-cased. Events are only logged.
type Env struct {
	prefix  string
	logger  *slog.Logger
	environ func() []string
}

// NewEnv creates an Env store. An empty prefix means DefaultEnvPrefix.
func NewEnv(prefix string, logger *slog.Logger) *Env {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Env{prefix: prefix, logger: logger, environ: os.Environ}
}

type envProject struct {
	secret   string
	command  string
	endpoint string
	timeout  time.Duration
}

// ListProjects returns projects sorted by name so that signature checks run
// in a stable order.
func (e *Env) ListProjects(ctx context.Context) ([]*project.Project, error) {
	found := make(map[string]*envProject)

	for _, kv := range e.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, e.prefix) {
			continue
		}

		name, attr, ok := strings.Cut(strings.TrimPrefix(key, e.prefix), "_")
		if !ok || name == "" {
			continue
		}
		name = strings.ToLower(name)

		ep := found[name]
		if ep == nil {
			ep = &envProject{}
			found[name] = ep
		}

		switch strings.ToUpper(attr) {
		case "SECRET":
			ep.secret = value
		case "DEPLOY_SCRIPT", "DEPLOY_COMMAND":
			ep.command = value
		case "SLACK_WEBHOOK", "NOTIFY_ENDPOINT":
			ep.endpoint = value
		case "DEPLOY_TIMEOUT":
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds <= 0 {
				return nil, goerr.New("invalid deploy timeout", goerr.V("variable", key), goerr.V("value", value))
			}
			ep.timeout = time.Duration(seconds) * time.Second
		default:
			e.logger.Debug("ignoring unknown project attribute", "variable", key)
		}
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	slices.Sort(names)

	projects := make([]*project.Project, 0, len(names))
	for _, name := range names {
		ep := found[name]
		projects = append(projects, project.New(name, ep.secret, ep.command, ep.endpoint, ep.timeout))
	}
	return projects, nil
}

func (e *Env) RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error {
	e.logger.Info("webhook event",
		"project", p,
		"event_type", ev.Kind,
		"repository", ev.RepositoryName,
		"branch", ev.Branch,
		"commit", ev.ShortCommit(),
		"delivery_id", ev.DeliveryID,
	)
	return nil
}

func (e *Env) Close() error {
	return nil
}
