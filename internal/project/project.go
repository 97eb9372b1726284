package project

import (
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// DefaultDeployTimeout bounds a deploy command when the project sets none.
const DefaultDeployTimeout = 300 * time.Second

var keyUnsafe = regexp.MustCompile(`[^a-z0-9_]+`)

// Project is a registered deployment target. Values handed out by a Snapshot
// are shared between requests and must be treated as read-only.
type Project struct {
	Key            string        `json:"key"`
	Name           string        `json:"name"`
	Secret         string        `json:"-" masq:"secret"`
	DeployCommand  string        `json:"deploy_command"`
	NotifyEndpoint string        `json:"-" masq:"secret"`
	DeployTimeout  time.Duration `json:"deploy_timeout"`
}

// New builds a project, deriving the key from name and applying defaults.
func New(name, secret, deployCommand, notifyEndpoint string, timeout time.Duration) *Project {
	if timeout <= 0 {
		timeout = DefaultDeployTimeout
	}
	return &Project{
		Key:            KeyFromName(name),
		Name:           strings.TrimSpace(name),
		Secret:         secret,
		DeployCommand:  strings.TrimSpace(deployCommand),
		NotifyEndpoint: strings.TrimSpace(notifyEndpoint),
		DeployTimeout:  timeout,
	}
}

// KeyFromName lower-cases name and collapses anything outside [a-z0-9_] to "-".
//
//	"My App (prod)" -> "my-app-prod"
func KeyFromName(name string) string {
	key := keyUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(key, "-")
}

// CanDeploy reports whether a deploy command is configured.
func (p *Project) CanDeploy() bool {
	return p.DeployCommand != ""
}

// CanNotify reports whether a notification endpoint is configured.
func (p *Project) CanNotify() bool {
	return p.NotifyEndpoint != ""
}

// LogValue keeps secrets and endpoints out of log records.
func (p *Project) LogValue() slog.Value {
	if p == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("key", p.Key),
		slog.String("name", p.Name),
	)
}
