package project

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"hookdeploy/internal/security"
	"hookdeploy/pkg/cmdutil"
)

var ForbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

// ProjectConfig is one entry of the projects file.
type ProjectConfig struct {
	Name           string `yaml:"name"`
	Secret         string `yaml:"secret"`
	DeployCommand  string `yaml:"deploy_command"`
	NotifyEndpoint string `yaml:"notify_endpoint,omitempty"`
	// DeployTimeout is in seconds.
	DeployTimeout int `yaml:"deploy_timeout" default:"300"`
}

// Config is the root of the projects file. Order is significant: it is the
// order in which signatures are checked.
type Config struct {
	Projects []ProjectConfig `yaml:"projects"`
}

// LoadConfig reads and validates a projects file.
func LoadConfig(configPath string) (*Config, []*Project, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", configPath))
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "invalid config file", goerr.V("path", configPath))
	}

	projects, err := config.Build()
	if err != nil {
		return nil, nil, goerr.Wrap(err, "invalid config file", goerr.V("path", configPath))
	}

	return config, projects, nil
}

// ParseConfig decodes YAML and applies defaults without validating.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, goerr.Wrap(err, "failed to parse YAML config")
	}

	for i := range config.Projects {
		if err := defaults.Set(&config.Projects[i]); err != nil {
			return nil, goerr.Wrap(err, "failed to apply project defaults", goerr.V("index", i))
		}
	}

	return &config, nil
}

// Build validates every entry and returns projects in file order.
func (c *Config) Build() ([]*Project, error) {
	var problems []string
	seen := make(map[string]string)
	projects := make([]*Project, 0, len(c.Projects))

	for _, pc := range c.Projects {
		if errs := ValidateProjectConfig(pc); len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}

		p := pc.Project()
		if prev, dup := seen[p.Key]; dup {
			problems = append(problems, fmt.Sprintf("  - Project '%s': key '%s' already used by '%s'", pc.Name, p.Key, prev))
			continue
		}
		seen[p.Key] = pc.Name
		projects = append(projects, p)
	}

	if len(problems) > 0 {
		return nil, goerr.New("invalid project configuration:\n" + strings.Join(problems, "\n"))
	}

	return projects, nil
}

// Add appends a project entry, rejecting a key that already exists.
func (c *Config) Add(p *Project) error {
	for _, pc := range c.Projects {
		if KeyFromName(pc.Name) == p.Key {
			return goerr.Wrap(ErrDuplicateProject, "project already configured", goerr.V("key", p.Key))
		}
	}
	c.Projects = append(c.Projects, ConfigFromProject(p))
	return nil
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode config")
	}
	return data, nil
}

// Project converts a config entry. It does not validate.
func (pc ProjectConfig) Project() *Project {
	return New(pc.Name, pc.Secret, pc.DeployCommand, pc.NotifyEndpoint,
		time.Duration(pc.DeployTimeout)*time.Second)
}

// ConfigFromProject is the inverse of ProjectConfig.Project.
func ConfigFromProject(p *Project) ProjectConfig {
	return ProjectConfig{
		Name:           p.Name,
		Secret:         p.Secret,
		DeployCommand:  p.DeployCommand,
		NotifyEndpoint: p.NotifyEndpoint,
		DeployTimeout:  int(p.DeployTimeout / time.Second),
	}
}

// ValidateProjectConfig returns one line per problem found in a config entry.
func ValidateProjectConfig(config ProjectConfig) []string {
	var errors []string
	name := config.Name

	if strings.TrimSpace(name) == "" {
		errors = append(errors, "  - Project '': missing required 'name' field")
	} else if err := security.ValidateProjectKey(KeyFromName(name)); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': name does not produce a usable key: %v", name, err))
	}

	if config.Secret == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'secret' field", name))
	} else if ForbiddenSecrets[strings.ToLower(config.Secret)] {
		errors = append(errors, fmt.Sprintf("  - Project '%s': secret appears to be a placeholder value, replace with real secret", name))
	}

	if config.DeployTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': deploy_timeout must be a positive integer, got %d", name, config.DeployTimeout))
	}

	if strings.TrimSpace(config.DeployCommand) != "" {
		if _, err := cmdutil.ParseCommandString(config.DeployCommand); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': deploy_command cannot be parsed: %v", name, err))
		}
	}

	if err := security.ValidateEndpointURL(config.NotifyEndpoint); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': notify_endpoint is invalid: %v", name, err))
	}

	return errors
}
