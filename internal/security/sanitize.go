package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var (
	branchPattern     = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	projectKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// ValidateBranchName ensures a branch name is safe to log and pass to git tooling.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return goerr.New("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return goerr.New("branch name cannot start with '-'", goerr.V("branch", branch))
	}
	if strings.Contains(branch, "..") || !branchPattern.MatchString(branch) {
		return goerr.New("branch name contains invalid characters", goerr.V("branch", branch))
	}
	return nil
}

// ValidateProjectKey ensures a project key is safe for use in URLs and file names.
func ValidateProjectKey(key string) error {
	if key == "" {
		return goerr.New("project key cannot be empty")
	}
	if !projectKeyPattern.MatchString(key) {
		return goerr.New("project key contains invalid characters (only a-z, 0-9, _, - allowed)",
			goerr.V("key", key))
	}
	return nil
}

// ValidateEndpointURL checks that a notification endpoint is an absolute
// HTTP(S) URL. The empty string is accepted and disables notifications.
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return goerr.Wrap(err, "invalid endpoint URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return goerr.New("endpoint must use http or https", goerr.V("scheme", u.Scheme))
	}
	if u.Host == "" {
		return goerr.New("endpoint URL has no host")
	}
	return nil
}
