// Package githook registers the push webhook on a GitHub repository.
package githook

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/oauth2"

	"hookdeploy/internal/security"
)

type hookService interface {
	ListHooks(ctx context.Context, owner, repo string, opts *github.ListOptions) ([]*github.Hook, *github.Response, error)
	CreateHook(ctx context.Context, owner, repo string, hook *github.Hook) (*github.Hook, *github.Response, error)
}

// Registrar creates repository webhooks.
type Registrar struct {
	hooks hookService
}

// NewClient creates a token-authenticated GitHub client. baseURL selects a
// GitHub Enterprise API endpoint; empty means github.com.
func NewClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	if token == "" {
		return nil, goerr.New("GitHub token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid GitHub API URL", goerr.V("url", baseURL))
		}
	}
	return client, nil
}

// New wraps client.
func New(client *github.Client) *Registrar {
	return &Registrar{hooks: client.Repositories}
}

// SplitOwnerRepo parses "owner/repo".
func SplitOwnerRepo(ownerRepo string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(ownerRepo), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", goerr.New("invalid owner/repo format", goerr.V("value", ownerRepo))
	}
	return owner, repo, nil
}

// WebhookURL joins the public base URL of the service with the webhook route
// for branch.
//
//	("https://deploy.example.com/", "main") -> "https://deploy.example.com/webhook/main"
func WebhookURL(baseURL, branch string) (string, error) {
	if err := security.ValidateBranchName(branch); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", goerr.New("base URL must be an absolute http(s) URL", goerr.V("url", baseURL))
	}
	return u.JoinPath("webhook", branch).String(), nil
}

// Register creates a push webhook pointing at hookURL signed with secret. It
// returns created=false when a hook with the same URL already exists.
func (r *Registrar) Register(ctx context.Context, ownerRepo, hookURL, secret string) (bool, *github.Hook, error) {
	owner, repo, err := SplitOwnerRepo(ownerRepo)
	if err != nil {
		return false, nil, err
	}
	if secret == "" {
		return false, nil, goerr.New("webhook secret is required")
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		hooks, resp, err := r.hooks.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return false, nil, goerr.Wrap(err, "listing webhooks", goerr.V("repo", ownerRepo))
		}
		for _, hook := range hooks {
			if u, ok := hook.Config["url"].(string); ok && u == hookURL {
				return false, hook, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	hook, _, err := r.hooks.CreateHook(ctx, owner, repo, &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: map[string]any{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	})
	if err != nil {
		return false, nil, goerr.Wrap(err, "creating webhook", goerr.V("repo", ownerRepo))
	}
	return true, hook, nil
}
