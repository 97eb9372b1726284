package main

import (
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"hookdeploy/internal/dispatch"
	"hookdeploy/internal/githook"
	"hookdeploy/internal/project"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Manage GitHub webhooks",
}

var hookRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the push webhook of a project on GitHub",
	Long: `Create a push webhook on a GitHub repository pointing at this service,
signed with the secret of the given project. Nothing is changed when a hook
with the same URL already exists.

The token is read from --token, HOOKDEPLOY_TOKEN or GITHUB_TOKEN and needs
admin:repo_hook permission.

Example:
  hookdeploy hook register --repo acme/myapp --project myapp --url https://deploy.example.com`,
	Args: cobra.NoArgs,
	RunE: runHookRegister,
}

func init() {
	f := hookRegisterCmd.Flags()
	f.String("repo", "", "Repository as owner/repo")
	f.String("project", "", "Project key whose secret signs the webhook")
	f.String("url", "", "Public base URL of this service")
	f.String("branch", dispatch.DefaultDeployBranch, "Branch segment of the webhook route")
	f.String("token", "", "GitHub token")
	f.String("api-url", "", "GitHub Enterprise API URL")
	_ = hookRegisterCmd.MarkFlagRequired("repo")
	_ = hookRegisterCmd.MarkFlagRequired("project")
	_ = hookRegisterCmd.MarkFlagRequired("url")
	addStoreFlags(hookRegisterCmd)

	hookCmd.AddCommand(hookRegisterCmd)
}

func runHookRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogging(v.GetString("log-level"), v.GetString("log-format"), "")
	if err != nil {
		return err
	}
	defer closer.Close()

	hookURL, err := githook.WebhookURL(v.GetString("url"), v.GetString("branch"))
	if err != nil {
		return err
	}

	token := v.GetString("token")
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}

	st, err := openStore(ctx, v, logger, false)
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListProjects(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list projects")
	}
	p := findProject(projects, v.GetString("project"))
	if p == nil {
		return goerr.New("project not found", goerr.V("project", v.GetString("project")))
	}

	client, err := githook.NewClient(ctx, token, v.GetString("api-url"))
	if err != nil {
		return err
	}

	created, hook, err := githook.New(client).Register(ctx, v.GetString("repo"), hookURL, p.Secret)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !created {
		fmt.Fprintf(out, "Webhook already exists on %s (id %d): %s\n", v.GetString("repo"), hook.GetID(), hookURL)
		return nil
	}
	fmt.Fprintf(out, "Webhook created on %s (id %d): %s\n", v.GetString("repo"), hook.GetID(), hookURL)
	return nil
}

func findProject(projects []*project.Project, key string) *project.Project {
	for _, p := range projects {
		if p.Key == key || p.Name == key {
			return p
		}
	}
	return nil
}
