package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"hookdeploy/internal/dispatch"
	"hookdeploy/internal/project"
	"hookdeploy/internal/security"
	"hookdeploy/internal/store"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage registered projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Long:  `List the projects of the configured store. Secrets are never printed.`,
	Args:  cobra.NoArgs,
	RunE:  runProjectsList,
}

var projectsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a new project",
	Long: `Register a new project in the configured store.

When --secret is empty a random secret is generated. The secret is printed
once; configure it as the webhook secret in GitHub.

Example:
  hookdeploy projects add "My App" --deploy-command "/srv/myapp/deploy.sh"`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectsAdd,
}

func init() {
	addStoreFlags(projectsListCmd)

	f := projectsAddCmd.Flags()
	f.String("deploy-command", "", "Command run on deploy (shell-quoted)")
	f.String("notify-endpoint", "", "Slack incoming webhook URL")
	f.Int("deploy-timeout", int(project.DefaultDeployTimeout/time.Second), "Deploy timeout in seconds")
	f.String("secret", "", "Webhook secret (generated when empty)")
	addStoreFlags(projectsAddCmd)

	projectsCmd.AddCommand(projectsListCmd, projectsAddCmd)
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogging(v.GetString("log-level"), v.GetString("log-format"), "")
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := openStore(cmd.Context(), v, logger, false)
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListProjects(cmd.Context())
	if err != nil {
		return goerr.Wrap(err, "failed to list projects")
	}
	return printProjects(cmd.OutOrStdout(), projects)
}

func printProjects(w io.Writer, projects []*project.Project) error {
	if len(projects) == 0 {
		_, err := fmt.Fprintln(w, "No projects registered.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tCOMMAND\tNOTIFY\tTIMEOUT")
	for _, p := range projects {
		command := p.DeployCommand
		if command == "" {
			command = "-"
		}
		notify := "no"
		if p.CanNotify() {
			notify = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Key, p.Name, command, notify, p.DeployTimeout)
	}
	return tw.Flush()
}

func runProjectsAdd(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogging(v.GetString("log-level"), v.GetString("log-format"), "")
	if err != nil {
		return err
	}
	defer closer.Close()

	secret := v.GetString("secret")
	generated := false
	if secret == "" {
		if secret, err = security.GenerateSecret(); err != nil {
			return err
		}
		generated = true
	} else if err := security.ValidateSecret(secret); err != nil {
		return goerr.Wrap(err, "refusing weak secret")
	}

	timeout := v.GetInt("deploy-timeout")
	p := project.New(args[0], secret, v.GetString("deploy-command"), v.GetString("notify-endpoint"),
		time.Duration(timeout)*time.Second)

	cfg := project.ConfigFromProject(p)
	cfg.DeployTimeout = timeout
	if problems := project.ValidateProjectConfig(cfg); len(problems) > 0 {
		return goerr.New("invalid project:\n"+strings.Join(problems, "\n"), goerr.V("name", p.Name))
	}

	st, err := openStore(cmd.Context(), v, logger, true)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := store.AddProject(cmd.Context(), st, p); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Project '%s' registered with key '%s'.\n", p.Name, p.Key)
	if generated {
		fmt.Fprintf(out, "\nGenerated webhook secret (shown only once):\n  %s\n", secret)
	}
	fmt.Fprintf(out, "\nConfigure the GitHub webhook to POST to /webhook/%s with content type application/json.\n",
		dispatch.DefaultDeployBranch)
	return nil
}
