package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"

	"hookdeploy/internal/history"
	"hookdeploy/internal/security"
	"hookdeploy/pkg/fileutil"
)

var historyCmd = &cobra.Command{
	Use:   "history [PROJECT]",
	Short: "Show recent deployments",
	Long: `Show recent deployments from the history database, newest first.
Without PROJECT, deployments of all projects are listed. With --latest, only
the most recent deployment of each project is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.String("history-db", "./deployments.db", "Path to the SQLite deployment history")
	f.IntP("limit", "n", 20, "Maximum number of deployments to show")
	f.Bool("json", false, "Print JSON instead of a table")
	f.Bool("latest", false, "Show the latest deployment of each project")
}

func runHistory(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}

	dbPath := v.GetString("history-db")
	if !fileutil.FileExists(dbPath) {
		return goerr.New("history database not found", goerr.V("path", dbPath))
	}
	h, err := history.NewHistory(dbPath)
	if err != nil {
		return err
	}
	defer h.Close()

	limit := v.GetInt("limit")
	var records []history.DeploymentRecord
	switch {
	case v.GetBool("latest"):
		if len(args) == 1 {
			return goerr.New("--latest does not take a project")
		}
		records, err = latestPerProject(cmd.Context(), h)
	case len(args) == 1:
		if err := security.ValidateProjectKey(args[0]); err != nil {
			return err
		}
		records, err = h.GetDeploymentHistory(cmd.Context(), args[0], limit)
	default:
		records, err = h.GetRecent(cmd.Context(), limit)
	}
	if err != nil {
		return err
	}

	if v.GetBool("json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printHistory(cmd.OutOrStdout(), records)
}

// latestPerProject returns the newest deployment of every project, ordered by
// project key.
func latestPerProject(ctx context.Context, h *history.History) ([]history.DeploymentRecord, error) {
	latest, err := h.GetAllProjectsStatus(ctx)
	if err != nil {
		return nil, err
	}
	keys := slices.Sorted(maps.Keys(latest))
	records := make([]history.DeploymentRecord, 0, len(keys))
	for _, key := range keys {
		records = append(records, *latest[key])
	}
	return records, nil
}

func printHistory(w io.Writer, records []history.DeploymentRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No deployments recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tPROJECT\tBRANCH\tCOMMIT\tSTATUS\tDURATION\tTASK")
	for _, r := range records {
		commit := "-"
		if r.CommitHash != nil {
			commit = *r.CommitHash
			if len(commit) > 7 {
				commit = commit[:7]
			}
		}
		duration := "-"
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Project, r.Branch, commit, r.Status, duration, r.TaskID)
	}
	return tw.Flush()
}
