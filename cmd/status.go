package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mpbfgs/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query a run's status server",
	Long: `Queries the status server started with run --status-addr.
Without a run-id all runs are listed; with one its detailed status is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("server", "http://localhost:8090", "Status server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := cfg.GetString("server")
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := server.FetchRun(cmd.Context(), client, url, args[0])
		if err != nil {
			return err
		}
		printRun(out, run)
		return nil
	}

	runs, err := server.FetchRuns(cmd.Context(), client, url)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATE\tITERATION\tF\t|GRAD F|\tSTEP")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.6e\t%.6e\t%s\n",
			run.ID, run.State, run.Iteration, run.Value, run.GradNorm, run.StepType)
	}
	return w.Flush()
}

func printRun(out io.Writer, run server.Run) {
	fmt.Fprintf(out, "Run ID:     %s\n", run.ID)
	fmt.Fprintf(out, "State:      %s\n", run.State)
	fmt.Fprintf(out, "Iteration:  %d\n", run.Iteration)
	fmt.Fprintf(out, "Objective:  %s\n", run.Exact[0])
	fmt.Fprintf(out, "Gradient:   %s\n", run.Exact[1])
	fmt.Fprintf(out, "Step size:  %s\n", run.Exact[2])
	fmt.Fprintf(out, "|x|:        %s\n", run.Exact[3])
	fmt.Fprintf(out, "Step type:  %s\n", run.StepType)
	fmt.Fprintf(out, "Started:    %s\n", run.StartTime.Format(time.RFC3339))
	if run.EndTime != nil {
		fmt.Fprintf(out, "Finished:   %s (%s)\n", run.EndTime.Format(time.RFC3339),
			run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", run.Error)
	}
}
