package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mpbfgs/internal/store"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage run checkpoints",
	Long: `List and clean the checkpoints in --data-dir. Checkpoint names encode the
objective and gradient scores, the run identifier and the iteration.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all checkpoints",
	Long:  `Display all checkpoints grouped by run with their iteration, scores, modification time and size.`,
	Args:  cobra.NoArgs,
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old checkpoints",
	Long: `Delete checkpoints by retention policy: keep the N highest iterations of
every run, delete checkpoints older than N days, or both.`,
	Args: cobra.NoArgs,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	cleanCheckpointsCmd.Flags().Int("keep-last", 0, "Keep only the last N checkpoints per run (0 = keep all)")
	cleanCheckpointsCmd.Flags().Int("older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolP("force", "f", false, "Skip confirmation prompt")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(cfg.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tITERATION\tF\tG\tMODIFIED\tSIZE")
	fmt.Fprintln(w, "------\t---------\t-\t-\t--------\t----")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%04d\t%04d\t%s\t%s\n",
			info.Name.RunID,
			info.Name.Iteration,
			info.Name.FScore,
			info.Name.GScore,
			info.ModTime.Format("2006-01-02 15:04:05"),
			formatBytes(info.Size),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	keepLast := cfg.GetInt("keep-last")
	olderThanDays := cfg.GetInt("older-than")
	if keepLast <= 0 && olderThanDays <= 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := store.NewFSStore(cfg.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (iteration %d, %s)\n",
			info.Name.RunID,
			info.Name.Iteration,
			info.ModTime.Format("2006-01-02 15:04:05"),
		)
	}

	if !cfg.GetBool("force") {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if r := strings.TrimSpace(response); r != "y" && r != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted := make(map[string]bool, len(toDelete))
	failed := 0
	for _, info := range toDelete {
		if err := st.DeleteCheckpoint(info.File); err != nil {
			slog.Error("Failed to delete checkpoint", "file", info.File, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "run_id", info.Name.RunID, "iteration", info.Name.Iteration)
		deleted[info.File] = true
	}

	// A trace is only useful next to a checkpoint to resume from.
	for _, id := range runsWithoutCheckpoints(infos, deleted) {
		if err := store.DeleteTrace(st.BaseDir(), id); err != nil {
			slog.Error("Failed to delete trace", "run_id", id, "error", err)
			continue
		}
		slog.Info("Deleted trace", "run_id", id)
	}

	fmt.Fprintf(out, "\nDeleted %d checkpoint(s), %d failed.\n", len(deleted), failed)
	return nil
}

// runsWithoutCheckpoints returns the runs all of whose checkpoints are in
// deleted, in order of first appearance in infos.
func runsWithoutCheckpoints(infos []store.CheckpointInfo, deleted map[string]bool) []store.RunID {
	remaining := make(map[store.RunID]int)
	var order []store.RunID
	for _, info := range infos {
		id := info.Name.RunID
		if _, ok := remaining[id]; !ok {
			order = append(order, id)
			remaining[id] = 0
		}
		if !deleted[info.File] {
			remaining[id]++
		}
	}

	var runs []store.RunID
	for _, id := range order {
		if remaining[id] == 0 {
			runs = append(runs, id)
		}
	}
	return runs
}

// selectCheckpointsForDeletion applies the retention policy: checkpoints
// modified before now minus olderThanDays, and all but the keepLast highest
// iterations of each run. Zero disables either rule.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast, olderThanDays int, now time.Time) []store.CheckpointInfo {
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.ModTime.Before(cutoff) {
				selected[info.File] = true
			}
		}
	}

	if keepLast > 0 {
		byRun := make(map[store.RunID][]store.CheckpointInfo)
		for _, info := range infos {
			byRun[info.Name.RunID] = append(byRun[info.Name.RunID], info)
		}
		for _, run := range byRun {
			sort.Slice(run, func(i, j int) bool {
				return run[i].Name.Iteration > run[j].Name.Iteration
			})
			for _, info := range run[min(keepLast, len(run)):] {
				selected[info.File] = true
			}
		}
	}

	var toDelete []store.CheckpointInfo
	for _, info := range infos {
		if selected[info.File] {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
