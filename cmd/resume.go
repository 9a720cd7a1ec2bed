package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mpbfgs/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a run from its latest checkpoint",
	Long: `Resumes the run with the given identifier from its checkpoint with the
highest iteration in --data-dir. Without an identifier the most recently
written run is resumed. The objective and precision flags must describe
the same problem the run was started with; the precision may be raised.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	addRunFlags(resumeCmd.Flags())
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	opts := loadRunOptions(cfg)

	st, err := store.NewFSStore(opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	var info store.CheckpointInfo
	if len(args) == 1 {
		id, err := store.ParseRunID(args[0])
		if err != nil {
			return err
		}
		info, err = st.LatestCheckpoint(id)
		if err != nil {
			return fmt.Errorf("no checkpoint for run %s: %w", id, err)
		}
	} else {
		info, err = st.LatestRun()
		if err != nil {
			return fmt.Errorf("no checkpoint to resume: %w", err)
		}
	}
	slog.Info("Resuming run", "run_id", info.Name.RunID, "iteration", info.Name.Iteration, "path", info.Path)

	b, err := opts.newOptimizer()
	if err != nil {
		return err
	}
	if err := b.InitFromFile(info.Path); err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	_, err = opts.execute(cmd.Context(), b, cmd.OutOrStdout())
	return err
}
