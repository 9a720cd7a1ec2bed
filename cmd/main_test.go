package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mpbfgs/internal/opt"
	"github.com/cwbudde/mpbfgs/internal/server"
	"github.com/cwbudde/mpbfgs/internal/store"
)

// executeCommand runs the root command with args. Flag values persist across
// executions, so tests pass every flag they depend on.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// optimizerArgs pins every flag shared by run and resume.
func optimizerArgs(dataDir string) []string {
	return []string{
		"--data-dir", dataDir,
		"--log-level", "error",
		"--objective", "sphere",
		"--dim", "2",
		"--precision", "64",
		"--rounding", "nearest",
		"--direction", "bfgs",
		"--update", "bfgs",
		"--max-retries", "8",
		"--print-period", "0s",
		"--print-precision", "0",
		"--checkpoint-every", "1",
		"--max-iters", "3",
		"--patience", "0",
		"--status-addr", "",
	}
}

func runArgs(dataDir string, extra ...string) []string {
	args := append([]string{"run"}, optimizerArgs(dataDir)...)
	args = append(args, "--seed", "7", "--seed-search", "none", "--from", "")
	return append(args, extra...)
}

func latestRun(t *testing.T, dataDir string) store.CheckpointInfo {
	t.Helper()
	st, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	info, err := st.LatestRun()
	if err != nil {
		t.Fatalf("No checkpoint written: %v", err)
	}
	return info
}

func TestRunCommand_Explore(t *testing.T) {
	dataDir := t.TempDir()

	out, err := executeCommand(t, runArgs(dataDir)...)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "000000000000 | ") {
		t.Errorf("Expected the progress table to start at iteration 0, got:\n%s", out)
	}

	info := latestRun(t, dataDir)
	if !strings.Contains(out, "Run "+info.Name.RunID.String()) {
		t.Errorf("Expected run summary for %s, got:\n%s", info.Name.RunID, out)
	}
	if info.Name.Iteration > 3 {
		t.Errorf("Iteration limit exceeded: %d", info.Name.Iteration)
	}
	if _, err := os.Stat(store.TracePath(dataDir, info.Name.RunID)); err != nil {
		t.Errorf("Trace not written: %v", err)
	}
}

func TestRunCommand_RefineFromPlainFile(t *testing.T) {
	dataDir := t.TempDir()
	start := filepath.Join(t.TempDir(), "start.txt")
	if err := os.WriteFile(start, []byte("0.5\n-0.25\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, runArgs(dataDir, "--from", start, "--max-iters", "1")...)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "+5.590169") {
		t.Errorf("Expected |x| of the starting point in the first line, got:\n%s", out)
	}
}

func TestRunCommand_MissingStartFile(t *testing.T) {
	dataDir := t.TempDir()

	_, err := executeCommand(t, runArgs(dataDir, "--from", filepath.Join(dataDir, "missing.txt"))...)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRunCommand_BadOptions(t *testing.T) {
	dataDir := t.TempDir()

	tests := []struct {
		name string
		args []string
	}{
		{"rounding", []string{"--rounding", "sideways"}},
		{"objective", []string{"--objective", "himmelblau"}},
		{"direction", []string{"--direction", "newton"}},
		{"update", []string{"--update", "sr1"}},
		{"seed search", []string{"--seed-search", "grid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := executeCommand(t, runArgs(dataDir, tt.args...)...); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestRunCommand_MayflySeed(t *testing.T) {
	dataDir := t.TempDir()

	out, err := executeCommand(t, runArgs(dataDir,
		"--objective", "rosenbrock",
		"--seed-search", "mayfly",
		"--seed-iters", "5",
		"--seed-pop", "20",
		"--max-iters", "2",
	)...)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	latestRun(t, dataDir)
}

func TestResumeCommand(t *testing.T) {
	dataDir := t.TempDir()

	if out, err := executeCommand(t, runArgs(dataDir)...); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	first := latestRun(t, dataDir)

	args := append([]string{"resume", strings.ToLower(first.Name.RunID.String())}, optimizerArgs(dataDir)...)
	out, err := executeCommand(t, append(args, "--max-iters", "2")...)
	if err != nil {
		t.Fatalf("resume failed: %v\n%s", err, out)
	}

	second := latestRun(t, dataDir)
	if second.Name.RunID != first.Name.RunID {
		t.Errorf("Resume started a new run: %s != %s", second.Name.RunID, first.Name.RunID)
	}
	if second.Name.Iteration < first.Name.Iteration {
		t.Errorf("Iteration went backwards: %d < %d", second.Name.Iteration, first.Name.Iteration)
	}
}

func TestResumeCommand_UnknownRun(t *testing.T) {
	_, err := executeCommand(t, "resume", "00000000-0000-0000-0000-000000000001",
		"--data-dir", t.TempDir(), "--log-level", "error")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCheckpointsCommands(t *testing.T) {
	dataDir := t.TempDir()
	if out, err := executeCommand(t, runArgs(dataDir)...); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	info := latestRun(t, dataDir)

	out, err := executeCommand(t, "checkpoints", "list", "--data-dir", dataDir, "--log-level", "error")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, info.Name.RunID.String()) || !strings.Contains(out, "Total checkpoints:") {
		t.Errorf("Unexpected listing:\n%s", out)
	}

	out, err = executeCommand(t, "checkpoints", "clean", "--data-dir", dataDir, "--log-level", "error",
		"--keep-last", "1", "--older-than", "0", "--force")
	if err != nil {
		t.Fatalf("clean failed: %v\n%s", err, out)
	}

	st, _ := store.NewFSStore(dataDir)
	infos, err := st.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].File != info.File {
		t.Errorf("Expected only %s to remain, got %v", info.File, infos)
	}
	trace := store.TracePath(dataDir, info.Name.RunID)
	if _, err := os.Stat(trace); err != nil {
		t.Fatalf("Trace removed while a checkpoint remains: %v", err)
	}

	old := time.Now().AddDate(0, 0, -30)
	if err := os.Chtimes(filepath.Join(st.CheckpointDir(), info.File), old, old); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand(t, "checkpoints", "clean", "--data-dir", dataDir, "--log-level", "error",
		"--keep-last", "0", "--older-than", "7", "--force")
	if err != nil {
		t.Fatalf("clean failed: %v\n%s", err, out)
	}
	if infos, _ := st.ListCheckpoints(); len(infos) != 0 {
		t.Errorf("Expected no checkpoints, got %v", infos)
	}
	if _, err := os.Stat(trace); !os.IsNotExist(err) {
		t.Errorf("Expected trace of emptied run to be deleted, got %v", err)
	}
}

func TestCheckpointsClean_NoFlags(t *testing.T) {
	_, err := executeCommand(t, "checkpoints", "clean", "--data-dir", t.TempDir(), "--log-level", "error",
		"--keep-last", "0", "--older-than", "0")
	if err == nil {
		t.Error("Expected an error without retention flags")
	}
}

func TestCheckpointsList_Empty(t *testing.T) {
	out, err := executeCommand(t, "checkpoints", "list", "--data-dir", t.TempDir(), "--log-level", "error")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No checkpoints found.") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	runs := server.NewRunManager(nil)
	runs.Start(opt.Snapshot{
		RunID:     "0123ABCD-4567-89EF-0A1B-2C3D4E5F6071",
		Iteration: 12,
		State:     "iterating",
		StepType:  "BFGS",
		Value:     0.5,
		Exact:     [4]string{"+5.0e-01", "+1.0e+00", "+2.5e-01", "+1.0e+00"},
	})
	ts := httptest.NewServer(server.NewServer("", runs, nil, nil).Handler())
	defer ts.Close()

	out, err := executeCommand(t, "status", "--server", ts.URL, "--log-level", "error")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "0123ABCD-4567-89EF-0A1B-2C3D4E5F6071") || !strings.Contains(out, "running") {
		t.Errorf("Unexpected status listing:\n%s", out)
	}

	out, err = executeCommand(t, "status", "0123abcd-4567-89ef-0a1b-2c3d4e5f6071", "--server", ts.URL, "--log-level", "error")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Iteration:  12") || !strings.Contains(out, "Objective:  +5.0e-01") {
		t.Errorf("Unexpected run status:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "mpbfgs version "+version+"\n" {
		t.Errorf("Unexpected version output %q", out)
	}
}

func TestSetup_ConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mpbfgs.yaml")
	config := "precision: 128\nobjective: rosenbrock\nprint-period: 2s\nupdate: damped\n"
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	configFile = path
	defer func() { configFile = "" }()
	t.Setenv("MPBFGS_DIM", "5")

	cmd := &cobra.Command{Use: "test"}
	addRunFlags(cmd.Flags())
	cmd.Flags().String("data-dir", "./data", "")
	cmd.Flags().String("log-level", "error", "")
	if err := cmd.Flags().Set("objective", "sphere"); err != nil {
		t.Fatal(err)
	}

	if err := setup(cmd, nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	opts := loadRunOptions(cfg)

	if opts.Precision != 128 {
		t.Errorf("precision = %d, want 128 from the config file", opts.Precision)
	}
	if opts.Objective != "sphere" {
		t.Errorf("objective = %q, want the flag value", opts.Objective)
	}
	if opts.Dim != 5 {
		t.Errorf("dim = %d, want 5 from the environment", opts.Dim)
	}
	if opts.PrintPeriod != 2*time.Second || opts.Update != "damped" {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Rounding != "nearest" || opts.CheckpointEvery != 100 {
		t.Errorf("defaults not applied: %+v", opts)
	}

	b, err := opts.newOptimizer()
	if err != nil {
		t.Fatalf("newOptimizer failed: %v", err)
	}
	if b.Context().Prec() != 128 || b.Objective().Dim() != 5 || b.Config().Update != opt.UpdateDamped {
		t.Errorf("optimizer does not reflect options")
	}
}

func TestSetup_MissingConfig(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { configFile = "" }()

	cmd := &cobra.Command{Use: "test"}
	if err := setup(cmd, nil); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
