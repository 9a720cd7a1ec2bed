package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Checkpoints are plain text files named by their metadata, stored flat in
// <baseDir>/checkpoints/; traces live in <baseDir>/traces/.
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks.
type FSStore struct {
	baseDir string // Root directory for all run data (e.g., "./data")
}

// NewFSStore creates a new filesystem-based store.
// The checkpoint directory will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	fs := &FSStore{baseDir: baseDir}
	if err := os.MkdirAll(fs.CheckpointDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return fs, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// CheckpointDir returns the directory holding checkpoint files.
func (fs *FSStore) CheckpointDir() string {
	return filepath.Join(fs.baseDir, "checkpoints")
}

// SaveCheckpoint atomically saves a checkpoint under its canonical name.
// Uses temp file + rename pattern to ensure atomicity.
func (fs *FSStore) SaveCheckpoint(checkpoint *Checkpoint) (string, error) {
	if checkpoint == nil {
		return "", fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return "", err
	}

	dir := fs.CheckpointDir()
	finalPath := filepath.Join(dir, checkpoint.Name().String())

	// Write to temporary file first (atomic pattern)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := checkpoint.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	// Atomic rename to final location
	if err := os.Rename(tempPath, finalPath); err != nil {
		// Clean up temp file on failure
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "run_id", checkpoint.RunID, "iteration", checkpoint.Iteration, "path", finalPath)
	return finalPath, nil
}

// ListCheckpoints returns metadata for all checkpoint files in the store.
// Files whose names fail the parity check are skipped.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(fs.CheckpointDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No checkpoints exist yet, return empty slice
			return []CheckpointInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, err := ParseName(entry.Name())
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to stat checkpoint for listing", "file", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, CheckpointInfo{
			Name:    name,
			File:    entry.Name(),
			Path:    filepath.Join(fs.CheckpointDir(), entry.Name()),
			ModTime: fi.ModTime(),
			Size:    fi.Size(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i].Name, infos[j].Name
		if a.RunID != b.RunID {
			return a.RunID.String() < b.RunID.String()
		}
		if a.Iteration != b.Iteration {
			return a.Iteration < b.Iteration
		}
		return infos[i].File < infos[j].File
	})

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// LatestCheckpoint returns the checkpoint of runID with the highest
// iteration, breaking ties by modification time.
func (fs *FSStore) LatestCheckpoint(runID RunID) (CheckpointInfo, error) {
	infos, err := fs.ListCheckpoints()
	if err != nil {
		return CheckpointInfo{}, err
	}
	var (
		latest CheckpointInfo
		found  bool
	)
	for _, info := range infos {
		if info.Name.RunID != runID {
			continue
		}
		if !found || info.Name.Iteration > latest.Name.Iteration ||
			(info.Name.Iteration == latest.Name.Iteration && info.ModTime.After(latest.ModTime)) {
			latest, found = info, true
		}
	}
	if !found {
		return CheckpointInfo{}, &NotFoundError{Name: runID.String()}
	}
	return latest, nil
}

// LatestRun returns the most recently modified checkpoint of any run.
func (fs *FSStore) LatestRun() (CheckpointInfo, error) {
	infos, err := fs.ListCheckpoints()
	if err != nil {
		return CheckpointInfo{}, err
	}
	if len(infos) == 0 {
		return CheckpointInfo{}, &NotFoundError{}
	}
	latest := infos[0]
	for _, info := range infos[1:] {
		if info.ModTime.After(latest.ModTime) {
			latest = info
		}
	}
	return fs.LatestCheckpoint(latest.Name.RunID)
}

// DeleteCheckpoint removes the checkpoint file with the given base name.
func (fs *FSStore) DeleteCheckpoint(name string) error {
	if _, err := ParseName(name); err != nil {
		return err
	}
	path := filepath.Join(fs.CheckpointDir(), name)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &NotFoundError{Name: name}
		}
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint deleted", "path", path)
	return nil
}
