package store

// Store defines the interface for checkpoint persistence operations.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if a checkpoint doesn't exist (for Latest/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically writes a checkpoint under its canonical file
	// name and returns the path written. An existing file of the same name is
	// replaced.
	SaveCheckpoint(checkpoint *Checkpoint) (string, error)

	// ListCheckpoints returns metadata for every file in the store whose name
	// passes the parity check, ordered by run and then iteration.
	ListCheckpoints() ([]CheckpointInfo, error)

	// LatestCheckpoint returns the checkpoint of the given run with the
	// highest iteration.
	LatestCheckpoint(runID RunID) (CheckpointInfo, error)

	// DeleteCheckpoint removes a checkpoint by file name.
	DeleteCheckpoint(name string) error
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint or checkpoint file.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return "checkpoint not found: " + e.Name
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
