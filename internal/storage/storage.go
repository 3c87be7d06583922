package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no sandbox record matches an ID.
var ErrNotFound = errors.New("sandbox not found")

// Sandbox records a container the runtime created and has not yet removed.
// Records outlive the process only when it crashes; they are how orphaned
// containers and workspaces are found again.
type Sandbox struct {
	ContainerID string    `json:"container_id"`
	SessionID   string    `json:"session_id"`
	ExecutionID string    `json:"execution_id"`
	Image       string    `json:"image"`
	Workspace   string    `json:"workspace"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ledger is the persistence interface for live sandboxes.
type Ledger interface {
	// Track inserts or replaces the record for s.ContainerID.
	Track(ctx context.Context, s *Sandbox) error

	// Forget deletes the record. Forgetting an unknown ID is not an error.
	Forget(ctx context.Context, containerID string) error

	// Get returns a record by container ID or unambiguous ID prefix.
	Get(ctx context.Context, id string) (*Sandbox, error)

	// List returns all records ordered by creation time, oldest first.
	List(ctx context.Context) ([]Sandbox, error)

	// Close releases resources.
	Close() error
}
