package store

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Snapshots (one row per run, overwritten after every step transition)
	SaveSnapshot(ctx context.Context, snap *schema.Snapshot) error
	GetSnapshot(ctx context.Context, runID string) (*schema.Snapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*schema.Snapshot, error)
	DeleteSnapshot(ctx context.Context, runID string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
