// Package store persists per-job stage completions and the derived resources
// the pipeline produces for each stage. Catch-up frames and the per-stage
// resource endpoints are served from here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tailorcv/backend/internal/status"
)

// ErrNotFound is returned when a job or stage resource does not exist.
var ErrNotFound = errors.New("not found")

// StatusStore records stage completions and serves current job state.
// Implementations must tolerate at-least-once ingest: Apply with an older
// timestamp than already recorded is a no-op.
type StatusStore interface {
	// Apply records that stage completed at completedAt, with the derived
	// resource payload produced by the worker (may be nil).
	Apply(ctx context.Context, jobID string, stage status.Stage, completedAt time.Time, resource json.RawMessage) error

	// Snapshot returns the job's full snapshot: every stage key present,
	// nil for stages not yet complete. Unknown jobs yield an all-nil
	// snapshot so late joiners always get a well-formed catch-up frame.
	Snapshot(ctx context.Context, jobID string) (status.Snapshot, error)

	// Resource returns the derived resource for one completed stage.
	Resource(ctx context.Context, jobID string, stage status.Stage) (json.RawMessage, error)

	// Close releases backing resources.
	Close() error
}
