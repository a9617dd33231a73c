// Package bus distributes stage-completion deltas between the pipeline
// workers that produce them and the stream hubs that fan them out. Delivery
// is at-least-once with no ordering guarantee across publishes; consumers
// rely on the idempotent watermark merge, not on the bus.
package bus

import (
	"context"

	"github.com/tailorcv/backend/internal/status"
)

// Bus is the pub/sub channel keyed by job ID.
type Bus interface {
	// Publish sends a partial snapshot to every subscriber of jobID.
	Publish(ctx context.Context, jobID string, snap status.Snapshot) error

	// Subscribe registers a subscriber for one job's deltas. The returned
	// Subscription must be closed when done.
	Subscribe(jobID string) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives one job's deltas. Events is closed when the
// subscription or the bus closes.
type Subscription interface {
	Events() <-chan status.Snapshot
	Close() error
}
