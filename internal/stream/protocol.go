package stream

import (
	"github.com/tailorcv/backend/internal/status"
)

// FrameType discriminates stream frames.
type FrameType string

const (
	// FrameStatus carries a partial or full per-stage snapshot.
	FrameStatus FrameType = "status"
	// FrameHeartbeat is content-free; it only keeps intermediaries from
	// timing the connection out and must never touch client state.
	FrameHeartbeat FrameType = "heartbeat"
)

// Frame is the envelope for every message on a status stream.
type Frame struct {
	Type   FrameType       `json:"type"`
	Status status.Snapshot `json:"status,omitempty"`
}
