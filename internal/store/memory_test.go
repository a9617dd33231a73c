package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorcv/backend/internal/status"
)

func at(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func TestMemorySnapshotUnknownJobIsAllNull(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	snap, err := s.Snapshot(ctx, "nope")
	require.NoError(t, err)
	require.Len(t, snap, len(status.Stages()))
	for stage, ts := range snap {
		assert.Nil(t, ts, "stage %s should be null", stage)
	}
}

func TestMemoryApplyThenSnapshot(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, "job-1", status.StageJobParsed, at(1), json.RawMessage(`{"title":"SRE"}`)))
	require.NoError(t, s.Apply(ctx, "job-1", status.StageEducations, at(2), nil))

	snap, err := s.Snapshot(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, snap[status.StageJobParsed])
	assert.True(t, snap[status.StageJobParsed].Equal(at(1)))
	require.NotNil(t, snap[status.StageEducations])
	assert.Nil(t, snap[status.StageSkills])
}

func TestMemoryApplyKeepsNewestOnRedelivery(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, "job-1", status.StageJobParsed, at(5), json.RawMessage(`{"v":2}`)))
	// Stale redelivery must not clobber the newer record.
	require.NoError(t, s.Apply(ctx, "job-1", status.StageJobParsed, at(1), json.RawMessage(`{"v":1}`)))

	snap, err := s.Snapshot(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, snap[status.StageJobParsed].Equal(at(5)))

	res, err := s.Resource(ctx, "job-1", status.StageJobParsed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(res))
}

func TestMemoryResourceNotFound(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.Resource(ctx, "job-1", status.StageProjects)
	assert.ErrorIs(t, err, ErrNotFound)

	// A recorded completion without a payload still has no resource.
	require.NoError(t, s.Apply(ctx, "job-1", status.StageProjects, at(1), nil))
	_, err = s.Resource(ctx, "job-1", status.StageProjects)
	assert.ErrorIs(t, err, ErrNotFound)
}
