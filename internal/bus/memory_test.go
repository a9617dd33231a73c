package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorcv/backend/internal/status"
)

func completion(sec int) status.Snapshot {
	t := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
	return status.Snapshot{status.StageJobParsed: &t}
}

func TestMemoryPublishReachesJobSubscribers(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	sub1, err := b.Subscribe("job-1")
	require.NoError(t, err)
	sub2, err := b.Subscribe("job-1")
	require.NoError(t, err)
	other, err := b.Subscribe("job-2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "job-1", completion(1)))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case snap := <-sub.Events():
			assert.NotNil(t, snap[status.StageJobParsed])
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive delta")
		}
	}

	select {
	case snap := <-other.Events():
		t.Fatalf("job-2 subscriber received job-1 delta: %v", snap)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemorySubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	sub, err := b.Subscribe("job-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Channel closes on unsubscribe.
	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing to a job with no subscribers is a no-op, not an error.
	require.NoError(t, b.Publish(context.Background(), "job-1", completion(1)))
}

func TestMemoryPublishCopiesSnapshot(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	sub, err := b.Subscribe("job-1")
	require.NoError(t, err)

	snap := completion(1)
	require.NoError(t, b.Publish(context.Background(), "job-1", snap))

	// Mutating the published snapshot must not affect what subscribers see.
	delete(snap, status.StageJobParsed)

	select {
	case got := <-sub.Events():
		require.Contains(t, got, status.StageJobParsed)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestMemoryCloseRejectsFurtherUse(t *testing.T) {
	b := NewMemory()
	sub, err := b.Subscribe("job-1")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, open := <-sub.Events()
	assert.False(t, open)

	_, err = b.Subscribe("job-1")
	assert.Error(t, err)
	assert.Error(t, b.Publish(context.Background(), "job-1", completion(1)))
}
