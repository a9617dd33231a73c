package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingFetcher counts fetches and holds each one until released.
type blockingFetcher struct {
	mu      sync.Mutex
	count   int
	release chan struct{}
	started chan struct{}
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

func (f *blockingFetcher) Fetch(ctx context.Context, jobID string, stage Stage) error {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	f.started <- struct{}{}
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *blockingFetcher) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestSchedulerSingleFetchPerAdvance(t *testing.T) {
	var mu sync.Mutex
	counts := map[Stage]int{}
	fetcher := FetcherFunc(func(ctx context.Context, jobID string, stage Stage) error {
		mu.Lock()
		counts[stage]++
		mu.Unlock()
		return nil
	})

	s := NewScheduler("job-1", fetcher, time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	s.Advance(ctx, StageJobParsed)
	s.Advance(ctx, StageEducations)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if counts[StageJobParsed] != 1 || counts[StageEducations] != 1 {
		t.Fatalf("counts = %v, want exactly one fetch per stage", counts)
	}
}

func TestSchedulerCoalescesAdvancesWhileInFlight(t *testing.T) {
	fetcher := newBlockingFetcher()
	s := NewScheduler("job-1", fetcher, time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	s.Advance(ctx, StageJobParsed)
	<-fetcher.started // first fetch running

	// Two advances while in flight collapse into a single pending refresh.
	s.Advance(ctx, StageJobParsed)
	s.Advance(ctx, StageJobParsed)
	if got := s.Marker(StageJobParsed); got != FetchInFlightPendingRefresh {
		t.Fatalf("marker = %v, want pending refresh", got)
	}

	close(fetcher.release)
	<-fetcher.started // the single coalesced refresh
	s.Wait()

	if got := fetcher.fetches(); got != 2 {
		t.Fatalf("fetches = %d, want 2 (initial + one refresh)", got)
	}
	if got := s.Marker(StageJobParsed); got != FetchIdle {
		t.Fatalf("marker after settle = %v, want idle", got)
	}
}

func TestSchedulerRetriesFailedFetch(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	fetcher := FetcherFunc(func(ctx context.Context, jobID string, stage Stage) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("resource endpoint unavailable")
		}
		return nil
	})

	s := NewScheduler("job-1", fetcher, time.Millisecond, 5*time.Millisecond)
	s.Advance(context.Background(), StageSkills)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestSchedulerFailureIsolatedPerStage(t *testing.T) {
	var mu sync.Mutex
	okFetches := 0
	fetcher := FetcherFunc(func(ctx context.Context, jobID string, stage Stage) error {
		if stage == StageProjects {
			return errors.New("permanently broken")
		}
		mu.Lock()
		okFetches++
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler("job-1", fetcher, time.Millisecond, 2*time.Millisecond)

	s.Advance(ctx, StageProjects)
	s.Advance(ctx, StageSkills)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		done := okFetches == 1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("skills fetch starved by failing projects fetch")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	s.Wait()
}

func TestSchedulerCancelAbandonsPendingWork(t *testing.T) {
	fetcher := newBlockingFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler("job-1", fetcher, time.Millisecond, 10*time.Millisecond)

	s.Advance(ctx, StageJobParsed)
	<-fetcher.started
	s.Advance(ctx, StageJobParsed) // queue a refresh that must be discarded

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not drain after cancel")
	}

	if got := fetcher.fetches(); got != 1 {
		t.Fatalf("fetches after cancel = %d, want 1", got)
	}
}
