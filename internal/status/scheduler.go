package status

import (
	"context"
	"log"
	"sync"
	"time"
)

// FetchMarker tracks the fetch lifecycle of one stage's dependent resource.
type FetchMarker int

const (
	// FetchIdle means no fetch is running for the stage.
	FetchIdle FetchMarker = iota
	// FetchInFlight means exactly one fetch is running.
	FetchInFlight
	// FetchInFlightPendingRefresh means a fetch is running and the stage
	// advanced again meanwhile; one refresh runs after the current fetch.
	FetchInFlightPendingRefresh
)

// Fetcher loads the derived resource produced by one pipeline stage. Fetches
// must be idempotent reads; the scheduler may invoke them repeatedly.
type Fetcher interface {
	Fetch(ctx context.Context, jobID string, stage Stage) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, jobID string, stage Stage) error

func (f FetcherFunc) Fetch(ctx context.Context, jobID string, stage Stage) error {
	return f(ctx, jobID, stage)
}

// Scheduler runs dependent-resource fetches for a single job view. Per stage
// it guarantees at most one in-flight fetch, coalescing rapid-fire advances
// into a single follow-up refresh. Fetch failures retry with exponential
// backoff per stage; one stage's failures never touch another stage.
type Scheduler struct {
	jobID   string
	fetcher Fetcher

	retryBase time.Duration
	retryMax  time.Duration

	mu      sync.Mutex
	markers map[Stage]FetchMarker
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for one job. retryBase/retryMax bound the
// per-stage backoff between failed fetch attempts.
func NewScheduler(jobID string, fetcher Fetcher, retryBase, retryMax time.Duration) *Scheduler {
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}
	if retryMax < retryBase {
		retryMax = 5 * time.Second
	}
	return &Scheduler{
		jobID:     jobID,
		fetcher:   fetcher,
		retryBase: retryBase,
		retryMax:  retryMax,
		markers:   make(map[Stage]FetchMarker),
	}
}

// Advance records that stage has new data and ensures a fetch will observe
// it: Idle starts a fetch, InFlight queues exactly one refresh, a queued
// refresh absorbs further advances.
func (s *Scheduler) Advance(ctx context.Context, stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.markers[stage] {
	case FetchIdle:
		s.markers[stage] = FetchInFlight
		s.wg.Add(1)
		go s.run(ctx, stage)
	case FetchInFlight:
		s.markers[stage] = FetchInFlightPendingRefresh
	case FetchInFlightPendingRefresh:
		// Already queued.
	}
}

// run owns the InFlight marker for stage until it settles back to Idle or the
// context is cancelled. Cancellation abandons the stage mid-flight; the view
// is being torn down and the result would be discarded anyway.
func (s *Scheduler) run(ctx context.Context, stage Stage) {
	defer s.wg.Done()

	for {
		if err := s.fetchWithRetry(ctx, stage); err != nil {
			return
		}

		s.mu.Lock()
		if s.markers[stage] == FetchInFlightPendingRefresh {
			// The stage advanced while we were fetching; go again so the
			// caller ends up with the latest state.
			s.markers[stage] = FetchInFlight
			s.mu.Unlock()
			continue
		}
		s.markers[stage] = FetchIdle
		s.mu.Unlock()
		return
	}
}

// fetchWithRetry retries one stage's fetch until it succeeds or ctx is done.
func (s *Scheduler) fetchWithRetry(ctx context.Context, stage Stage) error {
	delay := s.retryBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.fetcher.Fetch(ctx, s.jobID, stage)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("fetch %s/%s failed: %v (retry in %v)", s.jobID, stage, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, s.retryMax)
	}
}

// Wait blocks until all fetch goroutines have exited. Call after cancelling
// the context passed to Advance.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Marker returns the current fetch marker for stage.
func (s *Scheduler) Marker(stage Stage) FetchMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[stage]
}
