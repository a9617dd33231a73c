package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tailorcv/backend/internal/bus"
	"github.com/tailorcv/backend/internal/metrics"
	"github.com/tailorcv/backend/internal/status"
	"github.com/tailorcv/backend/internal/store"
	"github.com/tailorcv/backend/internal/stream"
)

// countingFetcher records fetch invocations per stage.
type countingFetcher struct {
	mu     sync.Mutex
	counts map[status.Stage]int
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{counts: make(map[status.Stage]int)}
}

func (f *countingFetcher) Fetch(ctx context.Context, jobID string, stage status.Stage) error {
	f.mu.Lock()
	f.counts[stage]++
	f.mu.Unlock()
	return nil
}

func (f *countingFetcher) count(stage status.Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[stage]
}

func (f *countingFetcher) all() map[status.Stage]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[status.Stage]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

func startStreamServer(t *testing.T) (*httptest.Server, *store.Memory, *bus.Memory) {
	t.Helper()
	st := store.NewMemory()
	b := bus.NewMemory()
	m := metrics.New()
	h := stream.NewHub(st, b, m, time.Hour, 16, 0, 0)
	srv := stream.NewServer(h, st, b, m, nil, "")

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		h.Close()
		b.Close()
	})
	return ts, st, b
}

func ingest(t *testing.T, baseURL, jobID string, stage status.Stage, at time.Time, resource string) {
	t.Helper()
	body := map[string]any{"stage": string(stage), "completed_at": at.Format(time.RFC3339Nano)}
	if resource != "" {
		body["resource"] = json.RawMessage(resource)
	}
	data, _ := json.Marshal(body)
	res, err := http.Post(fmt.Sprintf("%s/api/jobs/%s/stages", baseURL, jobID), "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ingest %s: %v", stage, err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest %s status = %d", stage, res.StatusCode)
	}
}

func TestJobViewEndToEnd(t *testing.T) {
	srv, _, b := startStreamServer(t)

	fetcher := newCountingFetcher()
	complete := make(chan struct{})
	updates := make(chan []status.Stage, 16)

	view := NewJobView(srv.URL, "job-1", fetcher, testConfig(), Hooks{
		OnUpdate: func(w status.Watermark, advanced []status.Stage) {
			updates <- advanced
		},
		OnComplete: func() { close(complete) },
	})
	view.Start(context.Background())

	waitAdvance := func(stage status.Stage) {
		t.Helper()
		select {
		case advanced := <-updates:
			if len(advanced) != 1 || advanced[0] != stage {
				t.Fatalf("advanced = %v, want [%s]", advanced, stage)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no advance for %s", stage)
		}
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t1, t2 := base.Add(1*time.Second), base.Add(2*time.Second)

	// The duplicate-heavy delivery pattern: a delta, a wider frame repeating
	// it, and a stale duplicate straight off the bus.
	ingest(t, srv.URL, "job-1", status.StageJobParsed, t1, "")
	waitAdvance(status.StageJobParsed)
	ingest(t, srv.URL, "job-1", status.StageEducations, t2, "")
	waitAdvance(status.StageEducations)
	b.Publish(context.Background(), "job-1", status.Snapshot{status.StageJobParsed: &t1, status.StageEducations: &t2})
	b.Publish(context.Background(), "job-1", status.Snapshot{status.StageEducations: &t2})

	// Give the duplicates time to arrive; they must not advance anything.
	time.Sleep(50 * time.Millisecond)
	select {
	case advanced := <-updates:
		t.Fatalf("duplicate frames advanced %v", advanced)
	default:
	}

	ingest(t, srv.URL, "job-1", status.StageWorkExperiences, base.Add(3*time.Second), "")
	waitAdvance(status.StageWorkExperiences)
	ingest(t, srv.URL, "job-1", status.StageProjects, base.Add(4*time.Second), "")
	waitAdvance(status.StageProjects)
	ingest(t, srv.URL, "job-1", status.StageSkills, base.Add(5*time.Second), "")
	waitAdvance(status.StageSkills)

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("view never completed")
	}

	if !view.Complete() {
		t.Fatal("view reports incomplete after OnComplete")
	}
	w := view.Watermark()
	if !w[status.StageJobParsed].Equal(t1) || !w[status.StageEducations].Equal(t2) {
		t.Fatalf("watermark = %v", w)
	}

	// Exactly one fetch per stage despite the duplicate deliveries.
	for _, stage := range status.Stages() {
		if got := fetcher.count(stage); got != 1 {
			t.Fatalf("fetches for %s = %d, want 1", stage, got)
		}
	}
}

func TestJobViewStopDiscardsPendingWork(t *testing.T) {
	srv, _, _ := startStreamServer(t)

	started := make(chan struct{}, 1)
	blocked := make(chan struct{})
	fetcher := status.FetcherFunc(func(ctx context.Context, jobID string, stage status.Stage) error {
		started <- struct{}{}
		select {
		case <-blocked:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	view := NewJobView(srv.URL, "job-1", fetcher, testConfig(), Hooks{})
	view.Start(context.Background())

	ingest(t, srv.URL, "job-1", status.StageJobParsed, time.Now().UTC(), "")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	done := make(chan struct{})
	go func() {
		view.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on in-flight fetch")
	}
}

func TestJobViewCatchUpOnlyFetchesCompletedStages(t *testing.T) {
	srv, st, _ := startStreamServer(t)

	// Two stages already done before the view mounts.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.Apply(context.Background(), "job-1", status.StageJobParsed, base.Add(time.Second), nil)
	st.Apply(context.Background(), "job-1", status.StageEducations, base.Add(2*time.Second), nil)

	fetcher := newCountingFetcher()
	view := NewJobView(srv.URL, "job-1", fetcher, testConfig(), Hooks{})
	view.Start(context.Background())
	defer view.Stop()

	deadline := time.After(2 * time.Second)
	for fetcher.count(status.StageJobParsed) != 1 || fetcher.count(status.StageEducations) != 1 {
		select {
		case <-deadline:
			t.Fatalf("catch-up fetches = %v", fetcher.all())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Null fields in the catch-up frame must not schedule anything.
	time.Sleep(20 * time.Millisecond)
	for _, stage := range []status.Stage{status.StageWorkExperiences, status.StageProjects, status.StageSkills} {
		if got := fetcher.count(stage); got != 0 {
			t.Fatalf("incomplete stage %s fetched %d times", stage, got)
		}
	}
}

func TestHTTPFetcherRoundTrip(t *testing.T) {
	srv, st, _ := startStreamServer(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.Apply(context.Background(), "job-1", status.StageSkills, base, json.RawMessage(`{"skills":["go","sql"]}`))

	var mu sync.Mutex
	var got json.RawMessage
	f := NewHTTPFetcher(srv.URL, "")
	f.OnResource = func(jobID string, stage status.Stage, body json.RawMessage) {
		mu.Lock()
		got = body
		mu.Unlock()
	}

	if err := f.Fetch(context.Background(), "job-1", status.StageSkills); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !bytes.Contains(got, []byte("sql")) {
		t.Fatalf("resource body = %s", got)
	}

	// Not-ready resources are errors so the scheduler retries later.
	if err := f.Fetch(context.Background(), "job-1", status.StageProjects); err == nil {
		t.Fatal("fetch of missing resource succeeded")
	}
}
