package client

import (
	"context"
	"sync"

	"github.com/tailorcv/backend/internal/status"
)

// Hooks are optional observation points for a job view. All hooks run on the
// view's reconcile goroutine and must not block.
type Hooks struct {
	// OnUpdate fires after each merge that advanced at least one stage,
	// with a copy of the watermark and the stages that advanced.
	OnUpdate func(w status.Watermark, advanced []status.Stage)
	// OnState fires on stream connection-state transitions.
	OnState func(state ConnState, attempts int)
	// OnComplete fires once, when every stage has completed.
	OnComplete func()
}

// JobView is the client-side owner of one job's status: one stream
// connection, one watermark, one fetch scheduler. The stream subscription is
// a scoped resource: acquired by Start, released on every exit path by Stop
// or by terminal completion.
type JobView struct {
	jobID  string
	client *Client
	sched  *status.Scheduler
	hooks  Hooks

	mu        sync.Mutex
	watermark status.Watermark

	cancel       context.CancelFunc
	streamCancel context.CancelFunc
	done         chan struct{}
}

// NewJobView wires a view for jobID against baseURL. fetcher loads the
// dependent resources; cfg tunes the stream client.
func NewJobView(baseURL, jobID string, fetcher status.Fetcher, cfg Config, hooks Hooks) *JobView {
	v := &JobView{
		jobID:     jobID,
		hooks:     hooks,
		watermark: status.Watermark{},
		done:      make(chan struct{}),
	}
	cfg.OnState = hooks.OnState
	v.client = New(baseURL, jobID, cfg)
	v.sched = status.NewScheduler(jobID, fetcher, cfg.BackoffBase, cfg.BackoffMax)
	return v
}

// Start opens the stream and reconciles until the job completes or the view
// is stopped. It returns immediately; Done unblocks on exit.
func (v *JobView) Start(ctx context.Context) {
	viewCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel

	// The stream gets its own context so terminal completion can close the
	// connection while the final fetches run to the end under viewCtx.
	streamCtx, streamCancel := context.WithCancel(viewCtx)
	v.streamCancel = streamCancel

	go v.client.Run(streamCtx)
	go v.reconcile(viewCtx)
}

// reconcile is the single goroutine allowed to touch the watermark. Frames
// arrive one at a time in delivery order; fetches fan out through the
// scheduler and never feed back into the watermark.
func (v *JobView) reconcile(ctx context.Context) {
	defer close(v.done)
	defer v.cancel()

	for snap := range v.client.Snapshots() {
		v.mu.Lock()
		advanced := v.watermark.Merge(snap)
		complete := v.watermark.Complete()
		var copy status.Watermark
		if len(advanced) > 0 && v.hooks.OnUpdate != nil {
			copy = v.snapshotLocked()
		}
		v.mu.Unlock()

		for _, stage := range advanced {
			v.sched.Advance(ctx, stage)
		}
		if copy != nil {
			v.hooks.OnUpdate(copy, advanced)
		}

		if complete {
			// All stages done: close the stream proactively instead of
			// holding a silent connection open, then let the final
			// fetches finish before signalling completion.
			v.streamCancel()
			v.client.Close()
			v.sched.Wait()
			v.cancel()
			if v.hooks.OnComplete != nil {
				v.hooks.OnComplete()
			}
			return
		}
	}
}

// Stop tears the view down: the stream closes, in-flight fetches are
// abandoned and late results discarded. Blocks until everything has exited.
func (v *JobView) Stop() {
	v.cancel()
	v.client.Close()
	<-v.done
	v.sched.Wait()
}

// Done unblocks when the view has fully exited, by completion or Stop.
func (v *JobView) Done() <-chan struct{} {
	return v.done
}

// Watermark returns a copy of the current per-stage progress.
func (v *JobView) Watermark() status.Watermark {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *JobView) snapshotLocked() status.Watermark {
	out := make(status.Watermark, len(v.watermark))
	for stage, at := range v.watermark {
		out[stage] = at
	}
	return out
}

// Complete reports whether every stage has been observed complete.
func (v *JobView) Complete() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.watermark.Complete()
}

// JobID returns the job this view tracks.
func (v *JobView) JobID() string {
	return v.jobID
}
