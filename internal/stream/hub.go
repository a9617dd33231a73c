package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tailorcv/backend/internal/bus"
	"github.com/tailorcv/backend/internal/metrics"
	"github.com/tailorcv/backend/internal/status"
	"github.com/tailorcv/backend/internal/store"
)

// ErrTooManySubscribers is returned when a per-job or global subscriber cap
// is hit. The condition is transient; clients back off and resubscribe.
var ErrTooManySubscribers = errors.New("too many subscribers")

const writeTimeout = 10 * time.Second

type subscriber struct {
	id    string
	jobID string
	conn  *websocket.Conn
	send  chan []byte
}

func newSubscriber(jobID string, conn *websocket.Conn, buffer int) *subscriber {
	s := &subscriber{
		id:    uuid.NewString(),
		jobID: jobID,
		conn:  conn,
		send:  make(chan []byte, buffer),
	}
	go s.writePump()
	return s
}

// writePump serializes all writes to this subscriber's connection. It exits
// when the send channel closes, closing the connection on the way out.
func (s *subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *subscriber) close() {
	close(s.send)
}

// jobHub fans one job's deltas out to that job's subscribers. It owns the
// bus subscription and a server-side watermark used for terminal detection.
type jobHub struct {
	jobID     string
	busSub    bus.Subscription
	watermark status.Watermark
	subs      map[*subscriber]bool
	done      chan struct{}
}

// Hub owns every active job hub. One mutex guards all subscriber membership;
// per-subscriber writes are decoupled from fan-out by the bounded send
// channels, so a slow consumer never stalls the bus or its peers.
type Hub struct {
	store      store.StatusStore
	bus        bus.Bus
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	sendBuffer int
	maxPerJob  int
	maxTotal   int

	mu     sync.Mutex
	jobs   map[string]*jobHub
	total  int
	closed bool
}

// NewHub creates the fan-out hub. maxPerJob and maxTotal of 0 mean unlimited.
func NewHub(st store.StatusStore, b bus.Bus, m *metrics.Metrics, heartbeat time.Duration, sendBuffer, maxPerJob, maxTotal int) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		store:      st,
		bus:        b,
		metrics:    m,
		heartbeat:  heartbeat,
		sendBuffer: sendBuffer,
		maxPerJob:  maxPerJob,
		maxTotal:   maxTotal,
		jobs:       make(map[string]*jobHub),
	}
}

// CheckCapacity reports whether a new subscriber for jobID would be accepted.
// Used for pre-upgrade rejection; Subscribe re-checks under the lock.
func (h *Hub) CheckCapacity(jobID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacityLocked(jobID)
}

func (h *Hub) capacityLocked(jobID string) error {
	if h.closed {
		return errors.New("hub closed")
	}
	if h.maxTotal > 0 && h.total >= h.maxTotal {
		return ErrTooManySubscribers
	}
	if jh, ok := h.jobs[jobID]; ok && h.maxPerJob > 0 && len(jh.subs) >= h.maxPerJob {
		return ErrTooManySubscribers
	}
	return nil
}

// Subscribe registers conn as a viewer of jobID. The catch-up frame, built
// from the store, is queued before the subscriber becomes visible to fan-out,
// so it is always the first frame delivered. Ingest applies to the store
// before publishing on the bus, and fan-out serializes on the hub lock, so
// nothing the snapshot misses can have been fanned out already.
func (h *Hub) Subscribe(ctx context.Context, jobID string, conn *websocket.Conn) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.capacityLocked(jobID); err != nil {
		if errors.Is(err, ErrTooManySubscribers) {
			h.metrics.SubscribeRejections.Inc()
		}
		return nil, err
	}

	jh, ok := h.jobs[jobID]
	if !ok {
		busSub, err := h.bus.Subscribe(jobID)
		if err != nil {
			return nil, err
		}
		jh = &jobHub{
			jobID:     jobID,
			busSub:    busSub,
			watermark: status.Watermark{},
			subs:      make(map[*subscriber]bool),
			done:      make(chan struct{}),
		}
		h.jobs[jobID] = jh
		go h.run(jh)
	}

	snap, err := h.store.Snapshot(ctx, jobID)
	if err != nil {
		if len(jh.subs) == 0 {
			h.teardownLocked(jh)
		}
		return nil, err
	}
	jh.watermark.Merge(snap)

	sub := newSubscriber(jobID, conn, h.sendBuffer)
	jh.subs[sub] = true
	h.total++
	h.metrics.Subscribers.Inc()

	data, err := json.Marshal(Frame{Type: FrameStatus, Status: snap})
	if err != nil {
		h.removeLocked(sub)
		return nil, err
	}
	// The buffer is empty at this point, so the catch-up frame always fits.
	sub.send <- data
	h.metrics.FramesSent.WithLabelValues(string(FrameStatus)).Inc()

	log.Printf("subscriber %s joined job %s (%d viewers)", sub.id, jobID, len(jh.subs))
	return sub, nil
}

// Unsubscribe removes sub and tears the job hub down when it was the last
// viewer. Safe to call multiple times and on every exit path.
func (h *Hub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	jh, ok := h.jobs[sub.jobID]
	if !ok || !jh.subs[sub] {
		return
	}
	delete(jh.subs, sub)
	h.total--
	h.metrics.Subscribers.Dec()
	sub.close()
	log.Printf("subscriber %s left job %s (%d viewers)", sub.id, sub.jobID, len(jh.subs))

	if len(jh.subs) == 0 {
		h.teardownLocked(jh)
	}
}

// teardownLocked releases the job hub's bus subscription and stops its
// fan-out loop. Any remaining subscribers are closed.
func (h *Hub) teardownLocked(jh *jobHub) {
	if _, ok := h.jobs[jh.jobID]; !ok {
		return
	}
	delete(h.jobs, jh.jobID)
	close(jh.done)
	if err := jh.busSub.Close(); err != nil {
		log.Printf("bus unsubscribe for job %s: %v", jh.jobID, err)
	}
	for sub := range jh.subs {
		delete(jh.subs, sub)
		h.total--
		h.metrics.Subscribers.Dec()
		sub.close()
	}
}

// run is the per-job fan-out loop: one frame per bus delta, heartbeats on a
// fixed interval, teardown once the job goes terminal.
func (h *Hub) run(jh *jobHub) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	heartbeat, _ := json.Marshal(Frame{Type: FrameHeartbeat})

	for {
		select {
		case <-jh.done:
			return

		case snap, ok := <-jh.busSub.Events():
			if !ok {
				// Bus went away; drop the viewers so they reconnect and
				// get a fresh catch-up from whatever replaces it.
				h.mu.Lock()
				h.teardownLocked(jh)
				h.mu.Unlock()
				return
			}
			h.metrics.BusEvents.Inc()

			data, err := json.Marshal(Frame{Type: FrameStatus, Status: snap})
			if err != nil {
				log.Printf("frame marshal for job %s: %v", jh.jobID, err)
				continue
			}

			h.mu.Lock()
			h.fanOutLocked(jh, data, FrameStatus)
			jh.watermark.Merge(snap)
			if jh.watermark.Complete() {
				// Every stage done: the stream has nothing more to say.
				log.Printf("job %s terminal, closing %d stream(s)", jh.jobID, len(jh.subs))
				h.teardownLocked(jh)
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.mu.Lock()
			h.fanOutLocked(jh, heartbeat, FrameHeartbeat)
			h.mu.Unlock()
		}
	}
}

// fanOutLocked queues data to every subscriber of jh. A subscriber whose
// buffer is full is disconnected rather than allowed to stall or lose
// individual frames: after resubscribing it gets a complete catch-up.
func (h *Hub) fanOutLocked(jh *jobHub, data []byte, frameType FrameType) {
	for sub := range jh.subs {
		select {
		case sub.send <- data:
			h.metrics.FramesSent.WithLabelValues(string(frameType)).Inc()
		default:
			log.Printf("subscriber %s too slow, disconnecting", sub.id)
			h.metrics.SlowDisconnects.Inc()
			delete(jh.subs, sub)
			h.total--
			h.metrics.Subscribers.Dec()
			sub.close()
		}
	}
	if len(jh.subs) == 0 {
		h.teardownLocked(jh)
	}
}

// SubscriberCount returns the number of connected subscribers across jobs.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Close tears down every job hub and rejects further subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, jh := range h.jobs {
		h.teardownLocked(jh)
	}
}
