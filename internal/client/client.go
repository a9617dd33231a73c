// Package client consumes a job's status stream: it keeps one WebSocket per
// job view alive across failures, reconciles frames into a monotonic
// watermark and schedules the dependent-resource fetches each advance needs.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tailorcv/backend/internal/status"
	"github.com/tailorcv/backend/internal/stream"
)

// ConnState describes the stream connection for UI indicators.
type ConnState int

const (
	// StateConnected means frames are flowing.
	StateConnected ConnState = iota
	// StateReconnecting means retries have exceeded the warn threshold.
	// Retries continue in the background regardless.
	StateReconnecting
)

// Config tunes the stream client. Zero values get the defaults below.
type Config struct {
	BackoffBase        time.Duration // first retry delay (250ms)
	BackoffMax         time.Duration // retry delay cap (5s)
	HeartbeatTimeout   time.Duration // silence before the link is declared dead (90s)
	ReconnectWarnAfter int           // failed attempts before surfacing StateReconnecting (3)
	Token              string        // bearer token, if the server requires one

	// OnState, when set, is called on connection-state transitions. Called
	// from the client goroutine; must not block.
	OnState func(state ConnState, attempts int)
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.ReconnectWarnAfter <= 0 {
		c.ReconnectWarnAfter = 3
	}
	return c
}

// Client maintains one streaming connection for one job. Decoded status
// snapshots are delivered on Snapshots in strict arrival order; heartbeats
// only refresh the read deadline and are never surfaced.
type Client struct {
	url       string
	cfg       Config
	snapshots chan status.Snapshot

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client for jobID against baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL, jobID string, cfg Config) *Client {
	return &Client{
		url:       deriveWSURL(baseURL, jobID, cfg.Token),
		cfg:       cfg.withDefaults(),
		snapshots: make(chan status.Snapshot, 16),
	}
}

// Snapshots returns the ordered stream of decoded status snapshots. The
// channel closes when Run returns.
func (c *Client) Snapshots() <-chan status.Snapshot {
	return c.snapshots
}

// Run dials and reads until ctx is cancelled, reconnecting with exponential
// backoff on any transient failure (dial error, non-2xx rejection, read
// error, heartbeat timeout). Every reconnect relies on the server's catch-up
// replay; there is no resumption token.
func (c *Client) Run(ctx context.Context) {
	defer close(c.snapshots)

	attempts := 0
	delay := c.cfg.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts == c.cfg.ReconnectWarnAfter+1 {
				c.notify(StateReconnecting, attempts)
			}
			log.Printf("stream dial error: %v (retry in %v)", err, delay)
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, c.cfg.BackoffMax)
			continue
		}

		attempts = 0
		delay = c.cfg.BackoffBase
		c.setConn(conn)
		c.notify(StateConnected, 0)

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		attempts++
		if attempts == c.cfg.ReconnectWarnAfter+1 {
			c.notify(StateReconnecting, attempts)
		}
		log.Printf("stream closed: %v (reconnect in %v)", err, delay)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, c.cfg.BackoffMax)
	}
}

// readLoop decodes frames until the connection dies or ctx is cancelled.
// A frame that fails to decode is logged and skipped; the connection stays up.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame stream.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("dropping undecodable frame: %v", err)
			continue
		}

		switch frame.Type {
		case stream.FrameHeartbeat:
			// Deadline already refreshed above; heartbeats carry nothing.
		case stream.FrameStatus:
			select {
			case c.snapshots <- frame.Status:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			log.Printf("dropping frame of unknown type %q", frame.Type)
		}
	}
}

// Close asks the server to release the subscription, then closes the socket.
// Run's read loop unblocks with an error and observes the cancelled context.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) notify(state ConnState, attempts int) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(state, attempts)
	}
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// deriveWSURL converts http://host:port + job ID into the stream URL.
func deriveWSURL(baseURL, jobID, token string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	switch {
	case u.Scheme == "https" || strings.HasPrefix(u.Scheme, "wss"):
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/ws/jobs/%s", url.PathEscape(jobID))
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
