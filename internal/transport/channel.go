// Package transport owns the single duplex connection to the robot
// consumer: connect, reconnect with linear backoff, liveness ping/pong,
// best-effort outbound send, and typed inbound dispatch.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/teleop.bridge/internal/monitoring"
)

// State is the connection state visible to collaborators.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Options configures a Channel. Zero durations/counts fall back to the
// documented defaults (10s dial timeout, 3s base delay, 5 attempts).
type Options struct {
	URL            string
	DialTimeout    time.Duration
	BaseRetryDelay time.Duration
	MaxAttempts    int
	Dialer         Dialer

	// OnRecordingStatus receives recording_status messages. hasCount is
	// false when the consumer omitted the counter.
	OnRecordingStatus func(active bool, count uint64, hasCount bool)
	// OnStateChange is invoked on every connection state transition.
	OnStateChange func(state State, attempt int, detail string)
	// OnDown is invoked exactly once when the retry ceiling is exhausted;
	// the channel then stays quiet until Reset.
	OnDown func(reason string)
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

func (o *Options) baseRetryDelay() time.Duration {
	if o.BaseRetryDelay <= 0 {
		return 3 * time.Second
	}
	return o.BaseRetryDelay
}

func (o *Options) maxAttempts() int {
	if o.MaxAttempts <= 0 {
		return 5
	}
	return o.MaxAttempts
}

// Channel is the resilient duplex transport. All state lives behind one
// mutex; a generation counter tags each connection attempt so events from a
// superseded connection (late dial results, read-loop errors after a manual
// close) are discarded instead of corrupting the state machine.
type Channel struct {
	opts Options

	mu             sync.Mutex
	state          State
	manuallyClosed bool
	attempts       int
	exhausted      bool
	conn           Conn
	gen            uint64
	pending        *time.Timer // backoff timer; at most one per channel

	writeMu sync.Mutex

	dropped     int
	lastDropLog time.Time
}

// NewChannel creates a channel in the Disconnected state. Connect must be
// called to open it.
func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	return &Channel{opts: opts, state: StateDisconnected}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the consecutive failed attempt count.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ManuallyClosed reports whether Disconnect has latched the channel shut.
func (c *Channel) ManuallyClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manuallyClosed
}

// Connect opens a new connection. It is a no-op while manually closed,
// while an attempt is already in flight, or once the retry ceiling has been
// reached (until Reset). Any stale connection is closed first.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.manuallyClosed {
		c.mu.Unlock()
		return
	}
	if c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.maxAttempts() {
		c.reportDownLocked("connection attempts exhausted")
		c.mu.Unlock()
		return
	}
	c.cancelPendingLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(StateConnecting, "dialing "+c.opts.URL)
	c.mu.Unlock()
	notify()

	go c.dial(gen)
}

func (c *Channel) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.dialTimeout())
	defer cancel()

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)

	c.mu.Lock()
	if gen != c.gen || c.manuallyClosed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		// Dial failure and establishment timeout take the same path as a
		// close: count the attempt and back off.
		c.mu.Unlock()
		c.connLost(gen, err.Error())
		return
	}
	c.conn = conn
	c.attempts = 0
	notify := c.setStateLocked(StateConnected, "")
	c.mu.Unlock()
	notify()

	monitoring.Logf("transport: connected to %s", c.opts.URL)
	c.sendProbe()
	go c.readLoop(conn, gen)
}

// connLost handles any loss of the connection tagged gen: dial error,
// establishment timeout, or read failure. Stale generations are ignored.
func (c *Channel) connLost(gen uint64, detail string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	notify := c.setStateLocked(StateDisconnected, detail)
	if c.manuallyClosed {
		c.mu.Unlock()
		notify()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt >= c.opts.maxAttempts() {
		c.reportDownLocked("connection attempts exhausted: " + detail)
		c.mu.Unlock()
		notify()
		return
	}
	delay := time.Duration(attempt) * c.opts.baseRetryDelay()
	c.cancelPendingLocked()
	c.pending = time.AfterFunc(delay, c.Connect)
	c.mu.Unlock()
	notify()

	monitoring.Logf("transport: connection lost (%s), retry %d in %v", detail, attempt, delay)
}

func (c *Channel) reportDownLocked(reason string) {
	if c.exhausted {
		return
	}
	c.exhausted = true
	monitoring.Logf("transport: giving up after %d attempts; call reset to retry", c.attempts)
	if c.opts.OnDown != nil {
		down := c.opts.OnDown
		go down(reason)
	}
}

// setStateLocked updates the state and returns the hook invocation for the
// caller to run once the lock is released, so transitions reach the hook
// in the order they happened.
func (c *Channel) setStateLocked(state State, detail string) func() {
	if c.state == state {
		return func() {}
	}
	c.state = state
	notify := c.opts.OnStateChange
	if notify == nil {
		return func() {}
	}
	attempt := c.attempts
	return func() { notify(state, attempt, detail) }
}

func (c *Channel) cancelPendingLocked() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// Disconnect latches the channel shut and closes the socket. No automatic
// reconnection happens until Reset clears the latch.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manuallyClosed = true
	c.cancelPendingLocked()
	c.gen++ // orphan any in-flight dial or read loop
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	notify := c.setStateLocked(StateDisconnected, "manually closed")
	c.mu.Unlock()
	notify()
}

// Reset clears the manual-close latch and the attempt counter so a future
// Connect retries from a clean slate.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.manuallyClosed = false
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()
}

// Send marshals v and writes it as a text message. Messages are silently
// dropped while not connected: this is best-effort telemetry, not a
// reliable log. Drops are counted and logged at most once per interval,
// never surfaced as errors.
func (c *Channel) Send(v interface{}) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.recordDrop()
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("transport: failed to marshal outbound message: %v", err)
		return
	}

	// gorilla/websocket does not allow concurrent writers.
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		// The read loop observes the broken connection and drives the
		// backoff path; here the message is just dropped.
		c.recordDrop()
	}
}

const dropLogInterval = 10 * time.Second

func (c *Channel) recordDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
	if now := time.Now(); now.Sub(c.lastDropLog) >= dropLogInterval {
		monitoring.Logf("transport: dropped %d outbound messages while not connected", c.dropped)
		c.lastDropLog = now
		c.dropped = 0
	}
}

func (c *Channel) sendProbe() {
	c.Send(ControlMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()})
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connLost(gen, err.Error())
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes one inbound message by its type discriminator.
// Unrecognized types and malformed payloads are logged and ignored.
func (c *Channel) dispatch(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		monitoring.Logf("transport: malformed inbound message: %v", err)
		return
	}
	switch msg.Type {
	case TypePing:
		c.Send(ControlMessage{Type: TypePong, Timestamp: msg.Timestamp})
	case TypePong:
		monitoring.Debugf("transport: pong (ts=%d)", msg.Timestamp)
	case TypeRecordingStatus:
		if msg.RecordingActive == nil {
			monitoring.Logf("transport: recording_status without recording_active, ignoring")
			return
		}
		if c.opts.OnRecordingStatus != nil {
			var count uint64
			hasCount := msg.RecordingCount != nil
			if hasCount {
				count = *msg.RecordingCount
			}
			c.opts.OnRecordingStatus(*msg.RecordingActive, count, hasCount)
		}
	default:
		monitoring.Logf("transport: unrecognized message type %q", msg.Type)
	}
}
