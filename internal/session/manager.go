// Package session drives the immersive-session state machine: mode
// negotiation (passthrough vs plain), the per-frame sampling loop, and the
// fixed-rate telemetry send loop. It sequences startup and teardown of the
// sampler, transport, and status synchronizer around the session lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/teleop.bridge/internal/monitoring"
	"github.com/banshee-data/teleop.bridge/internal/sampler"
	"github.com/banshee-data/teleop.bridge/internal/status"
	"github.com/banshee-data/teleop.bridge/internal/xrinput"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateFailed     State = "failed"
)

// ErrNotIdle is returned when a session request arrives while another
// session is in flight; the caller must end the prior session first.
var ErrNotIdle = errors.New("session already in progress")

// TelemetrySender is the outbound side of the transport channel. Sends are
// best-effort; the session never learns or cares whether a frame arrived.
type TelemetrySender interface {
	Send(v interface{})
}

// TelemetryFrame is the wire envelope pushed every send interval while a
// session is active. Hand keys are present only when that hand is
// currently tracked.
type TelemetryFrame struct {
	Left      *sampler.ControllerSnapshot `json:"left,omitempty"`
	Right     *sampler.ControllerSnapshot `json:"right,omitempty"`
	Timestamp int64                       `json:"timestamp"`
}

// Manager owns SessionState and the lifetime of the sampling and send
// loops. Exactly one session is active at a time.
type Manager struct {
	system       xrinput.System
	sampler      *sampler.Sampler
	sender       TelemetrySender
	statusSync   *status.Synchronizer
	sendInterval time.Duration

	mu         sync.Mutex
	state      State
	mode       xrinput.SessionMode
	failReason string
	sessionID  string
	sess       xrinput.Session
	space      xrinput.ReferenceSpace
	stopLoops  context.CancelFunc
	loopsDone  sync.WaitGroup

	// OnStateChange is invoked after every lifecycle transition. detail
	// carries the failure reason for StateFailed and the end reason for
	// StateEnding.
	OnStateChange func(id string, state State, mode xrinput.SessionMode, detail string)
	// OnStatusText feeds the host UI's status line.
	OnStatusText func(text string)
}

// NewManager wires a lifecycle manager. sendInterval <= 0 falls back to
// the 100 ms default.
func NewManager(system xrinput.System, smp *sampler.Sampler, sender TelemetrySender, sync *status.Synchronizer, sendInterval time.Duration) *Manager {
	if sendInterval <= 0 {
		sendInterval = 100 * time.Millisecond
	}
	return &Manager{
		system:       system,
		sampler:      smp,
		sender:       sender,
		statusSync:   sync,
		sendInterval: sendInterval,
		state:        StateIdle,
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the active session mode, or "" outside StateActive.
func (m *Manager) Mode() xrinput.SessionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return ""
	}
	return m.mode
}

// SessionID returns the current session's ID, or "" when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// FailReason returns the human-readable reason for the last failure.
func (m *Manager) FailReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failReason
}

// Snapshots exposes the current per-hand snapshot map read-only, for the
// visualization collaborator and the status API.
func (m *Manager) Snapshots() map[xrinput.Hand]*sampler.ControllerSnapshot {
	return m.sampler.Snapshots()
}

// Start requests a new immersive session. It is rejected while a session
// is in flight; a Failed state counts as idle so the user can retry. When
// preferPassthrough is set and the rig supports it, an augmented-reality
// passthrough session is attempted first, falling back to a plain
// immersive session. Both attempts failing transitions to Failed.
func (m *Manager) Start(ctx context.Context, preferPassthrough bool) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateFailed {
		m.mu.Unlock()
		return ErrNotIdle
	}
	if !m.system.Available() {
		m.mu.Unlock()
		return errors.New("immersive sessions unavailable on this device")
	}
	id := uuid.New().String()
	m.sessionID = id
	m.failReason = ""
	notify := m.setStateLocked(StateRequesting, "")
	m.mu.Unlock()
	notify()

	sess, err := m.negotiate(ctx, preferPassthrough)
	if err != nil {
		m.fail(fmt.Sprintf("session request failed: %v", err))
		return err
	}

	space, err := sess.ReferenceSpace(xrinput.FloorSpace)
	if err != nil {
		// A session that can never resolve a pose is useless; end it and
		// surface the failure instead of limping along tracking-less.
		sess.End()
		m.fail(fmt.Sprintf("reference space unavailable: %v", err))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sess = sess
	m.space = space
	m.mode = sess.Mode()
	m.stopLoops = cancel
	notify = m.setStateLocked(StateActive, string(sess.Mode()))
	m.mu.Unlock()
	notify()

	monitoring.Logf("session %s active (mode=%s)", id, sess.Mode())

	m.loopsDone.Add(3)
	go m.frameLoop(loopCtx, sess, space)
	go m.sendLoop(loopCtx)
	go m.watchEnd(loopCtx, sess)

	return nil
}

func (m *Manager) negotiate(ctx context.Context, preferPassthrough bool) (xrinput.Session, error) {
	opts := xrinput.SessionOptions{
		RequiredFeatures: []string{xrinput.FeatureLocalFloor},
		OptionalFeatures: []string{xrinput.FeatureHandTracking},
	}

	if preferPassthrough && m.system.PassthroughSupported() {
		sess, err := m.system.RequestSession(ctx, xrinput.ModePassthrough, opts)
		if err == nil {
			return sess, nil
		}
		monitoring.Logf("session: passthrough request failed (%v), falling back to plain", err)
	}

	return m.system.RequestSession(ctx, xrinput.ModePlain, opts)
}

// End terminates the active session: Active → Ending → Idle. It stops both
// loops, tears down subscriptions, and clears the sampler and recording UI
// state. Safe to call from the device-end watcher or the user.
func (m *Manager) End(reason string) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	cancel := m.stopLoops
	m.sess = nil
	m.space = nil
	m.stopLoops = nil
	notify := m.setStateLocked(StateEnding, reason)
	m.mu.Unlock()
	notify()

	cancel()
	sess.End()
	m.loopsDone.Wait()

	m.sampler.Reset()
	if m.statusSync != nil {
		m.statusSync.Clear()
	}

	m.mu.Lock()
	m.mode = ""
	m.sessionID = ""
	notify = m.setStateLocked(StateIdle, reason)
	m.mu.Unlock()
	notify()

	monitoring.Logf("session ended: %s", reason)
}

func (m *Manager) fail(reason string) {
	m.mu.Lock()
	m.failReason = reason
	notify := m.setStateLocked(StateFailed, reason)
	m.mu.Unlock()
	notify()
	monitoring.Logf("session failed: %s", reason)
}

// setStateLocked updates the state and returns the hook invocation for the
// caller to run once the lock is released. Hooks run synchronously on the
// transitioning goroutine so consecutive transitions (Ending then Idle)
// reach observers in order.
func (m *Manager) setStateLocked(state State, detail string) func() {
	m.state = state
	onState, onText := m.OnStateChange, m.OnStatusText
	id, mode := m.sessionID, m.mode
	return func() {
		if onState != nil {
			onState(id, state, mode, detail)
		}
		if onText != nil {
			onText(statusText(state, mode, detail))
		}
	}
}

func statusText(state State, mode xrinput.SessionMode, detail string) string {
	switch state {
	case StateRequesting:
		return "Requesting immersive session..."
	case StateActive:
		if mode == xrinput.ModePassthrough {
			return "Session active (passthrough)"
		}
		return "Session active"
	case StateFailed:
		return "Session failed: " + detail
	case StateEnding:
		return "Ending session..."
	default:
		return "Idle"
	}
}

// frameLoop consumes rendered frames and updates the sampler for every
// attached hand. It also owns the device attach/detach subscription: a
// detached hand is forgotten so its key disappears from the snapshot map,
// without touching session state.
func (m *Manager) frameLoop(ctx context.Context, sess xrinput.Session, space xrinput.ReferenceSpace) {
	defer m.loopsDone.Done()

	subID, events := sess.Subscribe()
	defer sess.Unsubscribe(subID)

	frames := sess.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Attached {
				m.sampler.Forget(ev.Source.Hand())
				monitoring.Logf("session: controller %s detached", ev.Source.Hand())
			} else {
				monitoring.Logf("session: controller %s attached", ev.Source.Hand())
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			for _, src := range sess.Sources() {
				// A nil sample is a momentary tracking gap; the sampler
				// retains the last known snapshot for the hand.
				m.sampler.Sample(src, frame, space)
			}
		}
	}
}

// sendLoop serializes the latest snapshot map at a fixed rate, decoupled
// from the visual frame rate so the consumer sees a stable data rate
// regardless of rendering load.
func (m *Manager) sendLoop(ctx context.Context) {
	defer m.loopsDone.Done()

	ticker := time.NewTicker(m.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps := m.sampler.Snapshots()
			frame := TelemetryFrame{
				Left:      snaps[xrinput.HandLeft],
				Right:     snaps[xrinput.HandRight],
				Timestamp: time.Now().UnixMilli(),
			}
			m.sender.Send(frame)
		}
	}
}

// watchEnd ends the session when the device reports it gone (headset
// removed, runtime shutdown) rather than the user asking.
func (m *Manager) watchEnd(ctx context.Context, sess xrinput.Session) {
	defer m.loopsDone.Done()

	select {
	case <-ctx.Done():
	case <-sess.Done():
		go m.End("device ended session")
	}
}
