package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/teleop.bridge/internal/sampler"
	"github.com/banshee-data/teleop.bridge/internal/status"
	"github.com/banshee-data/teleop.bridge/internal/xrinput"
)

// recordingSender captures every telemetry frame the manager sends.
type recordingSender struct {
	mu     sync.Mutex
	frames []TelemetryFrame
}

func (s *recordingSender) Send(v interface{}) {
	frame, ok := v.(TelemetryFrame)
	if !ok {
		return
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSender) last() (TelemetryFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return TelemetryFrame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// waitFrames polls until at least n frames have been sent.
func (s *recordingSender) waitFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d telemetry frames, have %d", n, s.count())
}

// capturingSystem wraps a replay system and remembers the granted session
// so tests can drive or end it directly.
type capturingSystem struct {
	*xrinput.ReplaySystem

	mu   sync.Mutex
	sess xrinput.Session
}

func (c *capturingSystem) RequestSession(ctx context.Context, mode xrinput.SessionMode, opts xrinput.SessionOptions) (xrinput.Session, error) {
	sess, err := c.ReplaySystem.RequestSession(ctx, mode, opts)
	if err == nil {
		c.mu.Lock()
		c.sess = sess
		c.mu.Unlock()
	}
	return sess, err
}

func (c *capturingSystem) session() xrinput.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func rightHandScript() *xrinput.ReplayScript {
	return &xrinput.ReplayScript{
		PassthroughSupported: true,
		Hands: map[xrinput.Hand][]xrinput.ReplayStep{
			xrinput.HandRight: {
				{
					Position:    [3]float64{0.1, 1.2, -0.3},
					Orientation: [4]float64{0, 0, 0, 1},
					Buttons:     []xrinput.ReplayButton{{Value: 0.5}},
				},
			},
		},
	}
}

func newTestManager(script *xrinput.ReplayScript) (*Manager, *capturingSystem, *recordingSender) {
	sys := &capturingSystem{ReplaySystem: xrinput.NewReplaySystem(script)}
	sys.Manual = true
	sender := &recordingSender{}
	m := NewManager(sys, sampler.New(4), sender, status.NewSynchronizer(), 5*time.Millisecond)
	return m, sys, sender
}

func waitManagerState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, at %q", want, m.State())
}

func TestStartPrefersPassthrough(t *testing.T) {
	m, _, _ := newTestManager(rightHandScript())
	defer m.End("test done")

	if err := m.Start(context.Background(), true); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %q, want active", m.State())
	}
	if m.Mode() != xrinput.ModePassthrough {
		t.Errorf("mode = %q, want passthrough", m.Mode())
	}
	if m.SessionID() == "" {
		t.Error("active session has no ID")
	}

	// A second request while active is rejected without disturbing state.
	if err := m.Start(context.Background(), true); err != ErrNotIdle {
		t.Errorf("second Start err = %v, want ErrNotIdle", err)
	}
	if m.State() != StateActive {
		t.Errorf("state disturbed by rejected request: %q", m.State())
	}
}

func TestStartFallsBackToPlain(t *testing.T) {
	script := rightHandScript()
	m, sys, _ := newTestManager(script)
	sys.RejectPassthrough = true
	defer m.End("test done")

	if err := m.Start(context.Background(), true); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.Mode() != xrinput.ModePlain {
		t.Errorf("mode = %q, want plain fallback", m.Mode())
	}
}

func TestStartSkipsPassthroughWhenNotPreferred(t *testing.T) {
	m, _, _ := newTestManager(rightHandScript())
	defer m.End("test done")

	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.Mode() != xrinput.ModePlain {
		t.Errorf("mode = %q, want plain", m.Mode())
	}
}

func TestStartFailsWhenBothModesRejected(t *testing.T) {
	m, sys, _ := newTestManager(rightHandScript())
	sys.RejectPassthrough = true
	sys.RejectPlain = true

	if err := m.Start(context.Background(), true); err == nil {
		t.Fatal("expected Start to fail")
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %q, want failed", m.State())
	}
	if m.FailReason() == "" {
		t.Error("failed state has no reason string")
	}

	// Failed is recoverable: a retry from Failed is allowed.
	sys.RejectPlain = false
	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("retry after Failed rejected: %v", err)
	}
	waitManagerState(t, m, StateActive)
	m.End("test done")
}

func TestReferenceSpaceFailureIsFatal(t *testing.T) {
	m, sys, _ := newTestManager(rightHandScript())
	sys.DenyFloorSpace = true

	if err := m.Start(context.Background(), false); err == nil {
		t.Fatal("expected Start to fail on reference space acquisition")
	}
	if m.State() != StateFailed {
		t.Errorf("state = %q, want failed", m.State())
	}
}

func TestTelemetryCarriesTrackedHandOnly(t *testing.T) {
	m, sys, sender := newTestManager(rightHandScript())
	defer m.End("test done")

	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sys.session().(xrinput.Advancer).Advance()
	// Wait for a telemetry frame that includes the sampled hand; the send
	// loop may tick before the frame loop has processed the first frame.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frame, ok := sender.last(); ok && frame.Right != nil {
			if frame.Left != nil {
				t.Error("left hand present in telemetry but never tracked")
			}
			if frame.Timestamp == 0 {
				t.Error("telemetry frame missing timestamp")
			}
			if frame.Right.Position != [3]float64{0.1, 1.2, -0.3} {
				t.Errorf("unexpected right position %v", frame.Right.Position)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for telemetry with right hand")
}

func TestHandDetachMidSession(t *testing.T) {
	script := rightHandScript()
	script.Hands[xrinput.HandRight] = append(script.Hands[xrinput.HandRight],
		xrinput.ReplayStep{Present: falseP()})
	m, sys, _ := newTestManager(script)
	defer m.End("test done")

	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	adv := sys.session().(xrinput.Advancer)

	adv.Advance() // step 0: right tracked
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Snapshots()[xrinput.HandRight]; ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	adv.Advance() // step 1: right detaches
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Snapshots()[xrinput.HandRight]; !ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := m.Snapshots()[xrinput.HandRight]; ok {
		t.Error("right hand still in snapshot map after detach")
	}
	if m.State() != StateActive {
		t.Errorf("detach changed session state to %q", m.State())
	}
}

func TestEndStopsLoopsAndClearsState(t *testing.T) {
	m, sys, sender := newTestManager(rightHandScript())

	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sys.session().(xrinput.Advancer).Advance()
	sender.waitFrames(t, 1)

	m.End("user stop")
	waitManagerState(t, m, StateIdle)

	if len(m.Snapshots()) != 0 {
		t.Error("snapshots survived session end")
	}
	if m.SessionID() != "" {
		t.Error("session ID survived session end")
	}

	// The send loop is gone: no further frames arrive.
	n := sender.count()
	time.Sleep(30 * time.Millisecond)
	if sender.count() != n {
		t.Error("telemetry still flowing after End")
	}

	// End is idempotent.
	m.End("again")
}

func TestDeviceEndedSessionReturnsToIdle(t *testing.T) {
	m, sys, _ := newTestManager(rightHandScript())

	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sys.session().End()
	waitManagerState(t, m, StateIdle)
}

func TestStateChangeHooksPreserveOrder(t *testing.T) {
	m, _, _ := newTestManager(rightHandScript())

	var mu sync.Mutex
	var transitions []State
	m.OnStateChange = func(id string, state State, mode xrinput.SessionMode, detail string) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	}

	if err := m.Start(context.Background(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	m.End("test done")

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRequesting, StateActive, StateEnding, StateIdle}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestStartRejectedWhenCapabilityAbsent(t *testing.T) {
	m, sys, _ := newTestManager(rightHandScript())
	sys.RejectAll = true

	if err := m.Start(context.Background(), false); err == nil {
		t.Fatal("expected Start to fail without immersive capability")
	}
	if m.State() != StateIdle && m.State() != StateFailed {
		t.Errorf("unexpected state %q", m.State())
	}
}

func falseP() *bool { v := false; return &v }
