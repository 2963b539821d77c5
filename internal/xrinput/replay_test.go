package xrinput

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func boolPtr(v bool) *bool { return &v }

func testScript() *ReplayScript {
	return &ReplayScript{
		PassthroughSupported: true,
		Hands: map[Hand][]ReplayStep{
			HandRight: {
				{
					Position:    [3]float64{0.1, 1.2, -0.3},
					Orientation: [4]float64{0, 0, 0, 1},
					Buttons:     []ReplayButton{{Value: 0.5}, {Pressed: true, Value: 1}},
					Axes:        []float64{0.25, -0.5},
				},
				{Tracked: boolPtr(false)},
				{Present: boolPtr(false)},
			},
		},
	}
}

func manualSession(t *testing.T, script *ReplayScript, mode SessionMode) (Session, Advancer) {
	t.Helper()
	sys := NewReplaySystem(script)
	sys.Manual = true
	sess, err := sys.RequestSession(context.Background(), mode, SessionOptions{})
	if err != nil {
		t.Fatalf("RequestSession failed: %v", err)
	}
	adv, ok := sess.(Advancer)
	if !ok {
		t.Fatal("replay session does not implement Advancer")
	}
	return sess, adv
}

func TestRequestSessionModeRejection(t *testing.T) {
	script := testScript()
	script.PassthroughSupported = false
	sys := NewReplaySystem(script)

	if _, err := sys.RequestSession(context.Background(), ModePassthrough, SessionOptions{}); err == nil {
		t.Fatal("expected passthrough request to be rejected")
	}

	sys.Manual = true
	sess, err := sys.RequestSession(context.Background(), ModePlain, SessionOptions{})
	if err != nil {
		t.Fatalf("plain session request failed: %v", err)
	}
	if sess.Mode() != ModePlain {
		t.Errorf("Mode() = %q, want %q", sess.Mode(), ModePlain)
	}
	sess.End()
}

func TestRequestSessionRejectAll(t *testing.T) {
	sys := NewReplaySystem(testScript())
	sys.RejectAll = true
	if sys.Available() {
		t.Error("Available() = true with RejectAll set")
	}
	if _, err := sys.RequestSession(context.Background(), ModePlain, SessionOptions{}); err == nil {
		t.Fatal("expected request to fail")
	}
}

func TestReplayFramePoseAndGamepad(t *testing.T) {
	sess, adv := manualSession(t, testScript(), ModePassthrough)
	defer sess.End()

	space, err := sess.ReferenceSpace(FloorSpace)
	if err != nil {
		t.Fatalf("ReferenceSpace failed: %v", err)
	}

	adv.Advance()
	frame := <-sess.Frames()

	sources := sess.Sources()
	if len(sources) != 1 {
		t.Fatalf("expected 1 source after first frame, got %d", len(sources))
	}
	src := sources[0]
	if src.Hand() != HandRight {
		t.Errorf("Hand() = %q, want right", src.Hand())
	}

	pose, ok := frame.Pose(src, space)
	if !ok {
		t.Fatal("expected a resolvable pose on step 0")
	}
	if pose.Position != [3]float64{0.1, 1.2, -0.3} {
		t.Errorf("unexpected position %v", pose.Position)
	}

	buttons := src.Gamepad().Buttons()
	if len(buttons) != 2 || !buttons[1].Pressed {
		t.Errorf("unexpected buttons %v", buttons)
	}
	axes := src.Gamepad().Axes()
	if len(axes) != 2 || axes[0] != 0.25 {
		t.Errorf("unexpected axes %v", axes)
	}
}

func TestReplayTrackingGapKeepsSourceAttached(t *testing.T) {
	sess, adv := manualSession(t, testScript(), ModePlain)
	defer sess.End()

	space, _ := sess.ReferenceSpace(FloorSpace)

	adv.Advance() // step 0: tracked
	<-sess.Frames()
	src := sess.Sources()[0]

	adv.Advance() // step 1: attached but untracked
	frame := <-sess.Frames()
	if _, ok := frame.Pose(src, space); ok {
		t.Error("expected no pose on untracked step")
	}
	if len(sess.Sources()) != 1 {
		t.Error("tracking gap should not detach the source")
	}
}

func TestReplayDetachEmitsEvent(t *testing.T) {
	sess, adv := manualSession(t, testScript(), ModePlain)
	defer sess.End()

	id, events := sess.Subscribe()
	defer sess.Unsubscribe(id)

	adv.Advance() // attach
	<-sess.Frames()
	ev := <-events
	if !ev.Attached {
		t.Fatal("expected attach event first")
	}

	adv.Advance() // untracked, still attached: no event
	<-sess.Frames()

	adv.Advance() // step 2: present=false, detach
	<-sess.Frames()
	select {
	case ev = <-events:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for detach event")
	}
	if ev.Attached {
		t.Error("expected detach event")
	}
	if ev.Source.Hand() != HandRight {
		t.Errorf("detach event for hand %q, want right", ev.Source.Hand())
	}
	if len(sess.Sources()) != 0 {
		t.Error("expected no sources after detach")
	}
}

func TestEndClosesFramesAndSubscribers(t *testing.T) {
	sess, adv := manualSession(t, testScript(), ModePlain)

	_, events := sess.Subscribe()
	if err := sess.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	select {
	case <-sess.Done():
	default:
		t.Error("Done not closed after End")
	}
	if _, ok := <-sess.Frames(); ok {
		t.Error("frames channel not closed after End")
	}
	if _, ok := <-events; ok {
		t.Error("subscriber channel not closed after End")
	}

	// Advancing an ended session is a no-op, End is idempotent.
	adv.Advance()
	if err := sess.End(); err != nil {
		t.Errorf("second End failed: %v", err)
	}
}

func TestEndWhileAdvancing(t *testing.T) {
	// Teardown overlaps the frame ticker in live mode: End and Unsubscribe
	// close channels Advance sends on, so they must never panic when they
	// interleave.
	for i := 0; i < 200; i++ {
		sess, adv := manualSession(t, testScript(), ModePlain)
		id, events := sess.Subscribe()

		advanced := make(chan struct{})
		go func() {
			defer close(advanced)
			for j := 0; j < 50; j++ {
				adv.Advance()
			}
		}()

		// Drain so the attach events keep flowing while teardown races in.
		go func() {
			for range events {
			}
		}()

		sess.End()
		sess.Unsubscribe(id)
		<-advanced
	}
}

func TestReferenceSpaceKind(t *testing.T) {
	sess, _ := manualSession(t, testScript(), ModePlain)
	defer sess.End()

	if _, err := sess.ReferenceSpace("viewer"); err == nil {
		t.Error("expected unsupported reference space kind to fail")
	}
	space, err := sess.ReferenceSpace(FloorSpace)
	if err != nil {
		t.Fatalf("ReferenceSpace failed: %v", err)
	}
	if space.Kind() != FloorSpace {
		t.Errorf("Kind() = %q", space.Kind())
	}
}

func TestLoadReplayScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.json")
	fixture := `{
		"frame_interval": "8ms",
		"passthrough_supported": true,
		"hands": {
			"left": [{"position": [0,1,0], "orientation": [0,0,0,1]}]
		}
	}`
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}

	script, err := LoadReplayScript(path)
	if err != nil {
		t.Fatalf("LoadReplayScript failed: %v", err)
	}
	if script.GetFrameInterval() != 8*time.Millisecond {
		t.Errorf("GetFrameInterval() = %v, want 8ms", script.GetFrameInterval())
	}
	if len(script.Hands[HandLeft]) != 1 {
		t.Errorf("expected 1 left-hand step")
	}
}

func TestLoadReplayScriptRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`{"hands":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadReplayScript(path); err == nil {
		t.Fatal("expected error for fixture with no hands")
	}
}
