package xrinput

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ReplayButton is one scripted button sample.
type ReplayButton struct {
	Pressed bool    `json:"pressed"`
	Touched bool    `json:"touched"`
	Value   float64 `json:"value"`
}

// ReplayStep is one scripted frame for one hand. Present defaults to true;
// a step with present=false detaches the controller for that frame (the
// device is gone, not merely occluded). Tracked defaults to true; a step
// with tracked=false keeps the controller attached but yields no pose.
type ReplayStep struct {
	Present     *bool          `json:"present,omitempty"`
	Tracked     *bool          `json:"tracked,omitempty"`
	Position    [3]float64     `json:"position"`
	Orientation [4]float64     `json:"orientation"`
	Buttons     []ReplayButton `json:"buttons,omitempty"`
	Axes        []float64      `json:"axes,omitempty"`
}

func (s ReplayStep) present() bool { return s.Present == nil || *s.Present }
func (s ReplayStep) tracked() bool { return s.Tracked == nil || *s.Tracked }

// ReplayScript is a scripted input rig: per-hand step sequences that loop
// forever, advanced once per frame. Used for -dev mode fixtures and tests.
type ReplayScript struct {
	FrameInterval        string                `json:"frame_interval,omitempty"`
	PassthroughSupported bool                  `json:"passthrough_supported"`
	Hands                map[Hand][]ReplayStep `json:"hands"`
}

// LoadReplayScript reads a ReplayScript from a JSON fixture file.
func LoadReplayScript(path string) (*ReplayScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay fixture: %w", err)
	}
	var script ReplayScript
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse replay fixture: %w", err)
	}
	if len(script.Hands) == 0 {
		return nil, fmt.Errorf("replay fixture defines no hands")
	}
	return &script, nil
}

// GetFrameInterval parses the script's frame interval, defaulting to ~60Hz.
func (s *ReplayScript) GetFrameInterval() time.Duration {
	if s.FrameInterval == "" {
		return 16 * time.Millisecond
	}
	d, err := time.ParseDuration(s.FrameInterval)
	if err != nil {
		return 16 * time.Millisecond
	}
	return d
}

// ReplaySystem implements System over a ReplayScript.
type ReplaySystem struct {
	script *ReplayScript

	// RejectPassthrough forces passthrough session requests to fail even
	// when the script claims support, to exercise the fallback path.
	RejectPassthrough bool
	// RejectPlain forces plain immersive session requests to fail.
	RejectPlain bool
	// RejectAll reports the rig as having no immersive capability at all.
	RejectAll bool
	// DenyFloorSpace makes granted sessions refuse the floor reference
	// space, to exercise the degraded-tracking failure path.
	DenyFloorSpace bool
	// Manual disables the real-time frame ticker; callers advance the
	// session themselves via the Advancer interface. For tests.
	Manual bool
}

// Advancer is implemented by replay sessions; tests drive frames manually
// through it when the system is in Manual mode.
type Advancer interface {
	Advance()
}

// NewReplaySystem creates a replay-backed input system.
func NewReplaySystem(script *ReplayScript) *ReplaySystem {
	return &ReplaySystem{script: script}
}

func (r *ReplaySystem) Available() bool { return !r.RejectAll }

func (r *ReplaySystem) PassthroughSupported() bool {
	return r.script.PassthroughSupported && !r.RejectPassthrough
}

func (r *ReplaySystem) RequestSession(ctx context.Context, mode SessionMode, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.RejectAll {
		return nil, fmt.Errorf("no immersive sessions available")
	}
	if mode == ModePassthrough && !r.PassthroughSupported() {
		return nil, fmt.Errorf("session mode %q not supported", mode)
	}
	if mode == ModePlain && r.RejectPlain {
		return nil, fmt.Errorf("session mode %q not supported", mode)
	}
	sess := newReplaySession(r.script, mode)
	sess.denyFloorSpace = r.DenyFloorSpace
	if !r.Manual {
		sess.run(r.script.GetFrameInterval())
	}
	return sess, nil
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

type replayGamepad struct {
	mu      sync.Mutex
	buttons []GamepadButton
	axes    []float64
}

func (g *replayGamepad) Buttons() []GamepadButton {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GamepadButton, len(g.buttons))
	copy(out, g.buttons)
	return out
}

func (g *replayGamepad) Axes() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]float64, len(g.axes))
	copy(out, g.axes)
	return out
}

func (g *replayGamepad) set(step ReplayStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buttons = g.buttons[:0]
	for _, b := range step.Buttons {
		g.buttons = append(g.buttons, GamepadButton(b))
	}
	g.axes = append(g.axes[:0], step.Axes...)
}

type replaySource struct {
	hand    Hand
	gamepad *replayGamepad
}

func (s *replaySource) Hand() Hand       { return s.hand }
func (s *replaySource) Gamepad() Gamepad { return s.gamepad }

type replaySpace struct{ kind string }

func (s *replaySpace) Kind() string { return s.kind }

type replayFrame struct {
	at    time.Time
	poses map[Hand]Pose
}

func (f *replayFrame) Time() time.Time { return f.at }

func (f *replayFrame) Pose(src InputSource, space ReferenceSpace) (Pose, bool) {
	p, ok := f.poses[src.Hand()]
	return p, ok
}

// replaySession implements Session over a script. The attach/detach fanout
// mirrors the subscriber pattern used for hardware event sources elsewhere
// in the bridge.
type replaySession struct {
	script         *ReplayScript
	mode           SessionMode
	denyFloorSpace bool

	frames chan Frame
	done   chan struct{}

	mu          sync.Mutex
	cursor      int
	sources     map[Hand]*replaySource
	subscribers map[string]chan SourceEvent
	ended       bool
	stopTick    chan struct{}
}

func newReplaySession(script *ReplayScript, mode SessionMode) *replaySession {
	return &replaySession{
		script:      script,
		mode:        mode,
		frames:      make(chan Frame, 1),
		done:        make(chan struct{}),
		sources:     make(map[Hand]*replaySource),
		subscribers: make(map[string]chan SourceEvent),
		stopTick:    make(chan struct{}),
	}
}

func (s *replaySession) Mode() SessionMode { return s.mode }

func (s *replaySession) ReferenceSpace(kind string) (ReferenceSpace, error) {
	if kind != FloorSpace || s.denyFloorSpace {
		return nil, fmt.Errorf("reference space %q not supported", kind)
	}
	return &replaySpace{kind: kind}, nil
}

func (s *replaySession) Frames() <-chan Frame { return s.frames }

func (s *replaySession) Sources() []InputSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InputSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out
}

func (s *replaySession) Subscribe() (string, chan SourceEvent) {
	id := randomID()
	ch := make(chan SourceEvent, 4)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

func (s *replaySession) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *replaySession) Done() <-chan struct{} { return s.done }

func (s *replaySession) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	close(s.stopTick)
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	close(s.frames)
	close(s.done)
	return nil
}

// run drives the script on a real-time ticker until the session ends.
func (s *replaySession) run(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopTick:
				return
			case <-ticker.C:
				s.Advance()
			}
		}
	}()
}

// Advance plays one script step for every hand and emits the resulting
// frame. It is exported so tests can drive the session deterministically
// with a zero frame interval.
func (s *replaySession) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}

	frame := &replayFrame{at: time.Now(), poses: make(map[Hand]Pose)}
	var events []SourceEvent

	for hand, steps := range s.script.Hands {
		if len(steps) == 0 {
			continue
		}
		step := steps[s.cursor%len(steps)]

		src, attached := s.sources[hand]
		if !step.present() {
			if attached {
				delete(s.sources, hand)
				events = append(events, SourceEvent{Source: src, Attached: false})
			}
			continue
		}
		if !attached {
			src = &replaySource{hand: hand, gamepad: &replayGamepad{}}
			s.sources[hand] = src
			events = append(events, SourceEvent{Source: src, Attached: true})
		}
		src.gamepad.set(step)
		if step.tracked() {
			frame.poses[hand] = Pose{Position: step.Position, Orientation: step.Orientation}
		}
	}
	s.cursor++

	// Sends happen under the lock: End and Unsubscribe close these
	// channels with the lock held, so a send can never hit a closed
	// channel. Both sends are non-blocking, so this cannot deadlock.
	for _, ev := range events {
		for _, ch := range s.subscribers {
			select {
			case ch <- ev:
			default:
				// skip a full subscriber so the frame loop never blocks
			}
		}
	}

	select {
	case s.frames <- frame:
	default:
		// consumer is behind; visual frames are droppable
	}
}
