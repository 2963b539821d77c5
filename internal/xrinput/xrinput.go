// Package xrinput abstracts the immersive rig: sessions, per-frame pose
// resolution, and tracked controller input sources. The bridge only ever
// talks to these interfaces; hardware bindings and the scripted replay rig
// used in dev mode both live behind them.
package xrinput

import (
	"context"
	"time"
)

// Hand identifies which controller an input source represents.
type Hand string

const (
	HandLeft  Hand = "left"
	HandRight Hand = "right"
)

// SessionMode selects the rendering blend of an immersive session.
type SessionMode string

const (
	// ModePassthrough overlays rendered content on a live camera view.
	ModePassthrough SessionMode = "immersive-ar"
	// ModePlain is a fully rendered immersive session.
	ModePlain SessionMode = "immersive-vr"
)

// Reference space kinds. FloorSpace anchors poses to the physical floor so
// they are comparable across frames.
const FloorSpace = "local-floor"

// Feature names negotiated at session request time.
const (
	FeatureLocalFloor   = "local-floor"
	FeatureHandTracking = "hand-tracking"
)

// GamepadButton is the raw state of a single controller button.
type GamepadButton struct {
	Pressed bool
	Touched bool
	Value   float64
}

// Gamepad exposes the button/axis state of a controller for the current
// frame. Index meaning is device-defined; the sampler promotes the
// well-known indices (0 trigger, 1 grip, 4 primary, 5 secondary).
type Gamepad interface {
	Buttons() []GamepadButton
	Axes() []float64
}

// Pose is a raw controller pose in the coordinate frame of a reference
// space. Orientation is an x,y,z,w unit quaternion.
type Pose struct {
	Position    [3]float64
	Orientation [4]float64
}

// InputSource is one tracked controller attached to a session.
type InputSource interface {
	Hand() Hand
	Gamepad() Gamepad
}

// ReferenceSpace is an opaque coordinate frame handle obtained from a
// session.
type ReferenceSpace interface {
	Kind() string
}

// Frame is the per-rendered-frame context. Pose returns false when no pose
// is resolvable for the source this frame (momentary occlusion); callers
// must treat that as a tracking gap, not a detach.
type Frame interface {
	Time() time.Time
	Pose(src InputSource, space ReferenceSpace) (Pose, bool)
}

// SourceEvent reports a controller attaching to or detaching from a
// session. These events are independent of session lifecycle: a controller
// may come and go mid-session.
type SourceEvent struct {
	Source   InputSource
	Attached bool
}

// Session is a granted immersive session.
type Session interface {
	Mode() SessionMode

	// ReferenceSpace acquires a coordinate frame of the given kind.
	ReferenceSpace(kind string) (ReferenceSpace, error)

	// Frames delivers one Frame per rendered visual frame. The channel is
	// closed when the session ends.
	Frames() <-chan Frame

	// Sources returns the controllers currently attached.
	Sources() []InputSource

	// Subscribe creates a new channel for receiving controller
	// attach/detach events. The returned ID identifies the channel when
	// unsubscribing.
	Subscribe() (string, chan SourceEvent)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(id string)

	// End terminates the session. Done is closed once the session has
	// ended, whether via End or device-initiated shutdown.
	End() error
	Done() <-chan struct{}
}

// SessionOptions carries the feature lists negotiated at request time.
type SessionOptions struct {
	RequiredFeatures []string
	OptionalFeatures []string
}

// System is the entry point to the immersive rig.
type System interface {
	// Available reports whether immersive sessions can be requested at all.
	Available() bool
	// PassthroughSupported reports whether the rig can grant
	// ModePassthrough sessions.
	PassthroughSupported() bool
	// RequestSession negotiates a session of the given mode. The request
	// may be rejected; callers fall back per their own policy.
	RequestSession(ctx context.Context, mode SessionMode, opts SessionOptions) (Session, error)
}
