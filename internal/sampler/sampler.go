// Package sampler turns raw tracked-controller input into immutable,
// quantized per-hand snapshots, retaining the last known good snapshot
// across momentary tracking gaps.
package sampler

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/teleop.bridge/internal/xrinput"
)

// Quantizer rounds floats to a fixed decimal precision. Rounding an
// already-rounded value is a fixed point, so repeated serialization of the
// same snapshot is byte-stable.
type Quantizer struct {
	scale float64
}

// NewQuantizer creates a quantizer with the given number of decimal places.
func NewQuantizer(decimals int) Quantizer {
	return Quantizer{scale: math.Pow(10, float64(decimals))}
}

// Round quantizes a single value.
func (q Quantizer) Round(v float64) float64 {
	return math.Round(v*q.scale) / q.scale
}

// Sampler produces ControllerSnapshots and owns the per-hand retention
// state. Only the frame loop writes; the send ticker and the visualization
// collaborator read copies via Snapshots.
type Sampler struct {
	quant Quantizer

	mu   sync.Mutex
	last map[xrinput.Hand]*ControllerSnapshot
}

// New creates a Sampler rounding to the given decimal precision.
func New(decimals int) *Sampler {
	return &Sampler{
		quant: NewQuantizer(decimals),
		last:  make(map[xrinput.Hand]*ControllerSnapshot),
	}
}

// Sample reads one hand's state for the current frame. It returns nil when
// no pose is resolvable this frame (device momentarily occluded); the
// previously retained snapshot stays current so a tracking gap never blanks
// the hand. Absence of the device itself is signalled separately via
// Forget.
func (s *Sampler) Sample(src xrinput.InputSource, frame xrinput.Frame, space xrinput.ReferenceSpace) *ControllerSnapshot {
	pose, ok := frame.Pose(src, space)
	if !ok {
		return nil
	}

	snap := &ControllerSnapshot{
		Buttons: ButtonMap{States: make(map[int]ButtonState)},
		Axes:    make(map[string]float64),
	}
	for i, c := range pose.Position {
		snap.Position[i] = s.quant.Round(c)
	}
	for i, c := range pose.Orientation {
		snap.Rotation[i] = s.quant.Round(c)
	}

	pad := src.Gamepad()
	for idx, btn := range pad.Buttons() {
		state := ButtonState{
			Pressed: btn.Pressed,
			Touched: btn.Touched,
			Value:   s.quant.Round(btn.Value),
		}
		snap.Buttons.States[idx] = state
		switch idx {
		case ButtonTrigger:
			snap.Debug.TriggerValue = state.Value
		case ButtonGrip:
			snap.Debug.GripValue = state.Value
		case ButtonPrimary:
			snap.Buttons.PrimaryPressed = state.Pressed
			snap.Debug.PrimaryButtonPressed = state.Pressed
		case ButtonSecondary:
			snap.Buttons.SecondaryPressed = state.Pressed
			snap.Debug.SecondaryButtonPressed = state.Pressed
		}
	}
	for idx, val := range pad.Axes() {
		snap.Axes[fmt.Sprintf("axis_%d", idx)] = s.quant.Round(val)
	}

	s.mu.Lock()
	s.last[src.Hand()] = snap
	s.mu.Unlock()
	return snap
}

// Forget drops a hand's retained snapshot. Called when the device detaches;
// the consumer treats the missing hand key as "not tracked".
func (s *Sampler) Forget(hand xrinput.Hand) {
	s.mu.Lock()
	delete(s.last, hand)
	s.mu.Unlock()
}

// Snapshot returns the retained snapshot for one hand, or nil.
func (s *Sampler) Snapshot(hand xrinput.Hand) *ControllerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[hand].Clone()
}

// Snapshots returns a copy of the current per-hand snapshot map.
func (s *Sampler) Snapshots() map[xrinput.Hand]*ControllerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[xrinput.Hand]*ControllerSnapshot, len(s.last))
	for hand, snap := range s.last {
		out[hand] = snap.Clone()
	}
	return out
}

// Reset clears all retained snapshots. Called at session teardown.
func (s *Sampler) Reset() {
	s.mu.Lock()
	s.last = make(map[xrinput.Hand]*ControllerSnapshot)
	s.mu.Unlock()
}
