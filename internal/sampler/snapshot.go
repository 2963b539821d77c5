package sampler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Well-known gamepad button indices. Every index reported by the device is
// forwarded; these four additionally get semantic promotion on the wire.
const (
	ButtonTrigger   = 0
	ButtonGrip      = 1
	ButtonPrimary   = 4
	ButtonSecondary = 5
)

// ButtonState is the wire form of a single button.
type ButtonState struct {
	Pressed bool    `json:"pressed"`
	Touched bool    `json:"touched"`
	Value   float64 `json:"value"`
}

// ButtonMap carries the per-index button states plus the two promoted
// convenience flags. On the wire it is a single JSON object: "button_<i>"
// keys for the states and "primary_pressed"/"secondary_pressed" booleans,
// which is the shape the robot consumer parses.
type ButtonMap struct {
	States           map[int]ButtonState
	PrimaryPressed   bool
	SecondaryPressed bool
}

// MarshalJSON flattens the map and the promoted flags into one object.
func (m ButtonMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.States)+2)
	for idx, state := range m.States {
		out[fmt.Sprintf("button_%d", idx)] = state
	}
	out["primary_pressed"] = m.PrimaryPressed
	out["secondary_pressed"] = m.SecondaryPressed
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON. The bridge never receives
// snapshots, but round-tripping keeps fixtures and tests honest.
func (m *ButtonMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.States = make(map[int]ButtonState)
	for key, val := range raw {
		switch key {
		case "primary_pressed":
			if err := json.Unmarshal(val, &m.PrimaryPressed); err != nil {
				return err
			}
		case "secondary_pressed":
			if err := json.Unmarshal(val, &m.SecondaryPressed); err != nil {
				return err
			}
		default:
			idxStr, ok := strings.CutPrefix(key, "button_")
			if !ok {
				continue
			}
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				continue
			}
			var state ButtonState
			if err := json.Unmarshal(val, &state); err != nil {
				return err
			}
			m.States[idx] = state
		}
	}
	return nil
}

// DebugState duplicates the trigger/grip values and the two press booleans
// as a denormalized convenience view for the consumer. Field names are part
// of the wire contract.
type DebugState struct {
	TriggerValue           float64 `json:"triggerValue"`
	GripValue              float64 `json:"gripValue"`
	PrimaryButtonPressed   bool    `json:"primaryButtonPressed"`
	SecondaryButtonPressed bool    `json:"secondaryButtonPressed"`
}

// ControllerSnapshot is one hand's quantized, wire-ready input state for a
// frame. Position is metres; rotation is an x,y,z,w unit quaternion. All
// floats are rounded at sampling time so re-serialization is idempotent.
type ControllerSnapshot struct {
	Position [3]float64         `json:"position"`
	Rotation [4]float64         `json:"rotation"`
	Buttons  ButtonMap          `json:"buttons"`
	Axes     map[string]float64 `json:"axes"`
	Debug    DebugState         `json:"debug"`
}

// Clone returns a deep copy so callers can hold snapshots across frames
// without aliasing the sampler's retained state.
func (s *ControllerSnapshot) Clone() *ControllerSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Buttons.States = make(map[int]ButtonState, len(s.Buttons.States))
	for idx, state := range s.Buttons.States {
		out.Buttons.States[idx] = state
	}
	out.Axes = make(map[string]float64, len(s.Axes))
	for key, val := range s.Axes {
		out.Axes[key] = val
	}
	return &out
}
