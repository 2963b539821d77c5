package transport

// Message types recognized on the inbound path. Anything else is logged and
// ignored; a malformed payload is never fatal to the channel.
const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeRecordingStatus = "recording_status"
)

// ControlMessage is the envelope for the small control sub-protocol that
// rides the channel alongside telemetry: liveness probes and the
// recording-status sync pushed by the robot consumer.
type ControlMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"` // epoch milliseconds

	// recording_status fields. The count is optional on the wire; older
	// consumers send only the active flag.
	RecordingActive *bool   `json:"recording_active,omitempty"`
	RecordingCount  *uint64 `json:"recording_count,omitempty"`
}
