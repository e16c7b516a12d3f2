package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the operating mode reported by the alarm hub.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeDisarmed
	ModeArmedHome
	ModeArmedAway
	ModeSOS
)

var modeNames = map[Mode]string{
	ModeUnknown:   "unknown",
	ModeDisarmed:  "disarmed",
	ModeArmedHome: "home",
	ModeArmedAway: "away",
	ModeSOS:       "sos",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Armed reports whether sensors are live in this mode.
func (m Mode) Armed() bool {
	return m == ModeArmedHome || m == ModeArmedAway
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts the text names used in configuration and the API.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disarmed", "disarm", "off":
		return ModeDisarmed, nil
	case "home", "armed_home", "stay":
		return ModeArmedHome, nil
	case "away", "armed_away", "arm":
		return ModeArmedAway, nil
	case "sos", "panic":
		return ModeSOS, nil
	case "unknown":
		return ModeUnknown, nil
	}
	return ModeUnknown, fmt.Errorf("unknown mode %q", s)
}

// ConnectionHealth describes the hub session.
type ConnectionHealth string

const (
	HealthConnected    ConnectionHealth = "connected"
	HealthReconnecting ConnectionHealth = "reconnecting"
	HealthLost         ConnectionHealth = "lost"
)

// StreamHealth describes the camera session.
type StreamHealth string

const (
	StreamIdle       StreamHealth = "idle"
	StreamConnecting StreamHealth = "connecting"
	StreamStreaming  StreamHealth = "streaming"
	StreamStalled    StreamHealth = "stalled"
	StreamLost       StreamHealth = "lost"
)

// HubState is a snapshot of the alarm hub. Mode is ModeUnknown only while
// ConnectionHealth is not HealthConnected.
type HubState struct {
	Mode             Mode             `json:"mode"`
	SirenActive      bool             `json:"siren_active"`
	AlarmTriggered   bool             `json:"alarm_triggered"`
	Zones            map[int]bool     `json:"zones"`
	Volume           string           `json:"volume,omitempty"`
	LastSeen         time.Time        `json:"last_seen"`
	ConnectionHealth ConnectionHealth `json:"connection_health"`
}

// NewHubState returns the state a manager starts with.
func NewHubState() HubState {
	return HubState{
		Mode:             ModeUnknown,
		Zones:            map[int]bool{},
		ConnectionHealth: HealthLost,
	}
}

// Clone returns a copy that shares no memory with s.
func (s HubState) Clone() HubState {
	out := s
	out.Zones = make(map[int]bool, len(s.Zones))
	for id, v := range s.Zones {
		out.Zones[id] = v
	}
	return out
}

// CameraState is a snapshot of the camera session.
type CameraState struct {
	StreamHealth StreamHealth `json:"stream_health"`
	ActiveURL    string       `json:"active_url"`
	LastFrameAt  time.Time    `json:"last_frame_at"`
	MotionActive bool         `json:"motion_active"`
	FrameCount   uint64       `json:"frame_count"`
}

// NewCameraState returns the state a manager starts with.
func NewCameraState() CameraState {
	return CameraState{StreamHealth: StreamIdle}
}
