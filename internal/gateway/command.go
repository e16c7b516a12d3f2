package gateway

import (
	"fmt"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

// Device identifies an independent command lane.
type Device string

const (
	DeviceHub    Device = "hub"
	DeviceCamera Device = "camera"
)

type Kind string

const (
	KindSetMode      Kind = "set_mode"
	KindTriggerSiren Kind = "trigger_siren"
	KindRearm        Kind = "rearm"
	KindSetVolume    Kind = "set_volume"
	KindTakeSnapshot Kind = "take_snapshot"
)

// RearmStrategy selects how the hub goes back to an armed mode.
type RearmStrategy string

const (
	// RearmSilent writes the target data points directly; the hub does not beep.
	RearmSilent RearmStrategy = "silent"
	// RearmNormal disarms then arms; the hub plays its confirmation beeps.
	RearmNormal RearmStrategy = "normal"
)

func ParseRearmStrategy(s string) (RearmStrategy, error) {
	switch RearmStrategy(s) {
	case RearmSilent, RearmNormal:
		return RearmStrategy(s), nil
	case "":
		return RearmSilent, nil
	}
	return "", fmt.Errorf("unknown rearm strategy %q", s)
}

// Token correlates a submitted command with its outcome.
type Token string

// Command is a request for a device. Only the fields relevant to Kind are read.
type Command struct {
	Token    Token         `json:"token"`
	Kind     Kind          `json:"kind"`
	Mode     model.Mode    `json:"mode,omitempty"`
	Siren    bool          `json:"siren,omitempty"`
	Strategy RearmStrategy `json:"strategy,omitempty"`
	Volume   string        `json:"volume,omitempty"`
	Origin   string        `json:"origin,omitempty"`

	// SilenceSiren makes a re-arm switch the siren off first.
	SilenceSiren bool `json:"silence_siren,omitempty"`
}

func SetMode(target model.Mode) Command {
	return Command{Kind: KindSetMode, Mode: target}
}

func TriggerSiren(on bool) Command {
	return Command{Kind: KindTriggerSiren, Siren: on}
}

func Rearm(strategy RearmStrategy, target model.Mode) Command {
	return Command{Kind: KindRearm, Strategy: strategy, Mode: target}
}

// VolumeMute asks for the hub's configured mute level.
const VolumeMute = "mute"

// SetVolume sets the hub speaker to a raw level or to VolumeMute.
func SetVolume(level string) Command {
	return Command{Kind: KindSetVolume, Volume: level}
}

func TakeSnapshot() Command {
	return Command{Kind: KindTakeSnapshot}
}

// Device returns the lane the command runs on.
func (c Command) Device() (Device, error) {
	switch c.Kind {
	case KindSetMode, KindTriggerSiren, KindRearm, KindSetVolume:
		return DeviceHub, nil
	case KindTakeSnapshot:
		return DeviceCamera, nil
	}
	return "", fmt.Errorf("unknown command kind %q", c.Kind)
}

// State is the lifecycle position of a command.
type State string

const (
	StatePending      State = "pending"
	StateAcknowledged State = "acknowledged"
	StateRejected     State = "rejected"
	StateTimeout      State = "timeout"
)

func (s State) Terminal() bool {
	return s != StatePending
}

// Outcome is what Poll and Wait report for a token.
type Outcome struct {
	Token       Token     `json:"token"`
	Device      Device    `json:"device"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Artifact    string    `json:"artifact,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Result is returned by an executor on success.
type Result struct {
	// Artifact names something the command produced, e.g. a stored snapshot.
	Artifact string
}
