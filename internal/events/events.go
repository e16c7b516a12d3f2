// Package events defines the typed events produced by the device managers and
// the in-process bus that fans them out to observers.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/homeguard/internal/model"
)

// Kind names one member of the event union.
type Kind string

const (
	KindHubModeChanged            Kind = "hub_mode_changed"
	KindZoneTriggered             Kind = "zone_triggered"
	KindSirenChanged              Kind = "siren_changed"
	KindHubConnectivityChanged    Kind = "hub_connectivity_changed"
	KindFrameReceived             Kind = "frame_received"
	KindCameraConnectivityChanged Kind = "camera_connectivity_changed"
	KindMotionDetected            Kind = "motion_detected"
)

// Source is the device an event originated from. Ordering is only
// guaranteed between events of the same source.
type Source string

const (
	SourceHub    Source = "hub"
	SourceCamera Source = "camera"
)

// Event is implemented by the value types below. Events are passed by value
// and never modified after construction.
type Event interface {
	Kind() Kind
	Source() Source
	ID() uuid.UUID
	Time() time.Time
}

// Meta carries the identity and emission time shared by every event.
type Meta struct {
	EventID uuid.UUID `json:"-"`
	At      time.Time `json:"-"`
}

func NewMeta(at time.Time) Meta {
	return Meta{EventID: uuid.New(), At: at}
}

func (m Meta) ID() uuid.UUID   { return m.EventID }
func (m Meta) Time() time.Time { return m.At }

type HubModeChanged struct {
	Meta
	Old model.Mode `json:"old"`
	New model.Mode `json:"new"`
}

func (HubModeChanged) Kind() Kind     { return KindHubModeChanged }
func (HubModeChanged) Source() Source { return SourceHub }

type ZoneTriggered struct {
	Meta
	ZoneID int `json:"zone_id"`
}

func (ZoneTriggered) Kind() Kind     { return KindZoneTriggered }
func (ZoneTriggered) Source() Source { return SourceHub }

type SirenChanged struct {
	Meta
	Active bool `json:"active"`
}

func (SirenChanged) Kind() Kind     { return KindSirenChanged }
func (SirenChanged) Source() Source { return SourceHub }

type HubConnectivityChanged struct {
	Meta
	Health model.ConnectionHealth `json:"health"`
}

func (HubConnectivityChanged) Kind() Kind     { return KindHubConnectivityChanged }
func (HubConnectivityChanged) Source() Source { return SourceHub }

// FrameReceived is rate limited by the camera manager; it is a liveness
// signal, not a per-frame feed.
type FrameReceived struct {
	Meta
	Seq uint64 `json:"seq"`
}

func (FrameReceived) Kind() Kind     { return KindFrameReceived }
func (FrameReceived) Source() Source { return SourceCamera }

type CameraConnectivityChanged struct {
	Meta
	Health    model.StreamHealth `json:"health"`
	ActiveURL string             `json:"active_url,omitempty"`
}

func (CameraConnectivityChanged) Kind() Kind     { return KindCameraConnectivityChanged }
func (CameraConnectivityChanged) Source() Source { return SourceCamera }

type MotionDetected struct {
	Meta
	SnapshotRef string  `json:"snapshot_ref"`
	Score       float64 `json:"score"`
}

func (MotionDetected) Kind() Kind     { return KindMotionDetected }
func (MotionDetected) Source() Source { return SourceCamera }
