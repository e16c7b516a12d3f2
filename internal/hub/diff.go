package hub

import (
	"fmt"
	"time"

	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/model"
)

// AlarmZone is the zone id reported for the hub-wide alarm flag, which does
// not say which sensor tripped.
const AlarmZone = 0

// observation is the result of folding one reading into a state.
type observation struct {
	state   model.HubState
	events  []events.Event
	tripped bool
	sawMode bool
}

// observe applies points to cur in wire order. It returns one event per
// changed field, in the order the fields appear in points. A point that
// cannot be decoded fails the whole reading and cur is left as it was.
func observe(dps model.DPSMap, cur model.HubState, points []model.DataPoint, at time.Time) (observation, error) {
	obs := observation{state: cur.Clone()}
	next := &obs.state

	for _, p := range points {
		switch {
		case p.Index == dps.Mode:
			mode, err := dps.DecodeMode(p.Value)
			if err != nil {
				return observation{}, err
			}
			obs.sawMode = true
			if mode != next.Mode {
				obs.events = append(obs.events, events.HubModeChanged{Meta: events.NewMeta(at), Old: next.Mode, New: mode})
				next.Mode = mode
			}

		case dps.Siren != "" && p.Index == dps.Siren:
			on, err := model.DecodeBool(p.Value)
			if err != nil {
				return observation{}, fmt.Errorf("siren dps %s: %w", p.Index, err)
			}
			if on != next.SirenActive {
				obs.events = append(obs.events, events.SirenChanged{Meta: events.NewMeta(at), Active: on})
				next.SirenActive = on
			}

		case dps.Volume != "" && p.Index == dps.Volume:
			level, err := model.DecodeLevel(p.Value)
			if err != nil {
				return observation{}, fmt.Errorf("volume dps %s: %w", p.Index, err)
			}
			next.Volume = level

		case dps.Alarm != "" && p.Index == dps.Alarm:
			on, err := model.DecodeBool(p.Value)
			if err != nil {
				return observation{}, fmt.Errorf("alarm dps %s: %w", p.Index, err)
			}
			if on && !next.AlarmTriggered {
				obs.events = append(obs.events, events.ZoneTriggered{Meta: events.NewMeta(at), ZoneID: AlarmZone})
				obs.tripped = true
			}
			next.AlarmTriggered = on

		default:
			zone, ok := dps.ZoneFor(p.Index)
			if !ok {
				continue
			}
			on, err := model.DecodeBool(p.Value)
			if err != nil {
				return observation{}, fmt.Errorf("zone %d dps %s: %w", zone, p.Index, err)
			}
			if on && !next.Zones[zone] {
				obs.events = append(obs.events, events.ZoneTriggered{Meta: events.NewMeta(at), ZoneID: zone})
				obs.tripped = true
			}
			next.Zones[zone] = on
		}
	}
	return obs, nil
}
