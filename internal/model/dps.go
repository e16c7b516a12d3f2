package model

import (
	"fmt"
	"strconv"
	"strings"
)

// DataPoint is one numbered slot reported or written by the hub.
type DataPoint struct {
	Index string `json:"index"`
	Value any    `json:"value"`
}

// DPSMap tells the hub manager which data points carry which function. The
// indices differ between hub models so they are always supplied by the caller.
type DPSMap struct {
	Mode       string          `yaml:"mode"`
	ModeValues map[string]Mode `yaml:"mode_values"`
	Siren      string          `yaml:"siren"`
	Alarm      string          `yaml:"alarm"`
	Zones      map[int]string  `yaml:"zones"`

	// Volume is the optional index of the hub's speaker level. VolumeMute is
	// the level that silences it.
	Volume     string `yaml:"volume"`
	VolumeMute string `yaml:"volume_mute"`

	// SilentRearm lists extra points written after the trigger flags are
	// cleared, e.g. zone enable flags that the hub drops on trigger.
	SilentRearm []DataPoint `yaml:"-"`
}

func (m DPSMap) Validate() error {
	if m.Mode == "" {
		return fmt.Errorf("%w: dps mode index is required", ErrConfigurationInvalid)
	}
	if len(m.ModeValues) == 0 {
		return fmt.Errorf("%w: dps mode_values is empty", ErrConfigurationInvalid)
	}
	var disarm, armed bool
	for _, mode := range m.ModeValues {
		if mode == ModeDisarmed {
			disarm = true
		}
		if mode.Armed() {
			armed = true
		}
	}
	if !disarm || !armed {
		return fmt.Errorf("%w: dps mode_values must map disarmed and at least one armed mode", ErrConfigurationInvalid)
	}
	seen := map[string]string{m.Mode: "mode"}
	check := func(name, idx string) error {
		if idx == "" {
			return nil
		}
		if prev, ok := seen[idx]; ok {
			return fmt.Errorf("%w: dps index %s used for both %s and %s", ErrConfigurationInvalid, idx, prev, name)
		}
		seen[idx] = name
		return nil
	}
	if err := check("siren", m.Siren); err != nil {
		return err
	}
	if err := check("alarm", m.Alarm); err != nil {
		return err
	}
	if err := check("volume", m.Volume); err != nil {
		return err
	}
	if m.Volume != "" && m.VolumeMute == "" {
		return fmt.Errorf("%w: dps volume_mute is required when volume is mapped", ErrConfigurationInvalid)
	}
	for id, idx := range m.Zones {
		if idx == "" {
			return fmt.Errorf("%w: zone %d has no dps index", ErrConfigurationInvalid, id)
		}
		if err := check(fmt.Sprintf("zone %d", id), idx); err != nil {
			return err
		}
	}
	return nil
}

// RawMode returns the wire value the hub expects for mode.
func (m DPSMap) RawMode(mode Mode) (string, bool) {
	for raw, v := range m.ModeValues {
		if v == mode {
			return raw, true
		}
	}
	return "", false
}

// ZoneFor returns the zone id carried by a data point index.
func (m DPSMap) ZoneFor(index string) (int, bool) {
	for id, idx := range m.Zones {
		if idx == index {
			return id, true
		}
	}
	return 0, false
}

// DecodeMode maps a raw mode value. Hubs report it as a string but some
// firmware sends a bare number.
func (m DPSMap) DecodeMode(v any) (Mode, error) {
	var raw string
	switch t := v.(type) {
	case string:
		raw = t
	case float64:
		raw = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		raw = strconv.Itoa(t)
	default:
		return ModeUnknown, fmt.Errorf("%w: mode value %v has type %T", ErrProtocolDecode, v, v)
	}
	mode, ok := m.ModeValues[strings.TrimSpace(raw)]
	if !ok {
		return ModeUnknown, fmt.Errorf("%w: unmapped mode value %q", ErrProtocolDecode, raw)
	}
	return mode, nil
}

// DecodeLevel returns a volume level as the hub's string form. Some firmware
// reports it as a number.
func DecodeLevel(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	}
	return "", fmt.Errorf("%w: level value %v has type %T", ErrProtocolDecode, v, v)
}

// DecodeBool accepts the boolean encodings seen on hubs.
func DecodeBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("%w: bool value %q", ErrProtocolDecode, t)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: bool value %v has type %T", ErrProtocolDecode, v, v)
}
