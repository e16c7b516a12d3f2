package hub

import (
	"fmt"
	"time"

	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/model"
)

// AutoRearm puts the hub back into an armed mode after a trigger, keeping
// sensors live while someone is home. The re-arm is always submitted through
// the command gateway.
type AutoRearm struct {
	Enabled      bool
	Strategy     gateway.RearmStrategy
	SilenceSiren bool
	Target       model.Mode
	// Mute saves the hub volume and mutes it while auto re-arm is on. The
	// saved level is written back when the manager stops.
	Mute bool
}

type Config struct {
	Target

	PollInterval   time.Duration
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// LostAfter consecutive failures move health from Reconnecting to Lost.
	LostAfter int
	// LocateAfter consecutive dial failures trigger a locator lookup.
	LocateAfter int
	// RearmDelay is the pause between disarm and arm in a normal re-arm.
	RearmDelay time.Duration

	DPS       model.DPSMap
	AutoRearm AutoRearm
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.LostAfter <= 0 {
		c.LostAfter = 3
	}
	if c.LocateAfter <= 0 {
		c.LocateAfter = 2
	}
	if c.RearmDelay <= 0 {
		c.RearmDelay = time.Second
	}
	if c.AutoRearm.Strategy == "" {
		c.AutoRearm.Strategy = gateway.RearmSilent
	}
	if c.AutoRearm.Target == model.ModeUnknown {
		c.AutoRearm.Target = model.ModeArmedHome
	}
}

// Validate reports missing credentials or an unusable data point map.
// Nothing is defaulted for these.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: hub device id is required", model.ErrConfigurationInvalid)
	}
	if c.LocalKey == "" {
		return fmt.Errorf("%w: hub local key is required", model.ErrConfigurationInvalid)
	}
	if err := c.DPS.Validate(); err != nil {
		return err
	}
	if c.AutoRearm.Enabled {
		if c.AutoRearm.Target != model.ModeUnknown && !c.AutoRearm.Target.Armed() {
			return fmt.Errorf("%w: auto re-arm target %s is not an armed mode", model.ErrConfigurationInvalid, c.AutoRearm.Target)
		}
		if c.AutoRearm.SilenceSiren && c.DPS.Siren == "" {
			return fmt.Errorf("%w: auto re-arm silences the siren but no siren index is mapped", model.ErrConfigurationInvalid)
		}
		if c.AutoRearm.Mute && c.DPS.Volume == "" {
			return fmt.Errorf("%w: auto re-arm mutes the hub but no volume index is mapped", model.ErrConfigurationInvalid)
		}
	}
	return nil
}
