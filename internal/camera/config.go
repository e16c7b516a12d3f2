package camera

import (
	"fmt"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

type Config struct {
	// Name tags log lines.
	Name string
	// Candidates are tried in order on every (re)probe.
	Candidates []string
	// Username and Password are added to candidates without userinfo.
	Username string
	Password string
	// PreProbe sends an RTSP OPTIONS before starting a decoder on a
	// candidate and skips candidates that do not answer.
	PreProbe bool

	ProbeTimeout time.Duration
	// FrameTimeout bounds every frame read. It is the stall detector.
	FrameTimeout time.Duration
	// StallGrace is how long the active URL is retried before the whole
	// candidate list is probed again.
	StallGrace     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// FrameEventInterval is the minimum spacing of FrameReceived events.
	FrameEventInterval time.Duration

	DisableMotion     bool
	MotionThreshold   float64
	MotionMinInterval time.Duration
	MotionCacheSize   int
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "camera"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 10 * time.Second
	}
	if c.StallGrace <= 0 {
		c.StallGrace = 15 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.FrameEventInterval <= 0 {
		c.FrameEventInterval = 5 * time.Second
	}
	if c.MotionThreshold <= 0 {
		c.MotionThreshold = 5.0
	}
	if c.MotionMinInterval <= 0 {
		c.MotionMinInterval = 10 * time.Second
	}
	if c.MotionCacheSize <= 0 {
		c.MotionCacheSize = 32
	}
}

// urls returns the candidates with credentials applied.
func (c Config) urls() ([]string, error) {
	if len(c.Candidates) == 0 {
		return nil, fmt.Errorf("%w: camera has no candidate urls", model.ErrConfigurationInvalid)
	}
	out := make([]string, 0, len(c.Candidates))
	for i, raw := range c.Candidates {
		u, err := withCredentials(raw, c.Username, c.Password)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %d: %v", model.ErrConfigurationInvalid, i, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (c Config) Validate() error {
	if c.MotionThreshold > 100 {
		return fmt.Errorf("%w: motion threshold %.1f is above 100", model.ErrConfigurationInvalid, c.MotionThreshold)
	}
	_, err := c.urls()
	return err
}
