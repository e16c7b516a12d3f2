// Package config loads the service configuration from YAML. The device
// packages never read files or the environment; they get immutable values
// built here.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/homeguard/internal/camera"
	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/hub"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/ratelimit"
	"github.com/technosupport/homeguard/internal/tuya"
)

const DefaultPath = "config/homeguard.yaml"

type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Camera    CameraConfig    `yaml:"camera"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api"`
}

type HubConfig struct {
	DeviceID       string        `yaml:"device_id"`
	Address        string        `yaml:"address"`
	LocalKey       string        `yaml:"local_key"`
	Version        string        `yaml:"version"`
	Port           int           `yaml:"port"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	LostAfter      int           `yaml:"lost_after"`
	// Locate enables UDP discovery when the configured address stops
	// answering.
	Locate        bool          `yaml:"locate"`
	LocateAfter   int           `yaml:"locate_after"`
	LocateTimeout time.Duration `yaml:"locate_timeout"`
	RearmDelay    time.Duration `yaml:"rearm_delay"`
	DPS           DPSConfig     `yaml:"dps"`
	AutoRearm     struct {
		Enabled      bool       `yaml:"enabled"`
		Strategy     string     `yaml:"strategy"`
		SilenceSiren bool       `yaml:"silence_siren"`
		Target       model.Mode `yaml:"target"`
		Mute         bool       `yaml:"mute"`
	} `yaml:"auto_rearm"`
}

type DPSConfig struct {
	model.DPSMap `yaml:",inline"`
	SilentRearm  map[string]any `yaml:"silent_rearm"`
}

type CameraConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Name       string           `yaml:"name"`
	Host       string           `yaml:"host"`
	Username   string           `yaml:"username"`
	Password   string           `yaml:"password"`
	Candidates []string         `yaml:"candidates"`
	Patterns   []camera.Pattern `yaml:"patterns"`
	PreProbe   bool             `yaml:"pre_probe"`
	FFmpeg     struct {
		Binary string `yaml:"binary"`
		FPS    int    `yaml:"fps"`
	} `yaml:"ffmpeg"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	FrameTimeout       time.Duration `yaml:"frame_timeout"`
	StallGrace         time.Duration `yaml:"stall_grace"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	FrameEventInterval time.Duration `yaml:"frame_event_interval"`
	Motion             struct {
		Enabled     bool          `yaml:"enabled"`
		Threshold   float64       `yaml:"threshold"`
		MinInterval time.Duration `yaml:"min_interval"`
		CacheSize   int           `yaml:"cache_size"`
	} `yaml:"motion"`
}

type GatewayConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	HistorySize    int           `yaml:"history_size"`
}

type SnapshotsConfig struct {
	// Sink is "file", "redis" or "none".
	Sink string `yaml:"sink"`
	Dir  string `yaml:"dir"`
	Auto bool   `yaml:"auto"`
	// Prefix and TTL apply to the redis sink.
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// RedisConfig is shared by the redis snapshot sink and the command rate
// limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	MaxRetries int    `yaml:"max_retries"`
}

type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

type APIConfig struct {
	Listen         string   `yaml:"listen"`
	JWTKey         string   `yaml:"jwt_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit bounds command requests per operator. It needs redis.
	RateLimit ratelimit.LimitConfig `yaml:"rate_limit"`
}

// Load reads path, expands ${ENV} references, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrConfigurationInvalid, path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", model.ErrConfigurationInvalid, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the environment value. Unset variables
// are an error so a missing secret is never silently empty. A bare $ is
// left alone; passwords may contain one.
func expandEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return []byte(v)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: environment variables not set: %v", model.ErrConfigurationInvalid, missing)
	}
	return out, nil
}

func (c *Config) setDefaults() {
	if c.Hub.Version == "" {
		c.Hub.Version = tuya.Version34
	}
	if c.Hub.Port == 0 {
		c.Hub.Port = tuya.DefaultPort
	}
	if c.Hub.DPS.Mode == "" {
		c.Hub.DPS.DPSMap = DefaultDPS()
		if c.Hub.DPS.SilentRearm == nil {
			// The hub clears its zone enable flags when it triggers.
			c.Hub.DPS.SilentRearm = map[string]any{"111": true, "112": true}
		}
	}
	if c.Hub.AutoRearm.Strategy == "" {
		c.Hub.AutoRearm.Strategy = string(gateway.RearmSilent)
	}
	if c.Camera.FFmpeg.FPS == 0 {
		c.Camera.FFmpeg.FPS = 5
	}
	if c.Snapshots.Sink == "" {
		c.Snapshots.Sink = "file"
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = "snapshots"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

// DefaultDPS is the map for the DP-W2.1 alarm hub.
func DefaultDPS() model.DPSMap {
	return model.DPSMap{
		Mode: "101",
		ModeValues: map[string]model.Mode{
			"1": model.ModeArmedAway,
			"2": model.ModeDisarmed,
			"3": model.ModeArmedHome,
		},
		Siren:      "104",
		Alarm:      "103",
		Volume:     "106",
		VolumeMute: "0",
	}
}

func (c *Config) Validate() error {
	hc, err := c.HubManager()
	if err != nil {
		return err
	}
	if err := hc.Validate(); err != nil {
		return err
	}
	if c.Hub.Address == "" && !c.Hub.Locate {
		return fmt.Errorf("%w: hub.address is required unless hub.locate is set", model.ErrConfigurationInvalid)
	}
	if err := (tuya.Config{DeviceID: c.Hub.DeviceID, LocalKey: c.Hub.LocalKey, Version: c.Hub.Version}).Validate(); err != nil {
		return err
	}

	if c.Camera.Enabled {
		if c.Camera.Host == "" && len(c.Camera.Candidates) == 0 {
			return fmt.Errorf("%w: camera.host or camera.candidates is required", model.ErrConfigurationInvalid)
		}
		if err := c.CameraManager().Validate(); err != nil {
			return err
		}
	}

	switch c.Snapshots.Sink {
	case "file", "none":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required for the redis sink", model.ErrConfigurationInvalid)
		}
	default:
		return fmt.Errorf("%w: snapshots.sink %q (want file, redis or none)", model.ErrConfigurationInvalid, c.Snapshots.Sink)
	}

	if c.API.RateLimit.Enabled() && c.Redis.Addr == "" {
		return fmt.Errorf("%w: api.rate_limit needs redis.addr", model.ErrConfigurationInvalid)
	}
	if c.API.JWTKey != "" && len(c.API.JWTKey) < 32 {
		return fmt.Errorf("%w: api.jwt_key must be at least 32 characters", model.ErrConfigurationInvalid)
	}
	return nil
}

// HubManager builds the hub manager configuration.
func (c *Config) HubManager() (hub.Config, error) {
	h := c.Hub
	strategy, err := gateway.ParseRearmStrategy(h.AutoRearm.Strategy)
	if err != nil {
		return hub.Config{}, fmt.Errorf("%w: hub.auto_rearm.strategy: %v", model.ErrConfigurationInvalid, err)
	}

	dps := h.DPS.DPSMap
	dps.SilentRearm = silentRearmPoints(h.DPS.SilentRearm)

	return hub.Config{
		Target: hub.Target{
			DeviceID: h.DeviceID,
			Address:  h.Address,
			LocalKey: h.LocalKey,
			Version:  h.Version,
		},
		PollInterval:   h.PollInterval,
		RequestTimeout: h.RequestTimeout,
		BackoffInitial: h.BackoffInitial,
		BackoffMax:     h.BackoffMax,
		LostAfter:      h.LostAfter,
		LocateAfter:    h.LocateAfter,
		RearmDelay:     h.RearmDelay,
		DPS:            dps,
		AutoRearm: hub.AutoRearm{
			Enabled:      h.AutoRearm.Enabled,
			Strategy:     strategy,
			SilenceSiren: h.AutoRearm.SilenceSiren,
			Target:       h.AutoRearm.Target,
			Mute:         h.AutoRearm.Mute,
		},
	}, nil
}

// silentRearmPoints orders the map by index so writes are reproducible.
func silentRearmPoints(m map[string]any) []model.DataPoint {
	if len(m) == 0 {
		return nil
	}
	idx := make([]string, 0, len(m))
	for k := range m {
		idx = append(idx, k)
	}
	sort.Strings(idx)
	out := make([]model.DataPoint, len(idx))
	for i, k := range idx {
		out[i] = model.DataPoint{Index: k, Value: m[k]}
	}
	return out
}

// CameraManager builds the camera manager configuration. Explicit
// candidates win over ones generated from host and patterns.
func (c *Config) CameraManager() camera.Config {
	cc := c.Camera
	candidates := cc.Candidates
	user, pass := cc.Username, cc.Password
	if len(candidates) == 0 && cc.Host != "" {
		candidates = camera.BuildCandidates(cc.Host, user, pass, cc.Patterns)
	}
	return camera.Config{
		Name:               cc.Name,
		Candidates:         candidates,
		Username:           user,
		Password:           pass,
		PreProbe:           cc.PreProbe,
		ProbeTimeout:       cc.ProbeTimeout,
		FrameTimeout:       cc.FrameTimeout,
		StallGrace:         cc.StallGrace,
		BackoffInitial:     cc.BackoffInitial,
		BackoffMax:         cc.BackoffMax,
		FrameEventInterval: cc.FrameEventInterval,
		DisableMotion:      !cc.Motion.Enabled,
		MotionThreshold:    cc.Motion.Threshold,
		MotionMinInterval:  cc.Motion.MinInterval,
		MotionCacheSize:    cc.Motion.CacheSize,
	}
}

func (c *Config) GatewayConfig() gateway.Config {
	g := c.Gateway
	return gateway.Config{
		CommandTimeout: g.CommandTimeout,
		QueueSize:      g.QueueSize,
		MaxAttempts:    g.MaxAttempts,
		RetryDelay:     g.RetryDelay,
		HistorySize:    g.HistorySize,
	}
}

// LocateTimeout returns how long one discovery scan listens.
func (c *Config) LocateTimeout() time.Duration {
	if c.Hub.LocateTimeout > 0 {
		return c.Hub.LocateTimeout
	}
	return 12 * time.Second
}
