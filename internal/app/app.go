// Package app assembles the device managers, the command gateway, the
// observers and the HTTP API from one configuration, and swaps the device
// managers when the configuration changes.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/homeguard/internal/api"
	"github.com/technosupport/homeguard/internal/auth"
	"github.com/technosupport/homeguard/internal/camera"
	"github.com/technosupport/homeguard/internal/config"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/hub"
	"github.com/technosupport/homeguard/internal/journal"
	"github.com/technosupport/homeguard/internal/middleware"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/ratelimit"
	"github.com/technosupport/homeguard/internal/relay"
	"github.com/technosupport/homeguard/internal/snapshot"
	"github.com/technosupport/homeguard/internal/tokens"
	"github.com/technosupport/homeguard/internal/tuya"
)

const tokenIssuer = "homeguard"

type Option func(*App)

// WithHubDialer replaces the Tuya dialer.
func WithHubDialer(d hub.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithCameraOpener replaces the ffmpeg opener.
func WithCameraOpener(o camera.Opener) Option {
	return func(a *App) { a.open = o }
}

type App struct {
	boot *config.Config

	bus     *events.Bus
	gw      *gateway.Gateway
	locator *tuya.Locator
	redis   *redis.Client
	sink    snapshot.Sink
	auto    *snapshot.AutoSnapshot
	nc      *nats.Conn
	relay   *relay.NATSRelay
	db      *sql.DB
	journal *journal.Recorder
	tokens  *tokens.Manager
	handler http.Handler

	dial hub.Dialer
	open camera.Opener

	// reloadMu serializes Start, Stop and Reload.
	reloadMu sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc
	server   *http.Server
	addr     string

	mu  sync.RWMutex
	cfg *config.Config
	hub *hub.Manager
	cam *camera.Manager
}

// New connects the infrastructure the configuration asks for and builds the
// device managers without starting them. Redis being down is not fatal:
// the limiter fails open and the redis sink reports errors per request.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		boot: cfg,
		cfg:  cfg,
		bus:  events.NewBus(),
		gw:   gateway.New(cfg.GatewayConfig()),
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.Hub.Locate {
		a.locator = tuya.NewLocator()
		a.locator.Timeout = cfg.LocateTimeout()
	}

	if err := a.connect(ctx, cfg); err != nil {
		a.closeInfra()
		return nil, err
	}

	hubMgr, err := a.buildHub(cfg)
	if err != nil {
		a.closeInfra()
		return nil, err
	}
	a.hub = hubMgr
	a.cam = a.buildCamera(cfg)

	a.gw.Register(gateway.DeviceHub, hubMgr)
	a.gw.Register(gateway.DeviceCamera, &snapshot.Executor{Frames: liveFrames{a}, Sink: a.sink})

	if cfg.Snapshots.Auto && a.sink != nil {
		a.auto = snapshot.NewAutoSnapshot(a.bus, liveFrames{a}, a.sink)
	}

	deps := api.Deps{
		Devices:        a.Devices,
		Gateway:        a.gw,
		Bus:            a.bus,
		Sink:           a.sink,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	if a.tokens != nil {
		deps.Tokens = a.tokens
		if a.redis != nil {
			deps.Revocations = auth.NewRedisRevocations(a.redis, "")
			if cfg.API.RateLimit.Enabled() {
				deps.Limiter = middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(a.redis, "", cfg.API.JWTKey), cfg.API.RateLimit)
			}
		}
	}
	a.handler = api.NewServer(deps).Router()
	return a, nil
}

// connect opens redis, the snapshot sink, NATS, the journal and the token
// manager.
func (a *App) connect(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			log.Printf("[WARN] App: redis %s unreachable: %v", cfg.Redis.Addr, err)
		}
		cancel()
	}

	switch cfg.Snapshots.Sink {
	case "file":
		fs, err := snapshot.NewFileSink(cfg.Snapshots.Dir)
		if err != nil {
			return fmt.Errorf("snapshot sink: %w", err)
		}
		a.sink = fs
	case "redis":
		a.sink = snapshot.NewRedisSink(a.redis, cfg.Snapshots.Prefix, cfg.Snapshots.TTL)
	}

	if cfg.NATS.URL != "" {
		nc, err := relay.Connect(cfg.NATS.URL, "homeguard")
		if err != nil {
			return err
		}
		a.nc = nc
		a.relay = relay.NewNATSRelay(nc, cfg.NATS.Prefix, cfg.NATS.MaxRetries)
	}

	if cfg.Journal.DSN != "" {
		db, err := journal.Open(ctx, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		a.db = db
		a.journal = journal.NewRecorder(db)
	}

	if cfg.API.JWTKey != "" {
		tm, err := tokens.NewManager(cfg.API.JWTKey, tokenIssuer)
		if err != nil {
			return err
		}
		a.tokens = tm
	} else {
		log.Println("[WARN] App: api.jwt_key is empty, command endpoints are disabled")
	}
	return nil
}

func (a *App) buildHub(cfg *config.Config) (*hub.Manager, error) {
	hc, err := cfg.HubManager()
	if err != nil {
		return nil, err
	}
	dial := a.dial
	if dial == nil {
		dial = tuyaDialer(cfg.Hub.Port)
	}
	opts := []hub.Option{hub.WithGateway(a.gw)}
	if a.locator != nil {
		opts = append(opts, hub.WithLocator(a.locator))
	}
	return hub.New(hc, dial, a.bus, opts...), nil
}

// buildCamera returns nil when the camera is disabled.
func (a *App) buildCamera(cfg *config.Config) *camera.Manager {
	if !cfg.Camera.Enabled {
		return nil
	}
	open := a.open
	if open == nil {
		open = camera.FFmpegOpener{Binary: cfg.Camera.FFmpeg.Binary, FPS: cfg.Camera.FFmpeg.FPS}.Open
	}
	return camera.New(cfg.CameraManager(), open, a.bus)
}

// tuyaDialer opens sessions on the configured port.
func tuyaDialer(port int) hub.Dialer {
	return func(ctx context.Context, t hub.Target) (hub.Transport, error) {
		return tuya.Dial(ctx, tuya.Config{
			DeviceID: t.DeviceID,
			Address:  t.Address,
			LocalKey: t.LocalKey,
			Version:  t.Version,
			Port:     port,
		})
	}
}

// Devices returns the running managers. The camera is nil when disabled.
func (a *App) Devices() (api.HubView, api.CameraView) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var cam api.CameraView
	if a.cam != nil {
		cam = a.cam
	}
	return a.hub, cam
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Bus() *events.Bus { return a.bus }

func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Addr is the address the API listens on once started.
func (a *App) Addr() string {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	return a.addr
}

// Start subscribes the observers before the devices so the first events
// reach them, then starts the devices and the HTTP listener. An empty
// api.listen skips the listener.
func (a *App) Start(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.runCtx != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	if a.journal != nil {
		if err := a.journal.Start(runCtx, a.bus); err != nil {
			cancel()
			return err
		}
	}
	if a.relay != nil {
		if err := a.relay.Start(runCtx, a.bus); err != nil {
			cancel()
			return err
		}
	}
	if a.auto != nil {
		if err := a.auto.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	a.mu.RLock()
	hubMgr, cam := a.hub, a.cam
	a.mu.RUnlock()
	if err := hubMgr.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if cam != nil {
		if err := cam.Start(runCtx); err != nil {
			hubMgr.Stop()
			cancel()
			return err
		}
	}

	if listen := a.boot.API.Listen; listen != "" {
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			a.stopDevices()
			cancel()
			return fmt.Errorf("api listen %s: %w", listen, err)
		}
		a.addr = ln.Addr().String()
		a.server = &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func(srv *http.Server) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[ERROR] App: api server: %v", err)
			}
		}(a.server)
		log.Printf("[INFO] App: api listening on %s", a.addr)
	}

	a.runCtx = runCtx
	a.cancel = cancel
	return nil
}

// Stop shuts the listener, the devices and the observers down and releases
// the infrastructure. The app cannot be started again.
func (a *App) Stop(ctx context.Context) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("[WARN] App: api shutdown: %v", err)
			a.server.Close()
		}
		a.server = nil
	}
	a.stopDevices()
	if a.auto != nil {
		a.auto.Stop()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.journal != nil {
		a.journal.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.gw.Close()
	a.bus.Close()
	a.closeInfra()
	log.Println("[INFO] App: stopped")
}

func (a *App) stopDevices() {
	a.mu.RLock()
	hubMgr, cam := a.hub, a.cam
	a.mu.RUnlock()
	if cam != nil {
		cam.Stop()
	}
	hubMgr.Stop()
}

func (a *App) closeInfra() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Reload applies a new configuration. Hub and camera sections take effect
// at once by replacing their managers; a manager whose section is unchanged
// keeps running. Other sections are only reported, they need a restart.
func (a *App) Reload(next *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	for _, section := range RestartNeeded(a.boot, next) {
		log.Printf("[WARN] App: %s settings changed, restart to apply", section)
	}

	a.mu.RLock()
	cur := a.cfg
	a.mu.RUnlock()

	if !reflect.DeepEqual(cur.Hub, next.Hub) {
		if err := a.reloadHub(next); err != nil {
			log.Printf("[ERROR] App: hub reload failed, keeping previous settings: %v", err)
			return
		}
	}
	if !reflect.DeepEqual(cur.Camera, next.Camera) {
		a.reloadCamera(next)
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	log.Println("[INFO] App: configuration reloaded")
}

// reloadHub stops the current manager first; hubs accept a single local
// session. When the new manager cannot start, the old one is restarted.
func (a *App) reloadHub(next *config.Config) error {
	mgr, err := a.buildHub(next)
	if err != nil {
		return err
	}

	a.mu.RLock()
	old := a.hub
	a.mu.RUnlock()

	running := a.runCtx != nil
	if running {
		old.Stop()
		if err := mgr.Start(a.runCtx); err != nil {
			if rerr := old.Start(a.runCtx); rerr != nil {
				log.Printf("[ERROR] App: previous hub manager did not restart: %v", rerr)
			}
			return err
		}
	}

	a.mu.Lock()
	a.hub = mgr
	a.mu.Unlock()
	a.gw.Register(gateway.DeviceHub, mgr)
	log.Printf("[INFO] App: hub manager replaced (%s at %s)", next.Hub.DeviceID, next.Hub.Address)
	return nil
}

func (a *App) reloadCamera(next *config.Config) {
	cam := a.buildCamera(next)

	a.mu.RLock()
	old := a.cam
	a.mu.RUnlock()

	if a.runCtx != nil {
		if old != nil {
			old.Stop()
		}
		if cam != nil {
			if err := cam.Start(a.runCtx); err != nil {
				log.Printf("[ERROR] App: camera did not start: %v", err)
				cam = nil
			}
		}
	}

	a.mu.Lock()
	a.cam = cam
	a.mu.Unlock()
	if cam == nil {
		log.Println("[INFO] App: camera disabled")
		return
	}
	log.Printf("[INFO] App: camera manager replaced (%s)", next.Camera.Name)
}

// RestartNeeded lists the configuration sections that differ between the
// running and the new configuration but are only read at startup.
func RestartNeeded(running, next *config.Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("gateway", running.Gateway, next.Gateway)
	check("snapshots", running.Snapshots, next.Snapshots)
	check("redis", running.Redis, next.Redis)
	check("nats", running.NATS, next.NATS)
	check("journal", running.Journal, next.Journal)
	check("api", running.API, next.API)
	if running.Hub.Locate != next.Hub.Locate || running.Hub.LocateTimeout != next.Hub.LocateTimeout {
		out = append(out, "hub.locate")
	}
	return out
}

// liveFrames reads from whichever camera manager is current.
type liveFrames struct{ a *App }

func (f liveFrames) TakeSnapshot() (model.Frame, error) {
	f.a.mu.RLock()
	cam := f.a.cam
	f.a.mu.RUnlock()
	if cam == nil {
		return model.Frame{}, fmt.Errorf("%w: camera disabled", model.ErrNoFrame)
	}
	return cam.TakeSnapshot()
}
