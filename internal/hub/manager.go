// Package hub keeps a live session with the alarm hub. The hub has no push
// channel, so the manager polls it, diffs each reading against the last known
// state and publishes one event per changed field. Commands reach the hub
// through the gateway, which calls Execute; the manager runs them on its own
// loop so a write never interleaves with a poll.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/homeguard/internal/backoff"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/metrics"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/watchdog"
)

var ErrNoGateway = errors.New("hub manager has no command gateway")

// Publisher receives the manager's events. *events.Bus implements it.
type Publisher interface {
	Publish(e events.Event)
}

// Submitter is the part of the command gateway the manager needs.
type Submitter interface {
	Submit(cmd gateway.Command) (gateway.Token, error)
	Wait(ctx context.Context, token gateway.Token) (gateway.Outcome, error)
}

type Option func(*Manager)

func WithLocator(l Locator) Option {
	return func(m *Manager) { m.locator = l }
}

// WithGateway routes SetMode, TriggerSiren, Rearm and auto re-arm through gw.
func WithGateway(gw Submitter) Option {
	return func(m *Manager) { m.gw = gw }
}

type request struct {
	ctx   context.Context
	cmd   gateway.Command
	reply chan reply
}

type reply struct {
	res gateway.Result
	err error
}

type Manager struct {
	cfg     Config
	dial    Dialer
	pub     Publisher
	locator Locator
	gw      Submitter

	reqs chan request

	mu      sync.RWMutex
	state   model.HubState
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the loop goroutine.
	tr        Transport
	addr      string
	baseline  bool
	failures  int
	dialFails int
	bo        *backoff.Backoff

	// muted is set once auto re-arm has muted the hub; savedVolume is the
	// level read at baseline, restored on stop.
	muted       bool
	savedVolume string

	rearming atomic.Bool
}

func New(cfg Config, dial Dialer, pub Publisher, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:   cfg,
		dial:  dial,
		pub:   pub,
		reqs:  make(chan request),
		state: model.NewHubState(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates the configuration and launches the polling loop. Calling
// Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	if m.cfg.Address == "" && m.locator == nil {
		return fmt.Errorf("%w: hub address is required when no locator is configured", model.ErrConfigurationInvalid)
	}
	if m.dial == nil {
		return fmt.Errorf("%w: hub dialer is nil", model.ErrConfigurationInvalid)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.state = model.NewHubState()
	m.addr = m.cfg.Address
	m.baseline = false
	m.failures = 0
	m.dialFails = 0
	m.muted = false
	m.savedVolume = ""
	m.bo = backoff.New(m.cfg.BackoffInitial, m.cfg.BackoffMax)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)
	log.Printf("[INFO] Hub Manager (%s): started, polling every %v", m.cfg.DeviceID, m.cfg.PollInterval)
	return nil
}

// Stop ends the loop and waits for it. An in-flight request is aborted
// within the request timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	log.Printf("[INFO] Hub Manager (%s): stopped", m.cfg.DeviceID)
}

// State returns a copy of the current hub state.
func (m *Manager) State() model.HubState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

func (m *Manager) SetMode(target model.Mode) (gateway.Token, error) {
	return m.submit(gateway.SetMode(target))
}

func (m *Manager) TriggerSiren(on bool) (gateway.Token, error) {
	return m.submit(gateway.TriggerSiren(on))
}

func (m *Manager) Rearm(strategy gateway.RearmStrategy, target model.Mode) (gateway.Token, error) {
	return m.submit(gateway.Rearm(strategy, target))
}

func (m *Manager) submit(cmd gateway.Command) (gateway.Token, error) {
	if m.gw == nil {
		return "", ErrNoGateway
	}
	return m.gw.Submit(cmd)
}

// Execute implements gateway.Executor. The command runs on the polling loop
// between ticks.
func (m *Manager) Execute(ctx context.Context, cmd gateway.Command) (gateway.Result, error) {
	m.mu.RLock()
	running, done := m.running, m.done
	m.mu.RUnlock()
	if !running {
		return gateway.Result{}, fmt.Errorf("%w: hub manager is not running", model.ErrTransportUnreachable)
	}

	req := request{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	select {
	case m.reqs <- req:
	case <-ctx.Done():
		return gateway.Result{}, ctx.Err()
	case <-done:
		return gateway.Result{}, fmt.Errorf("%w: hub manager stopped", model.ErrTransportUnreachable)
	}

	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return gateway.Result{}, ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.shutdown()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.reqs:
			res, err := m.handle(ctx, req)
			if err != nil && ctx.Err() != nil {
				err = fmt.Errorf("%w: hub manager stopped during %s: %v", model.ErrCommandRejected, req.cmd.Kind, err)
			}
			req.reply <- reply{res: res, err: err}
		case <-timer.C:
			timer.Reset(m.tick(ctx))
		}
	}
}

// tick runs one poll and returns the delay before the next one.
func (m *Manager) tick(ctx context.Context) time.Duration {
	err := m.poll(ctx)
	if err == nil {
		metrics.HubPollsTotal.WithLabelValues("ok").Inc()
		m.failures = 0
		m.bo.Reset()
		return m.cfg.PollInterval
	}
	if ctx.Err() != nil {
		return m.cfg.PollInterval
	}

	// Undecodable replies keep the health as it is until LostAfter of them
	// arrive in a row; then the session is dropped and the hub is Lost.
	if errors.Is(err, model.ErrProtocolDecode) {
		metrics.HubPollsTotal.WithLabelValues("decode_error").Inc()
		m.failures++
		if m.failures < m.cfg.LostAfter {
			log.Printf("[WARN] Hub Manager (%s): poll reply could not be decoded: %v", m.cfg.DeviceID, err)
			return m.cfg.PollInterval
		}
		m.dropSession()
		m.setHealth(model.HealthLost)
		delay := m.bo.Next()
		log.Printf("[WARN] Hub Manager (%s): %d polls in a row could not be decoded, reconnecting in %v: %v", m.cfg.DeviceID, m.failures, delay.Round(time.Millisecond), err)
		return delay
	}

	metrics.HubPollsTotal.WithLabelValues("unreachable").Inc()
	m.failures++
	health := model.HealthReconnecting
	if m.failures >= m.cfg.LostAfter {
		health = model.HealthLost
	}
	m.setHealth(health)

	delay := m.bo.Next()
	log.Printf("[WARN] Hub Manager (%s): poll failed (%d in a row), retrying in %v: %v", m.cfg.DeviceID, m.failures, delay.Round(time.Millisecond), err)
	return delay
}

func (m *Manager) poll(ctx context.Context) error {
	tr, err := m.session(ctx)
	if err != nil {
		return err
	}

	points, err := watchdog.Do(ctx, m.cfg.RequestTimeout, func() { tr.Close() }, tr.Status)
	if err != nil {
		// The session may be half-read or desynchronised; start clean.
		m.dropSession()
		return unreachable("status", err)
	}
	return m.apply(points, true)
}

// session returns the open transport, dialing if needed. After LocateAfter
// failed dials the locator is asked whether the hub moved.
func (m *Manager) session(ctx context.Context) (Transport, error) {
	if m.tr != nil {
		return m.tr, nil
	}

	tr, err := m.dialAt(ctx, m.addr)
	if err == nil {
		m.dialFails = 0
		m.tr = tr
		return tr, nil
	}
	m.dialFails++

	if m.locator == nil || m.dialFails < m.cfg.LocateAfter {
		return nil, err
	}

	addr, lerr := m.locator.Locate(ctx, m.cfg.DeviceID)
	if lerr != nil {
		log.Printf("[WARN] Hub Manager (%s): locate failed: %v", m.cfg.DeviceID, lerr)
		return nil, err
	}
	if addr == m.addr {
		return nil, err
	}

	log.Printf("[INFO] Hub Manager (%s): hub announced at %s (was %q)", m.cfg.DeviceID, addr, m.addr)
	tr, derr := m.dialAt(ctx, addr)
	if derr != nil {
		return nil, derr
	}
	m.addr = addr
	m.dialFails = 0
	m.tr = tr
	return tr, nil
}

func (m *Manager) dialAt(ctx context.Context, addr string) (Transport, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: hub address unknown", model.ErrTransportUnreachable)
	}
	metrics.HubReconnectsTotal.Inc()

	t := m.cfg.Target
	t.Address = addr
	tr, err := watchdog.Do(ctx, m.cfg.RequestTimeout, nil, func(ctx context.Context) (Transport, error) {
		return m.dial(ctx, t)
	})
	if err != nil {
		return nil, unreachable("dial "+addr, err)
	}
	return tr, nil
}

func (m *Manager) dropSession() {
	if m.tr == nil {
		return
	}
	if err := m.tr.Close(); err != nil {
		log.Printf("[DEBUG] Hub Manager (%s): close session: %v", m.cfg.DeviceID, err)
	}
	m.tr = nil
}

func (m *Manager) shutdown() {
	m.restoreVolume()
	m.dropSession()
	m.setHealth(model.HealthLost)
}

// apply folds a reading into the state and publishes the resulting events.
// Poll readings also refresh LastSeen and connectivity. The first poll after
// Start only establishes the baseline. Write acknowledgments before the
// baseline are ignored; the next poll picks them up.
func (m *Manager) apply(points []model.DataPoint, fromPoll bool) error {
	at := time.Now()

	m.mu.Lock()
	if !fromPoll && !m.baseline {
		m.mu.Unlock()
		return nil
	}
	obs, err := observe(m.cfg.DPS, m.state, points, at)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	var (
		out      []events.Event
		baseline bool
	)
	if fromPoll {
		if !m.baseline {
			if !obs.sawMode {
				m.mu.Unlock()
				return fmt.Errorf("%w: status has no mode dps %s", model.ErrProtocolDecode, m.cfg.DPS.Mode)
			}
			m.baseline = true
			baseline = true
			obs.events = nil
			obs.tripped = false
		}
		obs.state.LastSeen = at
		if obs.state.ConnectionHealth != model.HealthConnected {
			obs.state.ConnectionHealth = model.HealthConnected
			out = append(out, events.HubConnectivityChanged{Meta: events.NewMeta(at), Health: model.HealthConnected})
			metrics.SetHubConnected(true)
			log.Printf("[INFO] Hub Manager (%s): connected at %s, mode %s", m.cfg.DeviceID, m.addr, obs.state.Mode)
		}
	}
	out = append(out, obs.events...)
	m.state = obs.state
	armed := obs.state.Mode.Armed()
	volume := obs.state.Volume
	m.mu.Unlock()

	for _, e := range out {
		m.pub.Publish(e)
	}
	if baseline {
		m.muteForRearm(volume)
	}
	if obs.tripped && armed {
		m.autoRearm()
	}
	return nil
}

func (m *Manager) setHealth(h model.ConnectionHealth) {
	m.mu.Lock()
	if m.state.ConnectionHealth == h {
		m.mu.Unlock()
		return
	}
	m.state.ConnectionHealth = h
	m.mu.Unlock()

	metrics.SetHubConnected(h == model.HealthConnected)
	log.Printf("[INFO] Hub Manager (%s): connection %s", m.cfg.DeviceID, h)
	m.pub.Publish(events.HubConnectivityChanged{Meta: events.NewMeta(time.Now()), Health: h})
}

// autoRearm queues one re-arm at a time. A trigger while one is queued or
// running is covered by it.
func (m *Manager) autoRearm() {
	ar := m.cfg.AutoRearm
	if !ar.Enabled || m.gw == nil {
		return
	}
	if !m.rearming.CompareAndSwap(false, true) {
		return
	}

	cmd := gateway.Rearm(ar.Strategy, ar.Target)
	cmd.SilenceSiren = ar.SilenceSiren
	cmd.Origin = "auto"

	tok, err := m.gw.Submit(cmd)
	if err != nil {
		m.rearming.Store(false)
		log.Printf("[ERROR] Hub Manager (%s): auto re-arm not queued: %v", m.cfg.DeviceID, err)
		return
	}
	log.Printf("[INFO] Hub Manager (%s): trigger while armed, %s re-arm queued (%s)", m.cfg.DeviceID, ar.Strategy, tok)

	go func() {
		defer m.rearming.Store(false)
		out, err := m.gw.Wait(context.Background(), tok)
		if err != nil {
			log.Printf("[ERROR] Hub Manager (%s): auto re-arm %s: %v", m.cfg.DeviceID, tok, err)
			return
		}
		if out.State != gateway.StateAcknowledged {
			log.Printf("[WARN] Hub Manager (%s): auto re-arm %s ended %s: %s", m.cfg.DeviceID, tok, out.State, out.Reason)
		}
	}()
}

// muteForRearm saves the current level and queues a mute when auto re-arm
// runs muted. It acts once per Start.
func (m *Manager) muteForRearm(current string) {
	ar := m.cfg.AutoRearm
	if !ar.Enabled || !ar.Mute || m.gw == nil || m.muted {
		return
	}
	m.muted = true
	m.savedVolume = current
	if current == m.cfg.DPS.VolumeMute {
		return
	}

	cmd := gateway.SetVolume(gateway.VolumeMute)
	cmd.Origin = "auto"
	tok, err := m.gw.Submit(cmd)
	if err != nil {
		log.Printf("[ERROR] Hub Manager (%s): mute not queued: %v", m.cfg.DeviceID, err)
		return
	}
	log.Printf("[INFO] Hub Manager (%s): muting for auto re-arm, volume was %q (%s)", m.cfg.DeviceID, current, tok)
}

// restoreVolume writes back the level saved by muteForRearm. It runs on the
// loop goroutine after the loop context has ended.
func (m *Manager) restoreVolume() {
	if !m.muted {
		return
	}
	m.muted = false
	saved := m.savedVolume
	if saved == "" || saved == m.cfg.DPS.VolumeMute {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.write(ctx, model.DataPoint{Index: m.cfg.DPS.Volume, Value: saved}); err != nil {
		log.Printf("[WARN] Hub Manager (%s): volume not restored to %q: %v", m.cfg.DeviceID, saved, err)
		return
	}
	log.Printf("[INFO] Hub Manager (%s): volume restored to %q", m.cfg.DeviceID, saved)
}

// unreachable maps watchdog expiry onto the transport taxonomy.
func unreachable(op string, err error) error {
	if errors.Is(err, watchdog.ErrTimeout) {
		return fmt.Errorf("%w: %s: no reply within deadline", model.ErrTransportUnreachable, op)
	}
	return err
}
