// Package camera keeps a live video session with an RTSP camera. Every frame
// read runs under a watchdog: a stream that stops delivering is torn down and
// reopened, so the read loop never hangs on a dropped camera.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/technosupport/homeguard/internal/backoff"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/metrics"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/watchdog"
)

// Publisher receives the manager's events. *events.Bus implements it.
type Publisher interface {
	Publish(e events.Event)
}

// Attempt records one candidate tried during a probe round.
type Attempt struct {
	URL      string        `json:"url"`
	Stage    string        `json:"stage"`
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

type Manager struct {
	cfg   Config
	open  Opener
	pub   Publisher
	probe func(ctx context.Context, url string, timeout time.Duration) error

	mu       sync.RWMutex
	state    model.CameraState
	attempts []Attempt
	urls     []string
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	latest atomic.Pointer[model.Frame]
	motion *lru.Cache[string, model.Frame]

	// Owned by the loop goroutine.
	seq            uint64
	lastFrameEvent time.Time
	lastMotion     time.Time
	detector       MotionDetector
	bo             *backoff.Backoff
}

func New(cfg Config, open Opener, pub Publisher) *Manager {
	cfg.setDefaults()
	cache, _ := lru.New[string, model.Frame](cfg.MotionCacheSize)
	return &Manager{
		cfg:    cfg,
		open:   open,
		pub:    pub,
		probe:  ProbeRTSP,
		state:  model.NewCameraState(),
		motion: cache,
	}
}

// Start validates the configuration and launches the read loop. Calling
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
	if m.open == nil {
		return fmt.Errorf("%w: camera opener is nil", model.ErrConfigurationInvalid)
	}
	urls, _ := m.cfg.urls()

	loopCtx, cancel := context.WithCancel(ctx)
	m.urls = urls
	m.state = model.NewCameraState()
	m.attempts = nil
	m.seq = 0
	m.lastFrameEvent = time.Time{}
	m.lastMotion = time.Time{}
	m.detector.Reset()
	m.bo = backoff.New(m.cfg.BackoffInitial, m.cfg.BackoffMax)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)
	log.Printf("[INFO] Camera Manager (%s): started with %d candidate urls", m.cfg.Name, len(urls))
	return nil
}

// Stop ends the read loop, closes the stream and waits. The camera returns
// to Idle.
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
	m.setHealth(model.StreamIdle, "")
	log.Printf("[INFO] Camera Manager (%s): stopped", m.cfg.Name)
}

func (m *Manager) State() model.CameraState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TakeSnapshot returns the most recent frame. It never waits on the stream.
func (m *Manager) TakeSnapshot() (model.Frame, error) {
	f := m.latest.Load()
	if f == nil {
		return model.Frame{}, model.ErrNoFrame
	}
	return *f, nil
}

// FrameByRef returns the frame a MotionDetected event referred to, while it
// is still cached.
func (m *Manager) FrameByRef(ref string) (model.Frame, bool) {
	return m.motion.Get(ref)
}

// Attempts returns the candidate log of the latest probe round.
func (m *Manager) Attempts() []Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Attempt(nil), m.attempts...)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if m.State().StreamHealth != model.StreamLost {
			m.setHealth(model.StreamConnecting, "")
		}

		src, url, first, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setHealth(model.StreamLost, "")
			delay := m.bo.Next()
			log.Printf("[WARN] Camera Manager (%s): no candidate produced a frame, retrying in %v: %v",
				m.cfg.Name, delay.Round(time.Millisecond), m.scrub(err.Error()))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		m.bo.Reset()
		m.stream(ctx, src, url, first)
	}
}

// connect walks the candidate list and returns the first one that delivers
// a frame within the probe timeout.
func (m *Manager) connect(ctx context.Context) (Source, string, model.Frame, error) {
	m.mu.RLock()
	urls := m.urls
	m.mu.RUnlock()

	attempts := make([]Attempt, 0, len(urls))
	defer func() {
		m.mu.Lock()
		m.attempts = attempts
		m.mu.Unlock()
	}()

	var lastErr error
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, "", model.Frame{}, err
		}

		start := time.Now()
		src, frame, stage, err := m.try(ctx, u)
		a := Attempt{URL: Redact(u), Stage: stage, At: start, Duration: time.Since(start)}
		if err != nil {
			a.Err = m.scrub(err.Error())
			attempts = append(attempts, a)
			metrics.CameraProbesTotal.WithLabelValues("failed").Inc()
			log.Printf("[DEBUG] Camera Manager (%s): candidate %s failed at %s: %s", m.cfg.Name, a.URL, stage, a.Err)
			lastErr = err
			continue
		}
		attempts = append(attempts, a)
		metrics.CameraProbesTotal.WithLabelValues("ok").Inc()
		return src, u, frame, nil
	}
	return nil, "", model.Frame{}, fmt.Errorf("%w: %d candidates failed, last: %v", model.ErrTransportUnreachable, len(urls), lastErr)
}

func (m *Manager) try(ctx context.Context, url string) (Source, model.Frame, string, error) {
	if m.cfg.PreProbe && m.probe != nil {
		err := m.probe(ctx, url, m.cfg.ProbeTimeout)
		if err != nil && !errors.Is(err, ErrAuthFailed) {
			return nil, model.Frame{}, "options", err
		}
	}
	src, frame, err := m.openFirst(ctx, url)
	return src, frame, "first_frame", err
}

// openFirst opens url and reads one frame, both inside the probe timeout. A
// source that opens after the watchdog fired is closed on arrival.
func (m *Manager) openFirst(ctx context.Context, url string) (Source, model.Frame, error) {
	var (
		mu      sync.Mutex
		src     Source
		aborted bool
	)
	abort := func() {
		mu.Lock()
		aborted = true
		s := src
		mu.Unlock()
		if s != nil {
			s.Close()
		}
	}

	frame, err := watchdog.Do(ctx, m.cfg.ProbeTimeout, abort, func(ctx context.Context) (model.Frame, error) {
		s, err := m.open(ctx, url)
		if err != nil {
			return model.Frame{}, err
		}
		mu.Lock()
		if aborted {
			mu.Unlock()
			s.Close()
			return model.Frame{}, watchdog.ErrTimeout
		}
		src = s
		mu.Unlock()
		return s.ReadFrame(ctx)
	})
	if err == nil && frame.Empty() {
		err = fmt.Errorf("%w: empty first frame", model.ErrStreamStalled)
	}
	if err != nil {
		abort()
		if errors.Is(err, watchdog.ErrTimeout) {
			err = fmt.Errorf("%w: no frame within %v", model.ErrStreamStalled, m.cfg.ProbeTimeout)
		}
		return nil, model.Frame{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	return src, frame, nil
}

// stream reads from src until the stall grace runs out or ctx ends. Within
// the grace the same url is reopened; after it the caller re-probes the
// whole candidate list.
func (m *Manager) stream(ctx context.Context, src Source, url string, first model.Frame) {
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	m.detector.Reset()
	m.setHealth(model.StreamStreaming, url)
	log.Printf("[INFO] Camera Manager (%s): streaming from %s", m.cfg.Name, Redact(url))
	m.onFrame(first)

	var stalledSince time.Time
	for {
		if src == nil {
			left := m.cfg.StallGrace - time.Since(stalledSince)
			if left <= 0 {
				log.Printf("[WARN] Camera Manager (%s): stalled for %v, re-probing candidates", m.cfg.Name, time.Since(stalledSince).Round(time.Second))
				return
			}
			if !sleepCtx(ctx, min(m.cfg.BackoffInitial, left)) {
				return
			}
			left = m.cfg.StallGrace - time.Since(stalledSince)
			if left <= 0 {
				continue
			}
			// The reopen may not outlast the grace window.
			openCtx, cancel := context.WithTimeout(ctx, left)
			s, frame, err := m.openFirst(openCtx, url)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[DEBUG] Camera Manager (%s): reopen failed: %s", m.cfg.Name, m.scrub(err.Error()))
				continue
			}
			src = s
			stalledSince = time.Time{}
			m.detector.Reset()
			m.setHealth(model.StreamStreaming, url)
			m.onFrame(frame)
			continue
		}

		s := src
		frame, err := watchdog.Do(ctx, m.cfg.FrameTimeout, func() { s.Close() }, s.ReadFrame)
		if ctx.Err() != nil {
			return
		}
		if err == nil && !frame.Empty() {
			m.onFrame(frame)
			continue
		}

		cause := "read_error"
		switch {
		case errors.Is(err, watchdog.ErrTimeout):
			cause = "timeout"
		case err == nil:
			cause = "empty_frame"
		}
		metrics.CameraStallsTotal.WithLabelValues(cause).Inc()
		if err != nil {
			log.Printf("[WARN] Camera Manager (%s): stream stalled (%s): %s", m.cfg.Name, cause, m.scrub(err.Error()))
		} else {
			log.Printf("[WARN] Camera Manager (%s): stream stalled (%s)", m.cfg.Name, cause)
		}

		s.Close()
		src = nil
		if stalledSince.IsZero() {
			stalledSince = time.Now()
			m.setHealth(model.StreamStalled, url)
		}
	}
}

func (m *Manager) onFrame(frame model.Frame) {
	now := time.Now()
	m.seq++
	frame.Seq = m.seq
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = now
	}
	m.latest.Store(&frame)
	metrics.CameraFramesTotal.Inc()

	m.mu.Lock()
	m.state.LastFrameAt = frame.CapturedAt
	m.state.FrameCount = m.seq
	m.mu.Unlock()

	var out []events.Event
	if m.lastFrameEvent.IsZero() || now.Sub(m.lastFrameEvent) >= m.cfg.FrameEventInterval {
		m.lastFrameEvent = now
		out = append(out, events.FrameReceived{Meta: events.NewMeta(now), Seq: frame.Seq})
	}
	if e, ok := m.checkMotion(frame, now); ok {
		out = append(out, e)
	}
	for _, e := range out {
		m.pub.Publish(e)
	}
}

func (m *Manager) checkMotion(frame model.Frame, now time.Time) (events.Event, bool) {
	if m.cfg.DisableMotion {
		return nil, false
	}
	score, ok, err := m.detector.Score(frame.Data)
	if err != nil {
		log.Printf("[DEBUG] Camera Manager (%s): motion check skipped frame %d: %v", m.cfg.Name, frame.Seq, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	active := score >= m.cfg.MotionThreshold
	m.mu.Lock()
	m.state.MotionActive = active
	m.mu.Unlock()

	if !active {
		return nil, false
	}
	if !m.lastMotion.IsZero() && now.Sub(m.lastMotion) < m.cfg.MotionMinInterval {
		return nil, false
	}
	m.lastMotion = now

	ref := fmt.Sprintf("motion-%d.jpg", now.UnixNano())
	m.motion.Add(ref, frame)
	metrics.MotionEventsTotal.Inc()
	log.Printf("[INFO] Camera Manager (%s): motion score %.1f, frame %d kept as %s", m.cfg.Name, score, frame.Seq, ref)
	return events.MotionDetected{Meta: events.NewMeta(now), SnapshotRef: ref, Score: score}, true
}

// setHealth records a transition and publishes it. url is only kept while
// a stream is attached.
func (m *Manager) setHealth(h model.StreamHealth, url string) {
	active := ""
	if h == model.StreamStreaming || h == model.StreamStalled {
		active = Redact(url)
	}

	m.mu.Lock()
	if m.state.StreamHealth == h && m.state.ActiveURL == active {
		m.mu.Unlock()
		return
	}
	m.state.StreamHealth = h
	m.state.ActiveURL = active
	if h != model.StreamStreaming {
		m.state.MotionActive = false
	}
	m.mu.Unlock()

	metrics.SetCameraStreaming(h == model.StreamStreaming)
	log.Printf("[INFO] Camera Manager (%s): stream %s", m.cfg.Name, h)
	m.pub.Publish(events.CameraConnectivityChanged{Meta: events.NewMeta(time.Now()), Health: h, ActiveURL: active})
}

// scrub removes the password from decoder output, which often echoes the
// input url.
func (m *Manager) scrub(s string) string {
	if m.cfg.Password == "" {
		return s
	}
	return strings.ReplaceAll(s, m.cfg.Password, "xxxxx")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
