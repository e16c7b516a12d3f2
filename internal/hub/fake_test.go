package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/model"
)

// fakeHub simulates a hub reachable at one address. Status replies come
// from script while it lasts, then from the current points.
type fakeHub struct {
	mu       sync.Mutex
	addr     string
	points   []model.DataPoint
	script   [][]model.DataPoint
	down     bool
	hang     chan struct{}
	setHang  chan struct{}
	setCalls chan struct{}
	setErr   error
	writes   [][]model.DataPoint
	dials    int
	polls    int
	lastPoll time.Time
}

func newFakeHub(addr string, points ...model.DataPoint) *fakeHub {
	return &fakeHub{addr: addr, points: points}
}

func (h *fakeHub) dial(ctx context.Context, t Target) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.down || t.Address != h.addr {
		return nil, fmt.Errorf("%w: connection refused", model.ErrTransportUnreachable)
	}
	return &fakeConn{hub: h, closed: make(chan struct{})}, nil
}

func (h *fakeHub) set(index string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLocked(index, v)
}

func (h *fakeHub) setLocked(index string, v any) {
	for i := range h.points {
		if h.points[i].Index == index {
			h.points[i].Value = v
			return
		}
	}
	h.points = append(h.points, model.DataPoint{Index: index, Value: v})
}

func (h *fakeHub) setDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

func (h *fakeHub) writeLog() [][]model.DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]model.DataPoint(nil), h.writes...)
}

type fakeConn struct {
	hub       *fakeHub
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Status(ctx context.Context) ([]model.DataPoint, error) {
	h := c.hub
	h.mu.Lock()
	hang := h.hang
	h.mu.Unlock()
	if hang != nil {
		// Deliberately ignores ctx; only Close unblocks it.
		select {
		case <-hang:
		case <-c.closed:
			return nil, fmt.Errorf("%w: use of closed connection", model.ErrTransportUnreachable)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, fmt.Errorf("%w: i/o timeout", model.ErrTransportUnreachable)
	}
	h.polls++
	h.lastPoll = time.Now()
	if len(h.script) > 0 {
		next := h.script[0]
		h.script = h.script[1:]
		for _, p := range next {
			h.setLocked(p.Index, p.Value)
		}
		return append([]model.DataPoint(nil), next...), nil
	}
	return append([]model.DataPoint(nil), h.points...), nil
}

func (c *fakeConn) Set(ctx context.Context, points []model.DataPoint) error {
	h := c.hub
	h.mu.Lock()
	hang, calls := h.setHang, h.setCalls
	h.mu.Unlock()
	if calls != nil {
		calls <- struct{}{}
	}
	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return fmt.Errorf("%w: use of closed connection", model.ErrTransportUnreachable)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return fmt.Errorf("%w: broken pipe", model.ErrTransportUnreachable)
	}
	if h.setErr != nil {
		return h.setErr
	}
	h.writes = append(h.writes, append([]model.DataPoint(nil), points...))
	for _, p := range points {
		h.setLocked(p.Index, p.Value)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type staticLocator struct {
	addr  string
	calls atomic.Int32
}

func (l *staticLocator) Locate(ctx context.Context, deviceID string) (string, error) {
	l.calls.Add(1)
	return l.addr, nil
}

func testDPS() model.DPSMap {
	return model.DPSMap{
		Mode: "101",
		ModeValues: map[string]model.Mode{
			"1": model.ModeArmedAway,
			"2": model.ModeDisarmed,
			"3": model.ModeArmedHome,
		},
		Alarm: "103",
		Siren: "104",
		Zones: map[int]string{1: "131", 3: "133"},
		SilentRearm: []model.DataPoint{
			{Index: "111", Value: true},
			{Index: "112", Value: true},
		},
	}
}

func testConfig(addr string) Config {
	return Config{
		Target: Target{
			DeviceID: "bf0123456789abcdef",
			Address:  addr,
			LocalKey: "0123456789abcdef",
			Version:  "3.4",
		},
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		LostAfter:      3,
		RearmDelay:     10 * time.Millisecond,
		DPS:            testDPS(),
	}
}

func mode(raw string) model.DataPoint { return model.DataPoint{Index: "101", Value: raw} }

// feed collects events from a bus subscription.
type feed struct {
	t   *testing.T
	sub *events.Subscription
}

func newFeed(t *testing.T, bus *events.Bus) *feed {
	sub, err := bus.Subscribe(t.Name(), 1024)
	require.NoError(t, err)
	return &feed{t: t, sub: sub}
}

// until reads events until pred matches one, returning everything read.
func (f *feed) until(pred func(events.Event) bool) []events.Event {
	f.t.Helper()
	var got []events.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-f.sub.Events():
			got = append(got, e)
			if pred(e) {
				return got
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for event, got %d: %v", len(got), kinds(got))
			return nil
		}
	}
}

// drain returns whatever arrives within d.
func (f *feed) drain(d time.Duration) []events.Event {
	var got []events.Event
	deadline := time.After(d)
	for {
		select {
		case e := <-f.sub.Events():
			got = append(got, e)
		case <-deadline:
			return got
		}
	}
}

func connectivity(h model.ConnectionHealth) func(events.Event) bool {
	return func(e events.Event) bool {
		c, ok := e.(events.HubConnectivityChanged)
		return ok && c.Health == h
	}
}

func modeChange(to model.Mode) func(events.Event) bool {
	return func(e events.Event) bool {
		c, ok := e.(events.HubModeChanged)
		return ok && c.New == to
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind()
	}
	return out
}

func only[T events.Event](evs []events.Event) []T {
	var out []T
	for _, e := range evs {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
