package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/model"
)

// fakeCam serves frames for the urls marked live. A url marked hang opens
// but never delivers; any other url refuses to open. Reads ignore their
// context like a wedged decoder would and only return on Close.
type fakeCam struct {
	interval time.Duration

	mu      sync.Mutex
	live    map[string]bool
	hang    map[string]bool
	frames  [][]byte
	next    int
	opens   []string
	sources []*fakeSource
}

func newFakeCam() *fakeCam {
	return &fakeCam{
		interval: 5 * time.Millisecond,
		live:     map[string]bool{},
		hang:     map[string]bool{},
		frames:   [][]byte{grayJPEG(128)},
	}
}

func (c *fakeCam) open(ctx context.Context, url string) (Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens = append(c.opens, url)
	if !c.live[url] && !c.hang[url] {
		return nil, fmt.Errorf("%w: connection refused", model.ErrTransportUnreachable)
	}
	s := &fakeSource{cam: c, url: url, closed: make(chan struct{})}
	c.sources = append(c.sources, s)
	return s, nil
}

func (c *fakeCam) setLive(url string, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[url] = live
}

func (c *fakeCam) setFrames(frames ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = frames
	c.next = 0
}

func (c *fakeCam) frameFor(url string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live[url] {
		return nil
	}
	f := c.frames[c.next%len(c.frames)]
	c.next++
	return f
}

func (c *fakeCam) openLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opens...)
}

func (c *fakeCam) openSources() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sources {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

type fakeSource struct {
	cam    *fakeCam
	url    string
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSource) ReadFrame(ctx context.Context) (model.Frame, error) {
	for {
		select {
		case <-s.closed:
			return model.Frame{}, io.EOF
		case <-time.After(s.cam.interval):
		}
		if data := s.cam.frameFor(s.url); data != nil {
			return model.Frame{Data: data}, nil
		}
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func grayJPEG(y uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = y
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func halfJPEG(left, right uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			v := left
			if x >= 32 {
				v = right
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func testConfig(candidates ...string) Config {
	return Config{
		Name:               "test",
		Candidates:         candidates,
		ProbeTimeout:       100 * time.Millisecond,
		FrameTimeout:       80 * time.Millisecond,
		StallGrace:         time.Second,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         20 * time.Millisecond,
		FrameEventInterval: time.Hour,
		DisableMotion:      true,
	}
}

// feed collects events from a bus subscription.
type feed struct {
	t   *testing.T
	sub *events.Subscription
}

func newFeed(t *testing.T, bus *events.Bus) *feed {
	sub, err := bus.Subscribe(t.Name(), 4096)
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
			f.t.Fatalf("timed out waiting for event, got %d: %v", len(got), healths(got))
			return nil
		}
	}
}

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

func health(h model.StreamHealth) func(events.Event) bool {
	return func(e events.Event) bool {
		c, ok := e.(events.CameraConnectivityChanged)
		return ok && c.Health == h
	}
}

func healths(evs []events.Event) []model.StreamHealth {
	var out []model.StreamHealth
	for _, e := range evs {
		if c, ok := e.(events.CameraConnectivityChanged); ok {
			out = append(out, c.Health)
		}
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
