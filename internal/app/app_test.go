package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/homeguard/internal/camera"
	"github.com/technosupport/homeguard/internal/config"
	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/hub"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/tokens"
)

const testJWTKey = "0123456789abcdef0123456789abcdef"

const baseYAML = `
hub:
  device_id: bf0123456789abcdef
  address: %s
  local_key: 0123456789abcdef
  poll_interval: 20ms
  request_timeout: 500ms
  backoff_initial: 10ms
  backoff_max: 50ms
camera:
  enabled: %t
  name: porch
  candidates: ["rtsp://10.0.0.9:554/live"]
snapshots:
  sink: none
api:
  listen: 127.0.0.1:0
  jwt_key: ` + testJWTKey + `
`

func loadConfig(t *testing.T, addr string, cameraOn bool) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(baseYAML, addr, cameraOn)))
	require.NoError(t, err)
	return cfg
}

// fakeHub answers at every address in up with the DP-W2.1 layout.
type fakeHub struct {
	mu     sync.Mutex
	up     map[string]bool
	points map[string]any
	writes []model.DataPoint
	dialed []string
}

func newFakeHub(addrs ...string) *fakeHub {
	h := &fakeHub{
		up:     map[string]bool{},
		points: map[string]any{"101": "2", "103": false, "104": false},
	}
	for _, a := range addrs {
		h.up[a] = true
	}
	return h
}

func (h *fakeHub) dial(ctx context.Context, t hub.Target) (hub.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialed = append(h.dialed, t.Address)
	if !h.up[t.Address] {
		return nil, fmt.Errorf("%w: connection refused", model.ErrTransportUnreachable)
	}
	return &fakeConn{hub: h}, nil
}

func (h *fakeHub) dialedAddrs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dialed...)
}

func (h *fakeHub) written() []model.DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.DataPoint(nil), h.writes...)
}

type fakeConn struct{ hub *fakeHub }

func (c *fakeConn) Status(ctx context.Context) ([]model.DataPoint, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	var out []model.DataPoint
	for _, idx := range []string{"101", "103", "104"} {
		out = append(out, model.DataPoint{Index: idx, Value: c.hub.points[idx]})
	}
	return out, nil
}

func (c *fakeConn) Set(ctx context.Context, points []model.DataPoint) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for _, p := range points {
		c.hub.points[p.Index] = p.Value
		c.hub.writes = append(c.hub.writes, p)
	}
	return nil
}

func (c *fakeConn) Close() error { return nil }

// fakeSource delivers the same JPEG every few milliseconds.
type fakeSource struct {
	frame  []byte
	closed chan struct{}
	once   sync.Once
	seq    uint64
}

func (s *fakeSource) ReadFrame(ctx context.Context) (model.Frame, error) {
	select {
	case <-s.closed:
		return model.Frame{}, fmt.Errorf("%w: closed", model.ErrTransportUnreachable)
	case <-time.After(5 * time.Millisecond):
	}
	s.seq++
	return model.Frame{Data: s.frame, CapturedAt: time.Now(), Seq: s.seq}, nil
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func grayJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.Set(0, 0, color.Gray{Y: 10})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func fakeOpener(t *testing.T) camera.Opener {
	frame := grayJPEG(t)
	return func(ctx context.Context, url string) (camera.Source, error) {
		return &fakeSource{frame: frame, closed: make(chan struct{})}, nil
	}
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Stop(ctx)
	})
	return a
}

func controlToken(t *testing.T) string {
	t.Helper()
	tm, err := tokens.NewManager(testJWTKey, tokenIssuer)
	require.NoError(t, err)
	tok, err := tm.Issue("alice", time.Hour, tokens.ScopeView, tokens.ScopeControl)
	require.NoError(t, err)
	return tok
}

func hubMode(a *App) model.Mode {
	h, _ := a.Devices()
	return h.State().Mode
}

func TestApp_ServesHubStatus(t *testing.T) {
	fh := newFakeHub("10.0.0.5")
	a := startApp(t, loadConfig(t, "10.0.0.5", false), WithHubDialer(fh.dial))

	require.Eventually(t, func() bool { return hubMode(a) == model.ModeDisarmed }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.Addr() + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Hub    model.HubState     `json:"hub"`
		Camera *model.CameraState `json:"camera"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, model.ModeDisarmed, body.Hub.Mode)
	assert.Nil(t, body.Camera)

	_, cam := a.Devices()
	assert.Nil(t, cam)
}

func TestApp_ModeCommandReachesHub(t *testing.T) {
	fh := newFakeHub("10.0.0.5")
	a := startApp(t, loadConfig(t, "10.0.0.5", false), WithHubDialer(fh.dial))
	require.Eventually(t, func() bool { return hubMode(a) == model.ModeDisarmed }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, "http://"+a.Addr()+"/api/mode?wait=2s", strings.NewReader(`{"mode":"away"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+controlToken(t))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out gateway.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, gateway.StateAcknowledged, out.State)
	assert.Equal(t, gateway.DeviceHub, out.Device)

	assert.Contains(t, fh.written(), model.DataPoint{Index: "101", Value: "1"})
	assert.Equal(t, model.ModeArmedAway, hubMode(a))
}

func TestApp_SnapshotWithoutCameraIsRejected(t *testing.T) {
	fh := newFakeHub("10.0.0.5")
	a := startApp(t, loadConfig(t, "10.0.0.5", false), WithHubDialer(fh.dial))

	token, err := a.Gateway().Submit(gateway.TakeSnapshot())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := a.Gateway().Wait(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateRejected, out.State)
}

func TestApp_CameraSnapshot(t *testing.T) {
	fh := newFakeHub("10.0.0.5")
	a := startApp(t, loadConfig(t, "10.0.0.5", true), WithHubDialer(fh.dial), WithCameraOpener(fakeOpener(t)))

	require.Eventually(t, func() bool {
		_, cam := a.Devices()
		return cam != nil && cam.State().StreamHealth == model.StreamStreaming
	}, 3*time.Second, 10*time.Millisecond)

	token, err := a.Gateway().Submit(gateway.TakeSnapshot())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := a.Gateway().Wait(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateAcknowledged, out.State)
	assert.Equal(t, "latest", out.Artifact)

	resp, err := http.Get("http://" + a.Addr() + "/api/snapshot/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestApp_ReloadMovesHub(t *testing.T) {
	fh := newFakeHub("10.0.0.5", "10.0.0.6")
	a := startApp(t, loadConfig(t, "10.0.0.5", false), WithHubDialer(fh.dial))
	require.Eventually(t, func() bool { return hubMode(a) == model.ModeDisarmed }, 2*time.Second, 10*time.Millisecond)

	a.Reload(loadConfig(t, "10.0.0.6", false))

	require.Eventually(t, func() bool {
		return hubMode(a) == model.ModeDisarmed && slices.Contains(fh.dialedAddrs(), "10.0.0.6")
	}, 2*time.Second, 10*time.Millisecond)

	// Commands follow the new manager.
	token, err := a.Gateway().Submit(gateway.SetMode(model.ModeArmedHome))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := a.Gateway().Wait(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateAcknowledged, out.State)
	assert.Equal(t, model.ModeArmedHome, hubMode(a))
}

func TestApp_ReloadEnablesCamera(t *testing.T) {
	fh := newFakeHub("10.0.0.5")
	a := startApp(t, loadConfig(t, "10.0.0.5", false), WithHubDialer(fh.dial), WithCameraOpener(fakeOpener(t)))

	_, cam := a.Devices()
	require.Nil(t, cam)

	a.Reload(loadConfig(t, "10.0.0.5", true))
	require.Eventually(t, func() bool {
		_, cam := a.Devices()
		return cam != nil && cam.State().StreamHealth == model.StreamStreaming
	}, 3*time.Second, 10*time.Millisecond)

	a.Reload(loadConfig(t, "10.0.0.5", false))
	_, cam = a.Devices()
	assert.Nil(t, cam)
}

func TestRestartNeeded(t *testing.T) {
	running := loadConfig(t, "10.0.0.5", false)

	next := loadConfig(t, "10.0.0.6", true)
	assert.Empty(t, RestartNeeded(running, next))

	next = loadConfig(t, "10.0.0.5", false)
	next.Gateway.QueueSize = 99
	next.API.AllowedOrigins = []string{"http://panel.local"}
	next.Hub.Locate = true
	assert.Equal(t, []string{"gateway", "api", "hub.locate"}, RestartNeeded(running, next))
}
