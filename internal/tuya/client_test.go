package tuya

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/homeguard/internal/model"
)

const (
	testKey = "0123456789abcdef"
	testID  = "bf00112233445566778899"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

// fakeDevice answers the device side of the protocol on a local listener.
type fakeDevice struct {
	t        *testing.T
	version  string
	localKey []byte
	ln       net.Listener

	mu            sync.Mutex
	status        string
	retcode       uint32
	emptyQueryAck bool
	silent        bool
	controls      []string

	// pushes STATUS frames sent after every control ack.
	pushes int
	// countQueries replaces the status with a query counter in dps 999.
	countQueries bool
	queries      int
}

func startDevice(t *testing.T, version string) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDevice{
		t:        t,
		version:  version,
		localKey: []byte(testKey),
		ln:       ln,
		status:   `{"devId":"` + testID + `","dps":{"101":"2","104":false,"103":false}}`,
	}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDevice) config() Config {
	port := d.ln.Addr().(*net.TCPAddr).Port
	return Config{DeviceID: testID, Address: "127.0.0.1", LocalKey: testKey, Version: d.version, Port: port}
}

func (d *fakeDevice) controlLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.controls...)
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()

	key := d.localKey
	ciph, _ := newECB(key)
	remote := []byte("fedcba9876543210")
	var localNonce []byte

	hk := func() []byte {
		if d.version == Version34 {
			return key
		}
		return nil
	}
	reply := func(seq, cmd, retcode uint32, plain []byte, header bool) {
		var body []byte
		if len(plain) > 0 {
			if d.version == Version34 {
				if header {
					plain = append(versionHeader(Version34), plain...)
				}
				body = ciph.encrypt(plain, true)
			} else {
				body = ciph.encrypt(plain, true)
				if header {
					body = append(versionHeader(Version33), body...)
				}
			}
		}
		conn.Write(Pack(Message{Seq: seq, Cmd: cmd, Retcode: retcode, HasRetcode: true, Payload: body}, hk()))
	}

	for {
		m, err := ReadMessage(conn, hk())
		if err != nil {
			return
		}
		payload := m.Payload
		if d.version == Version33 && bytes.HasPrefix(payload, []byte(Version33)) {
			payload = payload[versionHeaderLen:]
		}
		plain, err := ciph.decrypt(payload, true)
		if err != nil {
			return
		}
		if d.version == Version34 && bytes.HasPrefix(plain, []byte(Version34)) {
			plain = plain[versionHeaderLen:]
		}

		d.mu.Lock()
		status, retcode, emptyAck, silent := d.status, d.retcode, d.emptyQueryAck, d.silent
		d.mu.Unlock()
		if silent {
			continue
		}

		switch m.Cmd {
		case CmdSessKeyNegStart:
			localNonce = plain
			reply(m.Seq, CmdSessKeyNegResp, 0, append(append([]byte(nil), remote...), hmacSHA256(key, localNonce)...), false)
		case CmdSessKeyNegFinish:
			if !bytes.Equal(plain, hmacSHA256(key, remote)) {
				return
			}
			key, _ = sessionKey(d.localKey, localNonce, remote)
			ciph, _ = newECB(key)
		case CmdDPQuery, CmdDPQueryNew:
			d.mu.Lock()
			d.queries++
			if d.countQueries {
				status = fmt.Sprintf(`{"devId":"%s","dps":{"999":%d,"104":false}}`, testID, d.queries)
			}
			d.mu.Unlock()
			if emptyAck {
				reply(m.Seq, m.Cmd, 0, nil, false)
				reply(0, CmdStatus, 0, []byte(status), true)
				continue
			}
			reply(m.Seq, m.Cmd, 0, []byte(status), false)
		case CmdControl, CmdControlNew:
			d.mu.Lock()
			d.controls = append(d.controls, string(plain))
			pushes := d.pushes
			d.mu.Unlock()
			reply(m.Seq, m.Cmd, retcode, nil, false)
			for i := 0; i < pushes; i++ {
				reply(0, CmdStatus, 0, []byte(fmt.Sprintf(`{"devId":"%s","dps":{"104":true,"1%02d":true}}`, testID, i)), true)
			}
		}
	}
}

func TestClient_StatusAndSet(t *testing.T) {
	for _, version := range []string{Version33, Version34} {
		t.Run(version, func(t *testing.T) {
			dev := startDevice(t, version)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			c, err := Dial(ctx, dev.config())
			require.NoError(t, err)
			defer c.Close()

			points, err := c.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, []model.DataPoint{
				{Index: "101", Value: "2"},
				{Index: "104", Value: false},
				{Index: "103", Value: false},
			}, points)

			require.NoError(t, c.Set(ctx, []model.DataPoint{{Index: "101", Value: "3"}}))
			ctrl := dev.controlLog()
			require.Len(t, ctrl, 1)
			assert.Contains(t, ctrl[0], `"101":"3"`)

			// The session stays usable for further requests.
			_, err = c.Status(ctx)
			require.NoError(t, err)
		})
	}
}

func TestClient_StatusAfterEmptyAck(t *testing.T) {
	dev := startDevice(t, Version34)
	dev.mu.Lock()
	dev.emptyQueryAck = true
	dev.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, dev.config())
	require.NoError(t, err)
	defer c.Close()

	points, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestClient_PushesDoNotDelayQueryReplies(t *testing.T) {
	for _, version := range []string{Version33, Version34} {
		t.Run(version, func(t *testing.T) {
			dev := startDevice(t, version)
			dev.mu.Lock()
			dev.pushes = 3
			dev.countQueries = true
			dev.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c, err := Dial(ctx, dev.config())
			require.NoError(t, err)
			defer c.Close()

			points, err := c.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, []model.DataPoint{{Index: "999", Value: float64(1)}, {Index: "104", Value: false}}, points)

			require.NoError(t, c.Set(ctx, []model.DataPoint{{Index: "104", Value: true}}))

			// Each poll returns its own reply, with the pushes merged under it.
			for want := 2; want <= 5; want++ {
				points, err := c.Status(ctx)
				require.NoError(t, err)
				require.NotEmpty(t, points)
				assert.Equal(t, model.DataPoint{Index: "999", Value: float64(want)}, points[0])
				assert.Contains(t, points, model.DataPoint{Index: "104", Value: false})
				if want == 2 {
					assert.Contains(t, points, model.DataPoint{Index: "100", Value: true})
					assert.Contains(t, points, model.DataPoint{Index: "102", Value: true})
				}
			}
		})
	}
}

func TestMergePoints(t *testing.T) {
	got := mergePoints(
		[]model.DataPoint{{Index: "101", Value: "1"}, {Index: "103", Value: false}},
		[]model.DataPoint{{Index: "103", Value: true}, {Index: "105", Value: true}},
	)
	assert.Equal(t, []model.DataPoint{
		{Index: "101", Value: "1"},
		{Index: "103", Value: false},
		{Index: "105", Value: true},
	}, got)
}

func TestClient_SetRejected(t *testing.T) {
	dev := startDevice(t, Version33)
	dev.mu.Lock()
	dev.retcode = 1
	dev.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, dev.config())
	require.NoError(t, err)
	defer c.Close()

	err = c.Set(ctx, []model.DataPoint{{Index: "104", Value: true}})
	assert.ErrorIs(t, err, model.ErrCommandRejected)
}

func TestClient_WrongKeyFailsNegotiation(t *testing.T) {
	dev := startDevice(t, Version34)
	cfg := dev.config()
	cfg.LocalKey = "ffffffffffffffff"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, cfg)
	assert.Error(t, err)
}

func TestClient_SilentDeviceHonoursDeadline(t *testing.T) {
	dev := startDevice(t, Version33)
	c, err := Dial(context.Background(), dev.config())
	require.NoError(t, err)
	defer c.Close()
	dev.mu.Lock()
	dev.silent = true
	dev.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Status(ctx)
	assert.ErrorIs(t, err, model.ErrTransportUnreachable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_CloseUnblocksStatus(t *testing.T) {
	dev := startDevice(t, Version33)
	c, err := Dial(context.Background(), dev.config())
	require.NoError(t, err)
	dev.mu.Lock()
	dev.silent = true
	dev.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Status(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, model.ErrTransportUnreachable)
	case <-time.After(time.Second):
		t.Fatal("Status still blocked after Close")
	}
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Dial(context.Background(), Config{DeviceID: testID, Address: "127.0.0.1", LocalKey: testKey, Version: Version33, Port: port})
	assert.ErrorIs(t, err, model.ErrTransportUnreachable)
}

func TestConfig_Validate(t *testing.T) {
	good := Config{DeviceID: testID, LocalKey: testKey, Version: Version34}
	assert.NoError(t, good.Validate())

	for name, mut := range map[string]func(*Config){
		"no id":       func(c *Config) { c.DeviceID = "" },
		"short key":   func(c *Config) { c.LocalKey = "abc" },
		"bad version": func(c *Config) { c.Version = "3.1" },
	} {
		c := good
		mut(&c)
		assert.ErrorIs(t, c.Validate(), model.ErrConfigurationInvalid, name)
	}
}
