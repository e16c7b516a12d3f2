package tuya

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

const (
	Version33 = "3.3"
	Version34 = "3.4"

	DefaultPort = 6668

	// maxSkipped bounds how many unrelated frames a request reads past
	// while waiting for its reply.
	maxSkipped = 16
)

type Config struct {
	DeviceID string
	Address  string
	LocalKey string
	Version  string
	Port     int
}

func (c Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", model.ErrConfigurationInvalid)
	}
	if len(c.LocalKey) != 16 {
		return fmt.Errorf("%w: local key must be 16 characters, got %d", model.ErrConfigurationInvalid, len(c.LocalKey))
	}
	if c.Version != Version33 && c.Version != Version34 {
		return fmt.Errorf("%w: protocol version %q not supported (want 3.3 or 3.4)", model.ErrConfigurationInvalid, c.Version)
	}
	return nil
}

// Client is one persistent session with a device. It is used by a single
// goroutine; Close may be called from any goroutine to abort blocked I/O.
type Client struct {
	cfg      Config
	conn     net.Conn
	localKey []byte

	// key encrypts payloads and, for 3.4, signs frames. It is the local key
	// until a 3.4 session key has been negotiated.
	key  []byte
	ciph *ecb
	seq  uint32

	closeOnce sync.Once
	now       func() time.Time
}

// Dial connects to the device and, for 3.4, negotiates a session key.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", model.ErrTransportUnreachable, addr, err)
	}

	c, err := newClient(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Version == Version34 {
		if err := c.negotiate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func newClient(cfg Config, conn net.Conn) (*Client, error) {
	key := []byte(cfg.LocalKey)
	ciph, err := newECB(key)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		conn:     conn,
		localKey: key,
		key:      key,
		ciph:     ciph,
		now:      time.Now,
	}, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Status queries every data point. The reply is matched by command and
// sequence number; STATUS pushes read on the way are partial readings and
// are merged under the reply's values.
func (c *Client) Status(ctx context.Context) ([]model.DataPoint, error) {
	var points []model.DataPoint
	err := c.withContext(ctx, func() error {
		cmd, payload := queryPayload(c.cfg.Version, c.cfg.DeviceID, c.now())
		seq, err := c.send(cmd, payload)
		if err != nil {
			return err
		}

		var (
			pushed   []model.DataPoint
			ackEmpty bool
		)
		for i := 0; i < maxSkipped; i++ {
			m, body, err := c.recv()
			if err != nil {
				return err
			}
			switch {
			case c.isReply(m, cmd, seq):
				if len(body) == 0 {
					// Some 3.4 firmware acks the query empty and pushes the
					// values in a STATUS frame right after.
					ackEmpty = true
					continue
				}
				pts, ok, err := ParseDPS(body)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: status reply carries no dps", model.ErrProtocolDecode)
				}
				points = mergePoints(pts, pushed)
				return nil
			case m.Cmd == CmdStatus && len(body) > 0:
				pts, ok, err := ParseDPS(body)
				if err != nil || !ok {
					continue
				}
				if ackEmpty {
					points = mergePoints(pts, pushed)
					return nil
				}
				pushed = mergePoints(pts, pushed)
			}
		}
		return fmt.Errorf("%w: no status reply after %d frames", model.ErrProtocolDecode, maxSkipped)
	})
	return points, err
}

// Set writes points and waits for the device's acknowledgment. The STATUS
// push that usually follows is skipped by the next Status call.
func (c *Client) Set(ctx context.Context, points []model.DataPoint) error {
	return c.withContext(ctx, func() error {
		cmd, payload, err := controlPayload(c.cfg.Version, c.cfg.DeviceID, points, c.now())
		if err != nil {
			return fmt.Errorf("%w: encode control: %v", model.ErrCommandRejected, err)
		}
		seq, err := c.send(cmd, payload)
		if err != nil {
			return err
		}
		for i := 0; i < maxSkipped; i++ {
			m, body, err := c.recv()
			if err != nil {
				return err
			}
			if !c.isReply(m, cmd, seq) {
				continue
			}
			if m.HasRetcode && m.Retcode != 0 {
				return fmt.Errorf("%w: device return code %d: %s", model.ErrCommandRejected, m.Retcode, bytes.TrimSpace(body))
			}
			return nil
		}
		return fmt.Errorf("%w: no control ack after %d frames", model.ErrProtocolDecode, maxSkipped)
	})
}

// isReply reports whether m answers the request sent as cmd with seq.
// Replies with sequence zero are unsequenced and accepted.
func (c *Client) isReply(m Message, cmd, seq uint32) bool {
	return m.Cmd == cmd && (m.Seq == seq || m.Seq == 0)
}

// mergePoints returns primary followed by the points of extra whose index
// primary does not carry.
func mergePoints(primary, extra []model.DataPoint) []model.DataPoint {
	out := append([]model.DataPoint(nil), primary...)
	for _, e := range extra {
		found := false
		for _, p := range out {
			if p.Index == e.Index {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}

// negotiate runs the three step 3.4 session key exchange.
func (c *Client) negotiate(ctx context.Context) error {
	return c.withContext(ctx, func() error {
		local := make([]byte, 16)
		if _, err := rand.Read(local); err != nil {
			return err
		}
		if _, err := c.send(CmdSessKeyNegStart, local); err != nil {
			return err
		}

		m, body, err := c.recv()
		if err != nil {
			return err
		}
		if m.Cmd != CmdSessKeyNegResp {
			return fmt.Errorf("%w: expected session key response, got command %d", model.ErrProtocolDecode, m.Cmd)
		}
		if len(body) < 48 {
			return fmt.Errorf("%w: session key response too short (%d bytes)", model.ErrProtocolDecode, len(body))
		}
		remote := body[:16]
		if !bytes.Equal(body[16:48], hmacSHA256(c.localKey, local)) {
			return fmt.Errorf("%w: session key response not signed with our local key", model.ErrProtocolDecode)
		}

		if _, err := c.send(CmdSessKeyNegFinish, hmacSHA256(c.localKey, remote)); err != nil {
			return err
		}

		key, err := sessionKey(c.localKey, local, remote)
		if err != nil {
			return err
		}
		ciph, err := newECB(key)
		if err != nil {
			return err
		}
		c.key, c.ciph = key, ciph
		log.Printf("[DEBUG] Tuya (%s): session key negotiated", c.cfg.DeviceID)
		return nil
	})
}

func (c *Client) hmacKey() []byte {
	if c.cfg.Version == Version34 {
		return c.key
	}
	return nil
}

// send writes one frame and returns its sequence number.
func (c *Client) send(cmd uint32, payload []byte) (uint32, error) {
	var body []byte
	switch c.cfg.Version {
	case Version34:
		if needsVersionHeader(cmd) {
			payload = append(versionHeader(Version34), payload...)
		}
		body = c.ciph.encrypt(payload, true)
	default:
		body = c.ciph.encrypt(payload, true)
		if needsVersionHeader(cmd) {
			body = append(versionHeader(Version33), body...)
		}
	}

	c.seq++
	frame := Pack(Message{Seq: c.seq, Cmd: cmd, Payload: body}, c.hmacKey())
	if _, err := c.conn.Write(frame); err != nil {
		return 0, fmt.Errorf("%w: write: %v", model.ErrTransportUnreachable, err)
	}
	return c.seq, nil
}

// recv reads one frame and returns it with its decrypted payload.
func (c *Client) recv() (Message, []byte, error) {
	m, err := ReadMessage(c.conn, c.hmacKey())
	if err != nil {
		if errors.Is(err, model.ErrProtocolDecode) {
			return Message{}, nil, err
		}
		return Message{}, nil, fmt.Errorf("%w: read: %v", model.ErrTransportUnreachable, err)
	}
	body, err := c.open(m.Payload)
	if err != nil {
		return m, nil, fmt.Errorf("command %d: %w", m.Cmd, err)
	}
	return m, body, nil
}

// open decrypts a payload and strips the version header where present.
func (c *Client) open(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	ver := []byte(c.cfg.Version)

	if c.cfg.Version == Version33 {
		if bytes.HasPrefix(payload, ver) && len(payload) > versionHeaderLen {
			payload = payload[versionHeaderLen:]
		}
		plain, err := c.ciph.decrypt(payload, true)
		if err != nil {
			// Errors such as "data format error" arrive in the clear.
			if isText(payload) {
				return payload, nil
			}
			return nil, err
		}
		return plain, nil
	}

	plain, err := c.ciph.decrypt(payload, true)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(plain, ver) && len(plain) >= versionHeaderLen {
		plain = plain[versionHeaderLen:]
	}
	return plain, nil
}

func isText(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// withContext applies ctx's deadline to the connection and unblocks I/O
// if ctx is cancelled.
func (c *Client) withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransportUnreachable, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	err := fn()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", model.ErrTransportUnreachable, ctx.Err())
	}
	return err
}
