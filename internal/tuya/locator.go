package tuya

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

var ErrNotFound = errors.New("device not announced")

// Devices announce themselves by UDP broadcast every few seconds: encrypted
// on 6667, in the clear on 6666 (older firmware).
var DefaultListenAddrs = []string{":6667", ":6666"}

// Announcement is the body of a discovery broadcast.
type Announcement struct {
	IP         string `json:"ip"`
	GwID       string `json:"gwId"`
	Active     int    `json:"active"`
	Encrypt    bool   `json:"encrypt"`
	ProductKey string `json:"productKey"`
	Version    string `json:"version"`
}

// ParseAnnouncement decodes one broadcast datagram.
func ParseAnnouncement(packet []byte) (Announcement, error) {
	body := packet
	if len(packet) >= 4 && binary.BigEndian.Uint32(packet) == prefix55AA {
		m, err := Unpack(packet, nil)
		if err != nil {
			return Announcement{}, err
		}
		body = m.Payload
	}

	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		c, _ := newECB(udpKey)
		plain, err := c.decrypt(body, true)
		if err != nil {
			return Announcement{}, err
		}
		body = plain
	}

	var a Announcement
	if err := json.Unmarshal(body, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: announcement json: %v", model.ErrProtocolDecode, err)
	}
	if a.GwID == "" || a.IP == "" {
		return Announcement{}, fmt.Errorf("%w: announcement without gwId or ip", model.ErrProtocolDecode)
	}
	return a, nil
}

// Listen reads announcements from conn and passes each to fn until fn
// returns false or ctx ends. Undecodable datagrams are skipped.
func Listen(ctx context.Context, conn net.PacketConn, fn func(Announcement) bool) error {
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		a, err := ParseAnnouncement(buf[:n])
		if err != nil {
			log.Printf("[DEBUG] Tuya Locator: skipped datagram: %v", err)
			continue
		}
		if !fn(a) {
			return nil
		}
	}
}

// Locator finds devices by listening for their broadcasts.
type Locator struct {
	ListenAddrs []string
	Timeout     time.Duration
}

func NewLocator() *Locator {
	return &Locator{ListenAddrs: DefaultListenAddrs, Timeout: 12 * time.Second}
}

// Locate waits for an announcement from deviceID and returns its address.
func (l *Locator) Locate(ctx context.Context, deviceID string) (string, error) {
	var (
		mu    sync.Mutex
		found string
	)
	err := l.scan(ctx, func(a Announcement) bool {
		if a.GwID != deviceID {
			return true
		}
		mu.Lock()
		found = a.IP
		mu.Unlock()
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	if found != "" {
		return found, nil
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, deviceID)
}

// Scan collects every device heard before the timeout, keyed by gwId.
func (l *Locator) Scan(ctx context.Context) (map[string]Announcement, error) {
	var mu sync.Mutex
	seen := map[string]Announcement{}
	err := l.scan(ctx, func(a Announcement) bool {
		mu.Lock()
		seen[a.GwID] = a
		mu.Unlock()
		return true
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return seen, nil
}

// scan listens on every address until fn returns false on any of them or
// the timeout passes.
func (l *Locator) scan(ctx context.Context, fn func(Announcement) bool) error {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conns []net.PacketConn
	for _, addr := range l.ListenAddrs {
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			log.Printf("[WARN] Tuya Locator: listen %s: %v", addr, err)
			continue
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return fmt.Errorf("%w: no discovery port could be opened", model.ErrTransportUnreachable)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn net.PacketConn) {
			defer wg.Done()
			errs[i] = Listen(ctx, conn, func(a Announcement) bool {
				if fn(a) {
					return true
				}
				cancel()
				return false
			})
		}(i, conn)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
