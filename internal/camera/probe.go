package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

// ErrAuthFailed is returned when the camera answers OPTIONS with 401 or 403.
// OPTIONS carries no credentials, so callers may still try to open the URL.
var ErrAuthFailed = errors.New("rtsp auth required")

// ProbeRTSP performs a lightweight OPTIONS handshake to check that something
// speaking RTSP listens at rawURL, before paying for a decoder start.
func ProbeRTSP(ctx context.Context, rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", model.ErrConfigurationInvalid, err)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", model.ErrTransportUnreachable, host, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransportUnreachable, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	// The request line carries the URL without userinfo.
	reqURL := *u
	reqURL.User = nil
	msg := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: homeguard\r\n\r\n", reqURL.String())
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("%w: write: %v", model.ErrTransportUnreachable, err)
	}

	statusLine, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: read: %v", model.ErrTransportUnreachable, err)
	}

	// Expect "RTSP/1.0 200 OK"
	parts := strings.Fields(statusLine)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return fmt.Errorf("%w: not an rtsp reply: %q", model.ErrProtocolDecode, strings.TrimSpace(statusLine))
	}

	code := parts[1]
	if code == "401" || code == "403" {
		return fmt.Errorf("%w: %s", ErrAuthFailed, code)
	}
	if !strings.HasPrefix(code, "2") {
		return fmt.Errorf("%w: OPTIONS answered %s", model.ErrStreamStalled, code)
	}
	return nil
}
