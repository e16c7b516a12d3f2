package camera

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Pattern is one port and path combination a camera may serve its stream on.
type Pattern struct {
	Port int
	Path string
}

// DefaultPatterns is the probe order for the OKam family and common generic
// firmware: main stream before sub-stream, vendor port before 554 and 8554.
var DefaultPatterns = []Pattern{
	{Port: 10555, Path: "/TCP/av0_0"},
	{Port: 10555, Path: "/TCP/av0_1"},
	{Port: 554, Path: "/stream1"},
	{Port: 554, Path: "/"},
	{Port: 8554, Path: "/profile0"},
	{Port: 8554, Path: "/profile1"},
}

// BuildCandidates expands host and credentials over patterns into an ordered
// list of rtsp URLs. A nil patterns uses DefaultPatterns.
func BuildCandidates(host, user, pass string, patterns []Pattern) []string {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		u := url.URL{
			Scheme: "rtsp",
			Host:   net.JoinHostPort(host, strconv.Itoa(p.Port)),
			Path:   p.Path,
		}
		if u.Path == "" {
			u.Path = "/"
		}
		if user != "" {
			u.User = url.UserPassword(user, pass)
		}
		out = append(out, u.String())
	}
	return out
}

// withCredentials adds user and pass to raw unless it already carries
// userinfo.
func withCredentials(raw, user, pass string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return "", fmt.Errorf("scheme %q is not rtsp", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", Redact(raw))
	}
	if u.User == nil && user != "" {
		u.User = url.UserPassword(user, pass)
	}
	return u.String(), nil
}

// Redact strips the password from an rtsp URL for logs, events and the API.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		// Fall back to cutting everything before the host.
		if i := strings.LastIndex(raw, "@"); i >= 0 {
			if j := strings.Index(raw, "://"); j >= 0 && j < i {
				return raw[:j+3] + "***@" + raw[i+1:]
			}
		}
		return raw
	}
	if u.User == nil {
		return u.String()
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
