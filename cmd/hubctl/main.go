// Command hubctl is the operator tool for a homeguard install: it finds hubs
// on the LAN, reads a hub's raw data points, issues API tokens and sends
// commands to the running service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/homeguard/internal/auth"
	"github.com/technosupport/homeguard/internal/config"
	"github.com/technosupport/homeguard/internal/tokens"
	"github.com/technosupport/homeguard/internal/tuya"
)

const usage = `usage: hubctl <command> [flags]

commands:
  locate   listen for hub broadcasts (-id to wait for one hub)
  status   dial the configured hub and print its data points
  token    issue an API token signed with api.jwt_key
  revoke   revoke an API token until it expires (needs redis)
  mode     set the alarm mode through the running service
  siren    switch the siren through the running service
  volume   set the hub volume (a level or "mute") through the running service
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "locate":
		err = runLocate(args)
	case "status":
		err = runStatus(args)
	case "token":
		err = runToken(args)
	case "revoke":
		err = runRevoke(args)
	case "mode":
		err = runCommand("mode", args)
	case "siren":
		err = runCommand("siren", args)
	case "volume":
		err = runCommand("volume", args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("hubctl %s: %v", cmd, err)
	}
}

func runLocate(args []string) error {
	fs := flag.NewFlagSet("locate", flag.ExitOnError)
	id := fs.String("id", "", "Device ID to wait for")
	timeout := fs.Duration("timeout", 12*time.Second, "How long to listen")
	fs.Parse(args)

	l := tuya.NewLocator()
	l.Timeout = *timeout
	ctx := context.Background()

	if *id != "" {
		addr, err := l.Locate(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Println(addr)
		return nil
	}

	seen, err := l.Scan(ctx)
	if err != nil {
		return err
	}
	if len(seen) == 0 {
		fmt.Println("no devices heard")
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := seen[id]
		fmt.Printf("%-24s %-15s v%-4s product=%s\n", a.GwID, a.IP, a.Version, a.ProductKey)
	}
	return nil
}

// runStatus opens its own session, so stop the service first on hubs that
// only accept one local connection.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to the YAML configuration")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	addr := cfg.Hub.Address
	if addr == "" {
		l := tuya.NewLocator()
		l.Timeout = cfg.LocateTimeout()
		if addr, err = l.Locate(ctx, cfg.Hub.DeviceID); err != nil {
			return err
		}
	}

	c, err := tuya.Dial(ctx, tuya.Config{
		DeviceID: cfg.Hub.DeviceID,
		Address:  addr,
		LocalKey: cfg.Hub.LocalKey,
		Version:  cfg.Hub.Version,
		Port:     cfg.Hub.Port,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	points, err := c.Status(ctx)
	if err != nil {
		return err
	}
	dps := cfg.Hub.DPS.DPSMap
	for _, p := range points {
		label := ""
		switch p.Index {
		case dps.Mode:
			if m, err := dps.DecodeMode(p.Value); err == nil {
				label = "mode=" + m.String()
			}
		case dps.Siren:
			label = "siren"
		case dps.Alarm:
			label = "alarm"
		case dps.Volume:
			label = "volume"
		default:
			if z, ok := dps.ZoneFor(p.Index); ok {
				label = fmt.Sprintf("zone %d", z)
			}
		}
		fmt.Printf("%-5s %-10v %s\n", p.Index, p.Value, label)
	}
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to the YAML configuration")
	operator := fs.String("operator", "", "Operator name recorded with each command")
	scopes := fs.String("scopes", "view,control", "Comma separated scopes")
	ttl := fs.Duration("ttl", tokens.DefaultTTL, "Token lifetime")
	fs.Parse(args)

	tok, err := issue(*configPath, *operator, *scopes, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func issue(configPath, operator, scopeList string, ttl time.Duration) (string, error) {
	if operator == "" {
		return "", fmt.Errorf("-operator is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.API.JWTKey == "" {
		return "", fmt.Errorf("api.jwt_key is not configured")
	}
	tm, err := tokens.NewManager(cfg.API.JWTKey, "homeguard")
	if err != nil {
		return "", err
	}
	var scopes []tokens.Scope
	for _, s := range strings.Split(scopeList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, tokens.Scope(s))
		}
	}
	return tm.Issue(operator, ttl, scopes...)
}

func runRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to the YAML configuration")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected the token to revoke")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("revocation needs redis.addr")
	}
	tm, err := tokens.NewManager(cfg.API.JWTKey, "homeguard")
	if err != nil {
		return err
	}
	claims, err := tm.Validate(fs.Arg(0))
	if err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ttl := time.Until(claims.ExpiresAt.Time)
	if err := auth.NewRedisRevocations(client, "").Revoke(ctx, claims.ID, ttl); err != nil {
		return err
	}
	fmt.Printf("revoked %s (operator %s) for %v\n", claims.ID, claims.Operator, ttl.Round(time.Second))
	return nil
}

// runCommand posts to the service's command API and prints the outcome.
func runCommand(kind string, args []string) error {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "Service base URL")
	token := fs.String("token", os.Getenv("HOMEGUARD_TOKEN"), "API token (default $HOMEGUARD_TOKEN)")
	configPath := fs.String("config", "", "Issue a short-lived token from this configuration instead of -token")
	operator := fs.String("operator", os.Getenv("USER"), "Operator for a token issued from -config")
	wait := fs.Duration("wait", 10*time.Second, "How long to wait for the hub to acknowledge")
	fs.Parse(args)

	if fs.NArg() != 1 {
		switch kind {
		case "mode":
			return fmt.Errorf("expected one of disarmed, home, away, sos")
		case "volume":
			return fmt.Errorf("expected a level or mute")
		}
		return fmt.Errorf("expected on or off")
	}
	arg := fs.Arg(0)

	var body any
	switch kind {
	case "mode":
		body = map[string]string{"mode": arg}
	case "volume":
		body = map[string]string{"level": arg}
	case "siren":
		switch arg {
		case "on":
			body = map[string]bool{"on": true}
		case "off":
			body = map[string]bool{"on": false}
		default:
			return fmt.Errorf("expected on or off, got %q", arg)
		}
	}

	bearer := *token
	if *configPath != "" {
		var err error
		if bearer, err = issue(*configPath, *operator, "control", 5*time.Minute); err != nil {
			return err
		}
	}
	if bearer == "" {
		return fmt.Errorf("no token: pass -token, set HOMEGUARD_TOKEN or use -config")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/%s?wait=%s", strings.TrimRight(*server, "/"), kind, *wait)
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: *wait + 5*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}
