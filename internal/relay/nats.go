// Package relay forwards bus events to NATS so other systems can react to
// the alarm without talking to the hub.
package relay

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/metrics"
)

const subscriberID = "nats-relay"

// Conn is the part of *nats.Conn the relay publishes through.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[WARN] NATS Relay: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[INFO] NATS Relay: reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// NATSRelay publishes every event as a JSON envelope on
// <prefix>.<source>.<kind>.
type NATSRelay struct {
	conn       Conn
	prefix     string
	maxRetries int
	retryDelay time.Duration

	mu     sync.Mutex
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNATSRelay(conn Conn, prefix string, maxRetries int) *NATSRelay {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "homeguard.events"
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &NATSRelay{conn: conn, prefix: prefix, maxRetries: maxRetries, retryDelay: 100 * time.Millisecond}
}

func (r *NATSRelay) Subject(e events.Event) string {
	return fmt.Sprintf("%s.%s.%s", r.prefix, e.Source(), e.Kind())
}

// Forward publishes one event, retrying with a linear backoff.
func (r *NATSRelay) Forward(e events.Event) error {
	data, err := events.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	subject := r.Subject(e)

	for i := 0; i <= r.maxRetries; i++ {
		err = r.conn.Publish(subject, data)
		if err == nil {
			metrics.RelayPublishTotal.WithLabelValues("nats", "ok").Inc()
			return nil
		}
		time.Sleep(time.Duration(i+1) * r.retryDelay)
	}

	metrics.RelayPublishTotal.WithLabelValues("nats", "error").Inc()
	return fmt.Errorf("publish failed after %d retries: %w", r.maxRetries, err)
}

// Start subscribes to bus and forwards events until Stop. A slow broker
// only costs this subscriber's feed; the bus drops for it alone.
func (r *NATSRelay) Start(ctx context.Context, bus *events.Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}

	sub, err := bus.Subscribe(subscriberID, 256)
	if err != nil {
		return fmt.Errorf("nats relay subscribe: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.bus, r.cancel, r.done = bus, cancel, make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := r.Forward(e); err != nil {
					log.Printf("[ERROR] NATS Relay: %s %s: %v", e.Kind(), e.ID(), err)
				}
			}
		}
	}(r.done)

	log.Printf("[INFO] NATS Relay: forwarding events to %s.>", r.prefix)
	return nil
}

func (r *NATSRelay) Stop() {
	r.mu.Lock()
	bus, cancel, done := r.bus, r.cancel, r.done
	r.bus, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	bus.Unsubscribe(subscriberID)
	<-done
}
