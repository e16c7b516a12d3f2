package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/metrics"
	"github.com/technosupport/homeguard/internal/model"
)

const autoSubscriberID = "auto-snapshot"

// AutoSnapshot stores a frame whenever a zone trips or the siren starts.
// It only listens to the bus; the hub manager does not know it exists.
type AutoSnapshot struct {
	bus     *events.Bus
	frames  FrameSource
	sink    Sink
	timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   string
}

func NewAutoSnapshot(bus *events.Bus, frames FrameSource, sink Sink) *AutoSnapshot {
	return &AutoSnapshot{bus: bus, frames: frames, sink: sink, timeout: 5 * time.Second}
}

func (a *AutoSnapshot) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return nil
	}

	sub, err := a.bus.Subscribe(autoSubscriberID, 16, events.KindZoneTriggered, events.KindSirenChanged)
	if err != nil {
		return fmt.Errorf("auto snapshot subscribe: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx, sub, a.done)
	log.Printf("[INFO] Auto Snapshot: storing alarm snapshots to %s sink", a.sink.Kind())
	return nil
}

func (a *AutoSnapshot) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	a.bus.Unsubscribe(autoSubscriberID)
	<-done
}

// Last returns the reference of the most recent alarm snapshot.
func (a *AutoSnapshot) Last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *AutoSnapshot) run(ctx context.Context, sub *events.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if !triggers(e) {
				continue
			}
			ref, err := a.capture(ctx, e)
			if err != nil {
				log.Printf("[WARN] Auto Snapshot: %s at %s not captured: %v", e.Kind(), e.Time().Format(time.RFC3339), err)
				continue
			}
			a.mu.Lock()
			a.last = ref
			a.mu.Unlock()
			log.Printf("[INFO] Auto Snapshot: %s stored as %s", e.Kind(), ref)
		}
	}
}

func triggers(e events.Event) bool {
	switch ev := e.(type) {
	case events.ZoneTriggered:
		return true
	case events.SirenChanged:
		return ev.Active
	}
	return false
}

func (a *AutoSnapshot) capture(ctx context.Context, e events.Event) (string, error) {
	frame, err := a.frames.TakeSnapshot()
	if err != nil {
		if errors.Is(err, model.ErrNoFrame) {
			metrics.SnapshotsStoredTotal.WithLabelValues(a.sink.Kind(), "no_frame").Inc()
		}
		return "", err
	}

	meta := Meta{
		Name:        fmt.Sprintf("alarm-%s-%d.jpg", e.Kind(), e.Time().UnixNano()),
		Seq:         frame.Seq,
		CapturedAt:  frame.CapturedAt,
		EventID:     e.ID().String(),
		EventKind:   string(e.Kind()),
		TriggeredAt: e.Time(),
	}
	return store(ctx, a.sink, meta, frame.Data, a.timeout)
}

func store(ctx context.Context, sink Sink, meta Meta, data []byte, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ref, err := sink.Store(ctx, meta, data)
	if err != nil {
		metrics.SnapshotsStoredTotal.WithLabelValues(sink.Kind(), "error").Inc()
		return "", err
	}
	metrics.SnapshotsStoredTotal.WithLabelValues(sink.Kind(), "ok").Inc()
	return ref, nil
}
