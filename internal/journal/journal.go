// Package journal keeps a Postgres history of hub and camera events.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/metrics"
)

const subscriberID = "journal"

// Recorded kinds. FrameReceived is a liveness tick and not history.
var recordedKinds = []events.Kind{
	events.KindHubModeChanged,
	events.KindZoneTriggered,
	events.KindSirenChanged,
	events.KindHubConnectivityChanged,
	events.KindCameraConnectivityChanged,
	events.KindMotionDetected,
}

// Entry is one journal row.
type Entry struct {
	EventID    uuid.UUID       `json:"event_id"`
	Source     string          `json:"source"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	return db, nil
}

type Recorder struct {
	db      *sql.DB
	timeout time.Duration

	mu     sync.Mutex
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, timeout: 3 * time.Second}
}

// Record inserts one event. Recording the same event twice is a no-op.
func (r *Recorder) Record(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}

	query := `
		INSERT INTO hub_events (event_id, source, kind, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err = r.db.ExecContext(ctx, query, e.ID(), string(e.Source()), string(e.Kind()), e.Time().UTC(), payload)
	if err != nil {
		metrics.RelayPublishTotal.WithLabelValues("journal", "error").Inc()
		return err
	}
	metrics.RelayPublishTotal.WithLabelValues("journal", "ok").Inc()
	return nil
}

// Recent returns up to limit entries, newest first, optionally restricted
// to kinds.
func (r *Recorder) Recent(ctx context.Context, limit int, kinds ...events.Kind) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var filter any
	if len(kinds) > 0 {
		ks := make([]string, len(kinds))
		for i, k := range kinds {
			ks[i] = string(k)
		}
		filter = pq.Array(ks)
	}

	query := `
		SELECT event_id, source, kind, occurred_at, payload
		FROM hub_events
		WHERE ($1::text[] IS NULL OR kind = ANY($1))
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, filter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.Source, &e.Kind, &e.OccurredAt, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// Start subscribes to bus and records events until Stop.
func (r *Recorder) Start(ctx context.Context, bus *events.Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}

	sub, err := bus.Subscribe(subscriberID, 256, recordedKinds...)
	if err != nil {
		return fmt.Errorf("journal subscribe: %w", err)
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
				if err := r.Record(ctx, e); err != nil {
					log.Printf("[ERROR] Journal: %s %s not recorded: %v", e.Kind(), e.ID(), err)
				}
			}
		}
	}(r.done)

	log.Printf("[INFO] Journal: recording events to hub_events")
	return nil
}

func (r *Recorder) Stop() {
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
