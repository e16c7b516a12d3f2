// Package snapshot persists camera frames: on demand through the command
// gateway and automatically when the alarm goes off.
package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

var (
	ErrNotFound   = errors.New("snapshot not found")
	ErrInvalidRef = errors.New("invalid snapshot reference")
)

// Meta describes a stored snapshot. The trigger fields are set for
// snapshots taken in reaction to an event.
type Meta struct {
	Name        string    `json:"name"`
	Seq         uint64    `json:"seq"`
	CapturedAt  time.Time `json:"captured_at"`
	EventID     string    `json:"event_id,omitempty"`
	EventKind   string    `json:"event_kind,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// Sink stores JPEG snapshots. The returned reference can be passed to Load.
type Sink interface {
	Kind() string
	Store(ctx context.Context, meta Meta, data []byte) (ref string, err error)
	Load(ctx context.Context, ref string) ([]byte, error)
	// List returns up to limit references, newest first.
	List(ctx context.Context, limit int) ([]string, error)
}

// FrameSource hands out the camera's latest frame without blocking.
// *camera.Manager implements it.
type FrameSource interface {
	TakeSnapshot() (model.Frame, error)
}

// checkRef accepts plain file names only, so a reference can never walk
// out of a sink's namespace.
func checkRef(ref string) error {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") || strings.ContainsAny(ref, `/\:`) {
		return ErrInvalidRef
	}
	return nil
}
