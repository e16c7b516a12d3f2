package config

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes. fsnotify events are
// debounced, and a slow poll runs alongside in case events are missed
// (network mounts, editors that replace the file).
type Watcher struct {
	Path         string
	Debounce     time.Duration
	PollInterval time.Duration
	// OnChange receives every new config that parses and validates.
	// Invalid files are logged and the running config is kept.
	OnChange func(*Config)

	last []byte
}

func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		Path:         path,
		Debounce:     100 * time.Millisecond,
		PollInterval: 60 * time.Second,
		OnChange:     onChange,
	}
}

// Run blocks until ctx is done. The file content at start is the baseline
// and does not trigger OnChange.
func (w *Watcher) Run(ctx context.Context) {
	w.last, _ = os.ReadFile(w.Path)

	var events <-chan fsnotify.Event
	var errs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] Config Watcher: fsnotify failed (%v), polling every %s", err, w.PollInterval)
	} else {
		defer fw.Close()
		// Watch the directory; editors often write a new file and rename it.
		if err := fw.Add(filepath.Dir(w.Path)); err != nil {
			log.Printf("[WARN] Config Watcher: cannot watch %s (%v), polling every %s", filepath.Dir(w.Path), err, w.PollInterval)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	poll := time.NewTicker(w.PollInterval)
	defer poll.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	name := filepath.Clean(w.Path)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.Debounce)
			} else {
				debounce.Reset(w.Debounce)
			}
			fire = debounce.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[WARN] Config Watcher: %v", err)
		case <-fire:
			fire = nil
			w.check()
		case <-poll.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	raw, err := os.ReadFile(w.Path)
	if err != nil {
		log.Printf("[WARN] Config Watcher: read %s: %v", w.Path, err)
		return
	}
	if bytes.Equal(raw, w.last) {
		return
	}
	w.last = raw

	cfg, err := Parse(raw)
	if err != nil {
		log.Printf("[ERROR] Config Watcher: %s changed but is invalid, keeping running config: %v", w.Path, err)
		return
	}
	log.Printf("[INFO] Config Watcher: %s changed, reloading", w.Path)
	w.OnChange(cfg)
}
