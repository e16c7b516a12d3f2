package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/snapshot"
)

// GetLatestSnapshot returns the newest decoded frame without waiting for
// the camera.
func (s *Server) GetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	_, cam := s.deps.Devices()
	if cam == nil {
		http.Error(w, "camera not configured", http.StatusNotFound)
		return
	}
	frame, err := cam.TakeSnapshot()
	if errors.Is(err, model.ErrNoFrame) {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJPEG(w, frame.Data, frame.CapturedAt, frame.Seq)
}

// GetSnapshot serves a stored snapshot by reference. Motion frames still in
// the camera's cache are served from memory; everything else comes from
// the sink.
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == snapshot.LatestRef {
		s.GetLatestSnapshot(w, r)
		return
	}

	if _, cam := s.deps.Devices(); cam != nil {
		if frame, ok := cam.FrameByRef(ref); ok {
			writeJPEG(w, frame.Data, frame.CapturedAt, frame.Seq)
			return
		}
	}
	if s.deps.Sink == nil {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}

	data, err := s.deps.Sink.Load(r.Context(), ref)
	switch {
	case errors.Is(err, snapshot.ErrInvalidRef):
		http.Error(w, "invalid snapshot reference", http.StatusBadRequest)
		return
	case errors.Is(err, snapshot.ErrNotFound):
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("[ERROR] API: load snapshot %s from %s sink: %v", ref, s.deps.Sink.Kind(), err)
		http.Error(w, "snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJPEG(w, data, time.Time{}, 0)
}

// ListSnapshots returns stored references, newest first.
func (s *Server) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		http.Error(w, "no snapshot sink configured", http.StatusNotFound)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	refs, err := s.deps.Sink.List(r.Context(), limit)
	if err != nil {
		log.Printf("[ERROR] API: list snapshots from %s sink: %v", s.deps.Sink.Kind(), err)
		http.Error(w, "snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}
	if refs == nil {
		refs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sink": s.deps.Sink.Kind(), "snapshots": refs})
}

func writeJPEG(w http.ResponseWriter, data []byte, capturedAt time.Time, seq uint64) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if !capturedAt.IsZero() {
		w.Header().Set("X-Captured-At", capturedAt.UTC().Format(time.RFC3339Nano))
		w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
