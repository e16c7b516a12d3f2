package api

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/technosupport/homeguard/internal/events"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

var knownKinds = []events.Kind{
	events.KindHubModeChanged,
	events.KindZoneTriggered,
	events.KindSirenChanged,
	events.KindHubConnectivityChanged,
	events.KindFrameReceived,
	events.KindCameraConnectivityChanged,
	events.KindMotionDetected,
}

// parseKinds reads ?kinds=a,b. Empty means all.
func parseKinds(r *http.Request) ([]events.Kind, error) {
	raw := r.URL.Query().Get("kinds")
	if raw == "" {
		return nil, nil
	}
	var out []events.Kind
	for _, k := range strings.Split(raw, ",") {
		kind := events.Kind(strings.TrimSpace(k))
		if !slices.Contains(knownKinds, kind) {
			return nil, errors.New("unknown event kind " + string(kind))
		}
		out = append(out, kind)
	}
	return out, nil
}

// ServeEvents streams bus events to a WebSocket client as JSON envelopes.
// A slow client loses events instead of stalling the bus.
func (s *Server) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	kinds, err := parseKinds(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] API: websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	id := "ws/" + uuid.NewString()
	sub, err := s.deps.Bus.Subscribe(id, wsBuffer, kinds...)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event bus closed"), time.Now().Add(wsWriteWait))
		return
	}
	defer s.deps.Bus.Unsubscribe(id)
	log.Printf("[INFO] API: event feed %s connected from %s", id, r.RemoteAddr)

	// The read side only handles control frames; it ends when the client
	// goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Printf("[INFO] API: event feed %s closed (delivered %d, dropped %d)", id, sub.Delivered(), sub.Dropped())
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
				return
			}
			msg, err := events.Marshal(e)
			if err != nil {
				log.Printf("[ERROR] API: marshal %s: %v", e.Kind(), err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// checkOrigin allows clients without an Origin (non-browser), same-host
// pages and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.deps.AllowedOrigins, "*") || slices.Contains(s.deps.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// GetHistory returns journaled events, newest first.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		http.Error(w, "event journal not configured", http.StatusNotFound)
		return
	}
	kinds, err := parseKinds(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}
	entries, err := s.deps.Journal.Recent(r.Context(), limit, kinds...)
	if err != nil {
		log.Printf("[ERROR] API: journal query: %v", err)
		http.Error(w, "event journal unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
