package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/middleware"
	"github.com/technosupport/homeguard/internal/model"
)

// maxWait caps the ?wait= a client may ask for.
const maxWait = 30 * time.Second

type modeRequest struct {
	Mode  string `json:"mode"`
	Token string `json:"token,omitempty"`
}

type sirenRequest struct {
	On    bool   `json:"on"`
	Token string `json:"token,omitempty"`
}

type rearmRequest struct {
	Strategy     string `json:"strategy,omitempty"`
	Target       string `json:"target,omitempty"`
	SilenceSiren bool   `json:"silence_siren,omitempty"`
	Token        string `json:"token,omitempty"`
}

type volumeRequest struct {
	Level string `json:"level"`
	Token string `json:"token,omitempty"`
}

type snapshotRequest struct {
	Token string `json:"token,omitempty"`
}

func (s *Server) PostMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil || mode == model.ModeUnknown {
		http.Error(w, fmt.Sprintf("invalid mode %q", req.Mode), http.StatusBadRequest)
		return
	}
	cmd := gateway.SetMode(mode)
	cmd.Token = gateway.Token(req.Token)
	s.submit(w, r, cmd)
}

func (s *Server) PostSiren(w http.ResponseWriter, r *http.Request) {
	var req sirenRequest
	if !decode(w, r, &req) {
		return
	}
	cmd := gateway.TriggerSiren(req.On)
	cmd.Token = gateway.Token(req.Token)
	s.submit(w, r, cmd)
}

func (s *Server) PostRearm(w http.ResponseWriter, r *http.Request) {
	var req rearmRequest
	if !decode(w, r, &req) {
		return
	}
	strategy, err := gateway.ParseRearmStrategy(req.Strategy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target := model.ModeUnknown
	if req.Target != "" {
		if target, err = model.ParseMode(req.Target); err != nil || !target.Armed() {
			http.Error(w, fmt.Sprintf("invalid re-arm target %q", req.Target), http.StatusBadRequest)
			return
		}
	}
	cmd := gateway.Rearm(strategy, target)
	cmd.SilenceSiren = req.SilenceSiren
	cmd.Token = gateway.Token(req.Token)
	s.submit(w, r, cmd)
}

// PostVolume sets the hub speaker level. "mute" selects the mapped mute level.
func (s *Server) PostVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Level == "" {
		http.Error(w, "level is required", http.StatusBadRequest)
		return
	}
	cmd := gateway.SetVolume(req.Level)
	cmd.Token = gateway.Token(req.Token)
	s.submit(w, r, cmd)
}

func (s *Server) PostSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if !decode(w, r, &req) {
		return
	}
	cmd := gateway.TakeSnapshot()
	cmd.Token = gateway.Token(req.Token)
	s.submit(w, r, cmd)
}

// GetCommand reports the outcome for a token.
func (s *Server) GetCommand(w http.ResponseWriter, r *http.Request) {
	token := gateway.Token(chi.URLParam(r, "token"))
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		s.deps.Gateway.Wait(ctx, token)
	}
	out, ok := s.deps.Gateway.Poll(token)
	if !ok {
		http.Error(w, "unknown command token", http.StatusNotFound)
		return
	}
	writeOutcome(w, out)
}

// submit queues cmd and answers 202 with the pending outcome. With
// ?wait=<duration> the handler blocks until the command is terminal or the
// wait runs out.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd gateway.Command) {
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		cmd.Origin = "api:" + ac.Operator
	} else {
		cmd.Origin = "api"
	}

	token, err := s.deps.Gateway.Submit(cmd)
	if errors.Is(err, gateway.ErrDuplicateToken) {
		http.Error(w, fmt.Sprintf("command token %q already used", token), http.StatusConflict)
		return
	}
	if err != nil {
		log.Printf("[ERROR] API: submit %s: %v", cmd.Kind, err)
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}
	log.Printf("[INFO] API: %s submitted as %s by %s", cmd.Kind, token, cmd.Origin)

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		s.deps.Gateway.Wait(ctx, token)
	}
	out, _ := s.deps.Gateway.Poll(token)
	writeOutcome(w, out)
}

func writeOutcome(w http.ResponseWriter, out gateway.Outcome) {
	status := http.StatusOK
	if out.State == gateway.StatePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func waitParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		http.Error(w, "invalid wait duration", http.StatusBadRequest)
		return 0, false
	}
	return min(d, maxWait), true
}
