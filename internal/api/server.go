// Package api exposes the device core over HTTP: status, snapshots, a live
// event feed and the command endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/technosupport/homeguard/internal/camera"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/gateway"
	"github.com/technosupport/homeguard/internal/journal"
	"github.com/technosupport/homeguard/internal/middleware"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/snapshot"
	"github.com/technosupport/homeguard/internal/tokens"
)

type HubView interface {
	State() model.HubState
}

type CameraView interface {
	State() model.CameraState
	TakeSnapshot() (model.Frame, error)
	FrameByRef(ref string) (model.Frame, bool)
	Attempts() []camera.Attempt
}

type Commands interface {
	Submit(cmd gateway.Command) (gateway.Token, error)
	Poll(token gateway.Token) (gateway.Outcome, bool)
	Wait(ctx context.Context, token gateway.Token) (gateway.Outcome, error)
}

type History interface {
	Recent(ctx context.Context, limit int, kinds ...events.Kind) ([]journal.Entry, error)
}

// Devices returns the managers currently running. The app swaps them on
// config reload, so handlers look them up per request.
type Devices func() (HubView, CameraView)

// Deps are the collaborators of the API. Sink, Journal, Limiter and
// Revocations are optional; Tokens nil disables the command routes.
type Deps struct {
	Devices Devices
	Gateway Commands
	Bus     *events.Bus
	Sink    snapshot.Sink
	Journal History
	Tokens  middleware.TokenValidator
	Limiter *middleware.RateLimitMiddleware
	// Revocations, when set, is checked for every command token.
	Revocations middleware.RevocationChecker

	// AllowedOrigins applies to CORS and the WebSocket origin check.
	AllowedOrigins []string
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(s.deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.GetStatus)
		r.Get("/snapshot/latest", s.GetLatestSnapshot)
		r.Get("/snapshot/{ref}", s.GetSnapshot)
		r.Get("/snapshots", s.ListSnapshots)
		r.Get("/events", s.ServeEvents)
		r.Get("/events/history", s.GetHistory)

		r.Group(func(r chi.Router) {
			if s.deps.Tokens == nil {
				r.Use(commandsDisabled)
			} else {
				auth := middleware.NewJWTAuth(s.deps.Tokens)
				if s.deps.Revocations != nil {
					auth.WithRevocations(s.deps.Revocations)
				}
				r.Use(auth.Middleware)
				r.Use(middleware.RequireScope(tokens.ScopeControl))
				if s.deps.Limiter != nil {
					r.Use(s.deps.Limiter.Limit)
				}
			}
			r.Post("/mode", s.PostMode)
			r.Post("/siren", s.PostSiren)
			r.Post("/rearm", s.PostRearm)
			r.Post("/volume", s.PostVolume)
			r.Post("/snapshot", s.PostSnapshot)
			r.Get("/commands/{token}", s.GetCommand)
		})
	})
	return r
}

// commandsDisabled answers every command route when no signing key is
// configured.
func commandsDisabled(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "commands disabled: no api.jwt_key configured", http.StatusServiceUnavailable)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
