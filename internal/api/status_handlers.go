package api

import (
	"net/http"

	"github.com/technosupport/homeguard/internal/camera"
	"github.com/technosupport/homeguard/internal/events"
	"github.com/technosupport/homeguard/internal/model"
)

type statusResponse struct {
	Hub            *model.HubState    `json:"hub"`
	Camera         *model.CameraState `json:"camera"`
	CameraAttempts []camera.Attempt   `json:"camera_attempts,omitempty"`
	Bus            events.Stats       `json:"bus"`
}

// GetStatus reports both devices. A device that is not configured is null.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	hub, cam := s.deps.Devices()

	var resp statusResponse
	if hub != nil {
		st := hub.State()
		resp.Hub = &st
	}
	if cam != nil {
		st := cam.State()
		resp.Camera = &st
		resp.CameraAttempts = cam.Attempts()
	}
	if s.deps.Bus != nil {
		resp.Bus = s.deps.Bus.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
