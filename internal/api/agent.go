package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/launchpad/internal/controller"
	"github.com/seantiz/launchpad/internal/manager"
	"github.com/seantiz/launchpad/internal/model"
)

// controllerResponse is one entry of GET /v1/controllers.
type controllerResponse struct {
	Name         string `json:"name"`
	TickInterval string `json:"tickInterval"`
	manager.Snapshot
}

func newControllerResponse(c *controller.Controller) controllerResponse {
	return controllerResponse{
		Name:         c.Name(),
		TickInterval: c.Config().TickInterval.String(),
		Snapshot:     c.Manager().Snapshot(),
	}
}

func (s *Server) controllerParam(w http.ResponseWriter, r *http.Request) (*controller.Controller, bool) {
	js := model.JobSet{
		Entity:  chi.URLParam(r, "entity"),
		Project: chi.URLParam(r, "project"),
		Name:    chi.URLParam(r, "name"),
	}
	c, ok := s.controllers.Controller(js.Key())
	if !ok {
		s.writeError(w, http.StatusNotFound, "controller not found")
		return nil, false
	}
	return c, true
}

func (s *Server) handleListControllers(w http.ResponseWriter, _ *http.Request) {
	cs := s.controllers.Controllers()
	out := make([]controllerResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, newControllerResponse(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetController(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controllerParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newControllerResponse(c))
}

func (s *Server) handleListActiveRuns(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controllerParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, c.Manager().ActiveRuns())
}

// handleStreamEvents streams a controller's events as SSE. Recent history is
// replayed first; the stream ends with a "done" event when the controller
// stops.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controllerParam(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	history, ch, unsub := c.Manager().Events().Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	for _, e := range history {
		if err := writeSSEEvent(w, e); err != nil {
			return
		}
	}
	flush()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				_ = writeSSENamed(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEEvent(w, e); err != nil {
				return // client gone
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes e as an SSE event named after its type with a JSON
// data line.
func writeSSEEvent(w http.ResponseWriter, e manager.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return writeSSENamed(w, e.Type, string(data))
}

// writeSSENamed writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSENamed(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
