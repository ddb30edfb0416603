package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sixar-robotics/armbridge/internal/batch"
	"github.com/sixar-robotics/armbridge/internal/firmware"
	"github.com/sixar-robotics/armbridge/internal/gateway"
	"github.com/sixar-robotics/armbridge/internal/httputil"
	"github.com/sixar-robotics/armbridge/internal/motion"
	"github.com/sixar-robotics/armbridge/internal/solver"
	"github.com/sixar-robotics/armbridge/internal/version"
)

// statusFor maps a collaborator error onto an HTTP status.
func statusFor(err error) int {
	var ce *firmware.ControllerError
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNoJointLimits):
		return http.StatusConflict
	case errors.Is(err, firmware.ErrResourceUnavailable), errors.Is(err, solver.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, firmware.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &ce), errors.Is(err, solver.ErrSolverParse), errors.Is(err, gateway.ErrInvalidTrajectory):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, statusFor(err), err.Error())
}

// readObject decodes a request body that must be a JSON object.
func readObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := httputil.DecodeJSON(r, &obj); err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	if obj == nil {
		httputil.BadRequest(w, "expected a JSON object")
		return nil, false
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, false
	}
	return raw, true
}

// handleCommand forwards {"cmd": verb, ...fields} to the controller. An
// optional timeout_ms overrides the verb's acknowledgement budget.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var body map[string]json.RawMessage
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var verb string
	if raw, ok := body["cmd"]; ok {
		if err := json.Unmarshal(raw, &verb); err != nil {
			httputil.BadRequest(w, "cmd must be a string")
			return
		}
	}
	var timeoutMS int64
	if raw, ok := body["timeout_ms"]; ok {
		if err := json.Unmarshal(raw, &timeoutMS); err != nil || timeoutMS < 0 {
			httputil.BadRequest(w, "timeout_ms must be a non-negative integer")
			return
		}
	}

	fields := make(firmware.Fields, len(body))
	for k, v := range body {
		switch k {
		case "cmd", "id", "timeout_ms":
			continue
		}
		fields[k] = v
	}

	reply, err := s.facade.IssueCommand(r.Context(), verb, fields, time.Duration(timeoutMS)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, reply)
}

func (s *Server) handleSolver(w http.ResponseWriter, r *http.Request) {
	req, ok := readObject(w, r)
	if !ok {
		return
	}
	reply, err := s.facade.IssueSolverRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, reply)
}

func (s *Server) handleIK(w http.ResponseWriter, r *http.Request) {
	s.solve(w, r, s.facade.SolveIK)
}

func (s *Server) handleFK(w http.ResponseWriter, r *http.Request) {
	s.solve(w, r, s.facade.SolveFK)
}

func (s *Server) handleProfileLinear(w http.ResponseWriter, r *http.Request) {
	s.solve(w, r, s.facade.ProfileLinear)
}

func (s *Server) solve(w http.ResponseWriter, r *http.Request, fn func(context.Context, json.RawMessage) (json.RawMessage, error)) {
	req, ok := readObject(w, r)
	if !ok {
		return
	}
	reply, err := fn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, reply)
}

func (s *Server) handleProfileUpload(w http.ResponseWriter, r *http.Request) {
	req, ok := readObject(w, r)
	if !ok {
		return
	}
	n, err := s.facade.UploadProfile(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"count": n})
}

type batchRequest struct {
	Segments   []batch.Segment `json:"segments"`
	IntervalMS int64           `json:"interval_ms"`
	Windowed   bool            `json:"windowed"`
}

// handleBatch replaces the streaming trajectory. The response is sent once
// the batch is scheduled, not when it has drained.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.IntervalMS < 0 {
		httputil.BadRequest(w, "interval_ms must be non-negative")
		return
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if err := s.facade.IssueBatch(req.Segments, interval, req.Windowed); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"queued":   len(req.Segments),
		"windowed": req.Windowed,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := readObject(w, r)
	if !ok {
		return
	}
	if err := s.facade.IssueStreamFrame(req); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type syncMoveRequest struct {
	Targets []float64 `json:"targets"`
}

type syncMoveResponse struct {
	Moved   bool            `json:"moved"`
	Profile *motion.Profile `json:"profile,omitempty"`
}

func (s *Server) handleSyncMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req syncMoveRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var target motion.Axes
	if len(req.Targets) != len(target) {
		httputil.BadRequest(w, fmt.Sprintf("targets must have %d values, got %d", len(target), len(req.Targets)))
		return
	}
	copy(target[:], req.Targets)

	profile, moved, err := s.facade.SyncMoveTo(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := syncMoveResponse{Moved: moved}
	if moved {
		resp.Profile = &profile
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.facade.Status())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Current())
}

// handleEvents streams hub events as Server-Sent Events, one "event:" per
// hub event name.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	hub := s.facade.Hub()
	id, events := hub.Subscribe()
	defer hub.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e.Data)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
