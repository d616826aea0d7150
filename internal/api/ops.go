package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/scheduler"
)

const maxLogBody = 32 << 10

// logMessage is an externally submitted log line: {"type": ..., "data": ...}.
type logMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleLog accepts a log line from an external producer and relays it
// to stream viewers. Both fields are required.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var msg logMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogBody)).Decode(&msg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid log format")
		return
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" || msg.Data == nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid log format")
		return
	}

	data, ok := msg.Data.(map[string]any)
	if !ok {
		data = map[string]any{"message": msg.Data}
	}
	s.deps.Bus.Emit(events.SourceAPI, msg.Type, data)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "success"}, s.logger)
}

// handleCycle dispatches a scheduled task out of band. The task runs in
// the background; progress shows up on the stream.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	task := r.URL.Query().Get("task")
	if task == "" {
		task = s.deps.CycleTask
	}
	if err := s.deps.Jobs.Dispatch(task); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("dispatch failed", "task", task, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to start task")
		return
	}
	s.logger.Info("task dispatched via API", "task", task)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"status": "started", "task": task}, s.logger)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	execs, err := s.deps.Jobs.Executions(r.URL.Query().Get("task"), parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("list executions failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load executions")
		return
	}
	if execs == nil {
		execs = []*scheduler.Execution{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"stats":      s.deps.Jobs.Stats(),
		"executions": execs,
	}, s.logger)
}
