package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/toque/internal/session"
)

// maxChatBody bounds a chat request body.
const maxChatBody = 64 << 10

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	session.Status
	HTML string `json:"html,omitempty"`
}

// renderMarkdown converts a reply to HTML for the chat pane. Raw HTML
// in the reply is escaped by goldmark's default renderer.
func renderMarkdown(md string) (string, error) {
	if md == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Message = strings.TrimSpace(req.Message)
	return req, true
}

// handleChat submits a message, or polls when the message is empty.
// A busy session answers 429 with the busy status and message.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	st, err := s.deps.Chat.Submit(r.Context(), req.SessionID, req.Message)
	code := http.StatusOK
	switch {
	case errors.Is(err, session.ErrBusy):
		code = http.StatusTooManyRequests
	case err != nil:
		s.logger.Error("chat submit failed", "session", req.SessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to submit message")
		return
	case req.Message != "":
		code = http.StatusAccepted
	}

	resp := chatResponse{Status: st}
	if html, err := renderMarkdown(st.Reply); err != nil {
		s.logger.Warn("markdown render failed", "error", err)
	} else {
		resp.HTML = html
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// handleChatReset clears a session's history. A session still working
// on a message answers 429 like handleChat.
func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	if req.SessionID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return
	}
	err := s.deps.Chat.Reset(r.Context(), req.SessionID)
	if errors.Is(err, session.ErrBusy) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, chatResponse{Status: session.Status{
			SessionID: req.SessionID,
			State:     session.StateBusy,
			Message:   session.BusyMessage,
		}}, s.logger)
		return
	}
	if err != nil {
		s.logger.Error("chat reset failed", "session", req.SessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "reset", "session_id": req.SessionID}, s.logger)
}
