package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/conversation"
	"github.com/BTreeMap/CoachPipe/internal/export"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// maxBodyBytes bounds request bodies; messages are far smaller.
const maxBodyBytes = 64 << 10

// sessionView is the GET /sessions/{id} payload.
type sessionView struct {
	Session  *models.Session     `json:"session"`
	Maturity scratchpad.Maturity `json:"maturity"`
}

// workflowView is one entry of GET /workflows.
type workflowView struct {
	Name        models.WorkflowName `json:"name"`
	DisplayName string              `json:"display_name"`
	Phases      []models.PhaseName  `json:"phases"`
	Keys        []string            `json:"keys"`
}

// startSessionHandler starts or resumes a session (POST /sessions).
func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	// An empty body starts a session with a generated id.
	var req models.StartSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.startSessionHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.manager.Start(r.Context(), req.SessionID, models.WorkflowName(req.Workflow))
	if err != nil {
		s.writeTurnError(w, "startSessionHandler", req.SessionID, err)
		return
	}
	slog.Info("Server.startSessionHandler: session started", "sessionID", reply.SessionID, "phase", reply.Phase)
	s.writeTurnReply(w, http.StatusCreated, reply)
}

// messageHandler runs one turn (POST /sessions/{id}/messages).
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := models.ValidateSessionID(id); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	var req models.MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: invalid JSON", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.manager.Turn(r.Context(), id, req.Text)
	if err != nil {
		s.writeTurnError(w, "messageHandler", id, err)
		return
	}
	slog.Debug("Server.messageHandler: turn handled", "sessionID", id, "phase", reply.Phase, "stage", reply.Stage)
	s.writeTurnReply(w, http.StatusOK, reply)
}

// newIdeaHandler restarts a session under the same id (POST /sessions/{id}/new-idea).
func (s *Server) newIdeaHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reply, err := s.manager.NewIdea(r.Context(), id)
	if err != nil {
		s.writeTurnError(w, "newIdeaHandler", id, err)
		return
	}
	s.writeTurnReply(w, http.StatusOK, reply)
}

// newChatHandler opens a fresh session in the same workflow (POST /sessions/{id}/new-chat).
func (s *Server) newChatHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reply, err := s.manager.NewChat(r.Context(), id)
	if err != nil {
		s.writeTurnError(w, "newChatHandler", id, err)
		return
	}
	s.writeTurnReply(w, http.StatusCreated, reply)
}

// getSessionHandler returns the stored session and its maturity (GET /sessions/{id}).
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Session(r.Context(), id)
	if err != nil {
		s.writeTurnError(w, "getSessionHandler", id, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessionView{
		Session:  sess,
		Maturity: scratchpad.CalculateMaturity(sess.Scratchpad, nil),
	}))
}

// listSessionsHandler lists stored sessions (GET /sessions).
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.List(r.Context())
	if err != nil {
		slog.Error("Server.listSessionsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}

// deleteSessionHandler removes a session (DELETE /sessions/{id}).
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Session(r.Context(), id); err != nil {
		s.writeTurnError(w, "deleteSessionHandler", id, err)
		return
	}
	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.writeTurnError(w, "deleteSessionHandler", id, err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

// exportHandler renders the session as Markdown or CSV (GET /sessions/{id}/export).
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Session(r.Context(), id)
	if err != nil {
		s.writeTurnError(w, "exportHandler", id, err)
		return
	}
	format := r.URL.Query().Get("format")
	body, contentType, err := export.Render(sess, format)
	if err != nil {
		if errors.Is(err, export.ErrUnknownFormat) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported export format; use md or csv"))
			return
		}
		slog.Error("Server.exportHandler: render failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to export session"))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.exportHandler: write failed", "sessionID", id, "error", err)
	}
}

// workflowsHandler lists the served workflows (GET /workflows).
func (s *Server) workflowsHandler(w http.ResponseWriter, r *http.Request) {
	wfs := s.manager.Workflows()
	out := make([]workflowView, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, workflowView{
			Name:        wf.Name,
			DisplayName: wf.DisplayName,
			Phases:      wf.Order(),
			Keys:        wf.Keys,
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// writeTurnReply wraps a reply in the standard envelope. Replies refused by
// the daily cap use the limit_exceeded status and 429.
func (s *Server) writeTurnReply(w http.ResponseWriter, status int, reply models.TurnReply) {
	if reply.Stage == models.StageLimitExceeded {
		writeJSONResponse(w, http.StatusTooManyRequests, models.Limited(reply.Reply, reply))
		return
	}
	writeJSONResponse(w, status, models.Success(reply))
}

// writeTurnError maps manager errors to HTTP statuses.
func (s *Server) writeTurnError(w http.ResponseWriter, handler, id string, err error) {
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
	case errors.Is(err, conversation.ErrUnknownWorkflow),
		errors.Is(err, models.ErrInvalidSessionID),
		errors.Is(err, models.ErrSessionIDTooLong):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, flow.ErrPhaseContract):
		slog.Error("Server."+handler+": turn rolled back", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(conversation.GenericErrorMessage))
	default:
		slog.Error("Server."+handler+": request failed", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
