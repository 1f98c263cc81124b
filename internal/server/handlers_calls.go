package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ashita-ai/denwa/internal/assignment"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/orchestrator"
	"github.com/ashita-ai/denwa/internal/session"
	"github.com/ashita-ai/denwa/internal/storage"
	"github.com/ashita-ai/denwa/internal/supervisor"
)

// HandleEvent handles POST /v1/events. A queued inbound call answers 202
// with its queue position.
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ev, err := model.DecodeEvent(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.calls.HandleEvent(r.Context(), ev)
	if err != nil {
		h.writeCallError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, model.EventAccepted{
		EventType: ev.Kind(),
		CallID:    ev.Call(),
		SessionID: res.SessionID,
		Queued:    res.Queued,
		Position:  res.Position,
	})
}

// HandleCreateCall handles POST /v1/calls.
func (h *Handlers) HandleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req model.OutboundCallRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "phone_number is required")
		return
	}

	sess, err := h.calls.InitiateOutboundCall(r.Context(), orchestrator.OutboundRequest{
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		AgentID:     req.AgentID,
		ScriptName:  req.ScriptName,
		Priority:    priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeCallError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sess)
}

// HandleListCalls handles GET /v1/calls.
func (h *Handlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	sessions := h.calls.GetActiveSessions()
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.AgentID == agentID {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	if sessions == nil {
		sessions = []model.CallSession{}
	}
	writeJSON(w, r, http.StatusOK, sessions)
}

// HandleGetCall handles GET /v1/calls/{session_id}.
func (h *Handlers) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.calls.GetSession(r.PathValue("session_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleEndCall handles DELETE /v1/calls/{session_id}. Ending an unknown or
// finished session also answers 204.
func (h *Handlers) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	if err := h.calls.EndCall(r.Context(), r.PathValue("session_id")); err != nil {
		h.writeCallError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reassignRequest struct {
	CallID string `json:"call_id"`
}

// HandleReassignCallID handles PUT /v1/calls/{session_id}/call_id, binding
// the provider's call id to an outbound session.
func (h *Handlers) HandleReassignCallID(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "call_id is required")
		return
	}
	sessionID := r.PathValue("session_id")
	if err := h.calls.ReassignCallID(sessionID, strings.TrimSpace(req.CallID)); err != nil {
		h.writeCallError(w, r, err)
		return
	}
	sess, _ := h.calls.GetSession(sessionID)
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleControl handles POST /v1/calls/{session_id}/control.
func (h *Handlers) HandleControl(w http.ResponseWriter, r *http.Request) {
	var req model.ControlRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Action == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "action is required")
		return
	}
	if err := h.calls.Control(r.PathValue("session_id"), req.Action, req.Data); err != nil {
		h.writeCallError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type callHistory struct {
	Session     storage.CallRecord         `json:"session"`
	Transitions []storage.StatusTransition `json:"transitions"`
}

type callStats struct {
	Live     session.Stats            `json:"live"`
	Total    *int                     `json:"total,omitempty"`
	ByStatus map[model.CallStatus]int `json:"by_status,omitempty"`
}

// HandleCallHistory handles GET /v1/calls/{session_id}/history from the
// durable mirror. It covers ended calls the live registry no longer holds.
func (h *Handlers) HandleCallHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "call history not configured")
		return
	}
	sessionID := r.PathValue("session_id")
	rec, err := h.history.GetCallSession(r.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load call session", err)
		return
	}
	transitions, err := h.history.ListTransitions(r.Context(), sessionID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load call history", err)
		return
	}
	if transitions == nil {
		transitions = []storage.StatusTransition{}
	}
	writeJSON(w, r, http.StatusOK, callHistory{Session: rec, Transitions: transitions})
}

// HandleCallStats handles GET /v1/calls/stats. Live registry figures are
// always present; persisted counts per status, which include ended calls,
// are added when the durable mirror is configured.
func (h *Handlers) HandleCallStats(w http.ResponseWriter, r *http.Request) {
	stats := callStats{Live: h.calls.LiveStats()}
	if h.history != nil {
		counts, err := h.history.CountByStatus(r.Context())
		if err != nil {
			h.writeInternalError(w, r, "failed to count calls", err)
			return
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		stats.Total = &total
		stats.ByStatus = counts
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleAgentLoads handles GET /v1/agents/loads.
func (h *Handlers) HandleAgentLoads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.calls.GetAgentLoads())
}

type agentRequest struct {
	MaxConcurrentCalls int `json:"max_concurrent_calls"`
}

// HandlePutAgent handles PUT /v1/agents/{agent_id}: adds the agent or
// changes its capacity. Queued calls the new capacity absorbs start
// before the response is written.
func (h *Handlers) HandlePutAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agentID := r.PathValue("agent_id")
	if err := h.calls.AddAgent(model.AgentConfig{AgentID: agentID, MaxConcurrentCalls: req.MaxConcurrentCalls}); err != nil {
		h.writeCallError(w, r, err)
		return
	}
	for _, l := range h.calls.GetAgentLoads().Agents {
		if l.AgentID == agentID {
			writeJSON(w, r, http.StatusOK, l)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}. The agent
// finishes its calls and then leaves the roster.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.calls.RemoveAgent(r.PathValue("agent_id")); err != nil {
		if errors.Is(err, assignment.ErrUnknownAgent) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
			return
		}
		h.writeCallError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeCallError maps orchestration errors onto HTTP statuses.
func (h *Handlers) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	var queued *orchestrator.QueuedError
	switch {
	case errors.As(err, &queued):
		writeJSON(w, r, http.StatusAccepted, model.EventAccepted{CallID: queued.CallID, Queued: true, Position: queued.Position})
	case errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, assignment.ErrUnknownAgent),
		errors.Is(err, assignment.ErrInvalidAgent),
		errors.Is(err, supervisor.ErrUnknownAction),
		errors.Is(err, supervisor.ErrInvalidControl):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, orchestrator.ErrUnknownCall), errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, session.ErrTerminal),
		errors.Is(err, session.ErrDuplicateCall),
		errors.Is(err, session.ErrCallIDReassigned):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoAgentAvailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeNoAgentAvailable, "no agent available")
	case errors.Is(err, supervisor.ErrConnecting):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeBridgeDown, err.Error())
	case errors.Is(err, supervisor.ErrNotStreaming), errors.Is(err, supervisor.ErrSendFailed):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeBridgeDown, err.Error())
	default:
		h.writeInternalError(w, r, "call operation failed", err)
	}
}
