package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/denwa/internal/assignment"
	"github.com/ashita-ai/denwa/internal/auth"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/orchestrator"
	"github.com/ashita-ai/denwa/internal/ratelimit"
	"github.com/ashita-ai/denwa/internal/server"
	"github.com/ashita-ai/denwa/internal/session"
	"github.com/ashita-ai/denwa/internal/storage"
	"github.com/ashita-ai/denwa/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubStreams stands in for the media supervisor. Stop reports no live
// stream so the orchestrator finishes calls synchronously.
type stubStreams struct {
	mu      sync.Mutex
	live    map[string]bool
	dialing map[string]bool
}

func (s *stubStreams) setDialing(sessionID string, dialing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialing == nil {
		s.dialing = map[string]bool{}
	}
	s.dialing[sessionID] = dialing
}

func (s *stubStreams) Start(_ context.Context, sess model.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[sess.SessionID] = true
	return nil
}

func (s *stubStreams) Stop(sessionID string, _ model.CallStatus) (<-chan struct{}, bool) {
	s.mu.Lock()
	delete(s.live, sessionID)
	s.mu.Unlock()
	return nil, false
}

func (s *stubStreams) IsStreaming(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

func (s *stubStreams) Control(sessionID, action string, data map[string]any) error {
	if !s.IsStreaming(sessionID) {
		return supervisor.ErrNotStreaming
	}
	s.mu.Lock()
	dialing := s.dialing[sessionID]
	s.mu.Unlock()
	if dialing {
		return supervisor.ErrConnecting
	}
	switch action {
	case "mute", "unmute":
		return nil
	case "play":
		if data["file"] == nil {
			return supervisor.ErrInvalidControl
		}
		return nil
	}
	return supervisor.ErrUnknownAction
}

func (s *stubStreams) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *stubStreams) Shutdown(context.Context) bool { return true }

type fakeHistory struct {
	pingErr error
	records map[string]storage.CallRecord
}

func (f *fakeHistory) Ping(context.Context) error { return f.pingErr }

func (f *fakeHistory) GetCallSession(_ context.Context, id string) (storage.CallRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return storage.CallRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeHistory) ListTransitions(_ context.Context, id string) ([]storage.StatusTransition, error) {
	return []storage.StatusTransition{
		{ID: 1, SessionID: id, From: model.CallStatusInitiated, To: model.CallStatusEnded},
	}, nil
}

func (f *fakeHistory) CountByStatus(context.Context) (map[model.CallStatus]int, error) {
	counts := map[model.CallStatus]int{}
	for _, rec := range f.records {
		counts[rec.Status]++
	}
	return counts, nil
}

type harness struct {
	t       *testing.T
	handler http.Handler
	token   string
	jwt     *auth.JWTManager
	streams *stubStreams
}

type harnessOpts struct {
	history server.CallHistory
	limiter ratelimit.Limiter
	keyHash string
}

func newHarness(t *testing.T, capacity int, opts harnessOpts) *harness {
	t.Helper()
	logger := testLogger()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	assign := assignment.New([]model.AgentConfig{{AgentID: "agent-1", MaxConcurrentCalls: capacity}}, logger)
	streams := &stubStreams{live: make(map[string]bool)}
	orch := orchestrator.New(assign, session.NewRegistry(logger), streams, logger)

	srv := server.New(server.ServerConfig{
		Calls:           orch,
		JWTMgr:          jwtMgr,
		OperatorKeyHash: opts.keyHash,
		Logger:          logger,
		History:         opts.history,
		Limiter:         opts.limiter,
		Version:         "test",
	})
	token, _, err := jwtMgr.IssueOperatorToken("ops")
	require.NoError(t, err)
	return &harness{t: t, handler: srv.Handler(), token: token, jwt: jwtMgr, streams: streams}
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.doAs(h.token, method, path, body)
}

func (h *harness) doAs(token, method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env), rec.Body.String())
	return env.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

func incoming(callID string) map[string]any {
	return map[string]any{
		"event_type": "incoming",
		"call_id":    callID,
		"data":       map[string]any{"phone_number": "+15550100"},
	}
}

func event(kind, callID string) map[string]any {
	return map[string]any{"event_type": kind, "call_id": callID}
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{history: &fakeHistory{}})
	rec := h.doAs("", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	resp := decodeData[model.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Postgres)
	assert.Equal(t, "test", resp.Version)
}

func TestHealthReportsDatabaseDown(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{history: &fakeHistory{pingErr: assert.AnError}})
	rec := h.doAs("", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disconnected", decodeData[model.HealthResponse](t, rec).Postgres)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})

	rec := h.doAs("", http.MethodGet, "/v1/calls", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	callToken, _, err := h.jwt.IssueCallToken("call-1", "sess-1", "agent-1", time.Minute)
	require.NoError(t, err)
	rec = h.doAs(callToken, http.MethodGet, "/v1/calls", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "media tokens must not open the control surface")

	rec = h.doAs("garbage", http.MethodGet, "/v1/calls", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthToken(t *testing.T) {
	hash, err := auth.HashAPIKey("operator-secret")
	require.NoError(t, err)
	h := newHarness(t, 1, harnessOpts{keyHash: hash})

	rec := h.doAs("", http.MethodPost, "/auth/token", model.TokenRequest{OperatorID: "ops", APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.doAs("", http.MethodPost, "/auth/token", model.TokenRequest{OperatorID: "", APIKey: "operator-secret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.doAs("", http.MethodPost, "/auth/token", model.TokenRequest{OperatorID: "ops", APIKey: "operator-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decodeData[model.TokenResponse](t, rec)
	require.NotEmpty(t, tok.Token)

	rec = h.doAs(tok.Token, http.MethodGet, "/v1/agents/loads", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthTokenWithoutConfiguredHash(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})
	rec := h.doAs("", http.MethodPost, "/auth/token", model.TokenRequest{OperatorID: "ops", APIKey: "anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInboundQueueAndDrain(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})

	rec := h.do(http.MethodPost, "/v1/events", incoming("call-a"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeData[model.EventAccepted](t, rec)
	require.NotEmpty(t, first.SessionID)
	assert.Equal(t, "call-a", first.CallID)

	rec = h.do(http.MethodPost, "/v1/events", incoming("call-b"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	queued := decodeData[model.EventAccepted](t, rec)
	assert.True(t, queued.Queued)
	assert.Equal(t, 1, queued.Position)

	loads := decodeData[model.AgentLoadsResponse](t, h.do(http.MethodGet, "/v1/agents/loads", nil))
	assert.Equal(t, 1, loads.Pending)

	rec = h.do(http.MethodDelete, "/v1/calls/"+first.SessionID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	sessions := decodeData[[]model.CallSession](t, h.do(http.MethodGet, "/v1/calls", nil))
	require.Len(t, sessions, 1)
	assert.Equal(t, "call-b", sessions[0].CallID)

	loads = decodeData[model.AgentLoadsResponse](t, h.do(http.MethodGet, "/v1/agents/loads", nil))
	assert.Equal(t, 0, loads.Pending)
	require.Len(t, loads.Agents, 1)
	assert.Equal(t, 1, loads.Agents[0].CurrentLoad)

	// Ending twice is still 204.
	rec = h.do(http.MethodDelete, "/v1/calls/"+first.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAgentRoster(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", incoming("call-a")).Code)
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/events", incoming("call-b")).Code)

	rec := h.do(http.MethodPut, "/v1/agents/agent-2", map[string]any{"max_concurrent_calls": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	added := decodeData[model.AgentLoad](t, rec)
	assert.Equal(t, "agent-2", added.AgentID)
	assert.Equal(t, 2, added.MaxConcurrentCalls)
	assert.Equal(t, 1, added.CurrentLoad, "the queued call starts on the new agent")

	loads := decodeData[model.AgentLoadsResponse](t, h.do(http.MethodGet, "/v1/agents/loads", nil))
	assert.Equal(t, 0, loads.Pending)
	assert.Len(t, decodeData[[]model.CallSession](t, h.do(http.MethodGet, "/v1/calls", nil)), 2)

	rec = h.do(http.MethodPut, "/v1/agents/agent-2", map[string]any{"max_concurrent_calls": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, rec))

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/v1/agents/agent-2", nil).Code)
	loads = decodeData[model.AgentLoadsResponse](t, h.do(http.MethodGet, "/v1/agents/loads", nil))
	for _, l := range loads.Agents {
		if l.AgentID == "agent-2" {
			assert.True(t, l.Retiring)
			assert.False(t, l.Available)
		}
	}

	rec = h.do(http.MethodDelete, "/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, rec))
}

func TestEventLifecycle(t *testing.T) {
	h := newHarness(t, 2, harnessOpts{})

	accepted := decodeData[model.EventAccepted](t, h.do(http.MethodPost, "/v1/events", incoming("call-1")))
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("ringing", "call-1")).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("answered", "call-1")).Code)

	sess := decodeData[model.CallSession](t, h.do(http.MethodGet, "/v1/calls/"+accepted.SessionID, nil))
	assert.Equal(t, model.CallStatusInProgress, sess.Status)

	rec := h.do(http.MethodPost, "/v1/events", event("ringing", "call-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, rec))

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("ended", "call-1")).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/calls/"+accepted.SessionID, nil).Code)
}

func TestEventValidation(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})

	rec := h.do(http.MethodPost, "/v1/events", map[string]any{"event_type": "incoming"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/events", event("teleported", "call-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/events", event("ringing", "nobody"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An ended event for a call nobody knows is accepted and ignored.
	rec = h.do(http.MethodPost, "/v1/events", event("ended", "nobody"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOutboundCalls(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})

	rec := h.do(http.MethodPost, "/v1/calls", model.OutboundCallRequest{PhoneNumber: "+15550101", Priority: "urgent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decodeData[model.CallSession](t, rec)
	assert.Equal(t, model.DirectionOutbound, sess.Direction)
	assert.Equal(t, model.PriorityUrgent, sess.Priority)

	rec = h.do(http.MethodPost, "/v1/calls", model.OutboundCallRequest{PhoneNumber: "+15550102"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.ErrCodeNoAgentAvailable, errorCode(t, rec))

	rec = h.do(http.MethodPost, "/v1/calls", model.OutboundCallRequest{PhoneNumber: "+15550102", AgentID: "ghost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/calls", model.OutboundCallRequest{PhoneNumber: "+15550102", Priority: "whenever"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/calls", map[string]any{"phone_number": "+1", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path := "/v1/calls/" + sess.SessionID + "/call_id"
	rec = h.do(http.MethodPut, path, map[string]string{"call_id": "prov-77"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prov-77", decodeData[model.CallSession](t, rec).CallID)

	rec = h.do(http.MethodPut, path, map[string]string{"call_id": "prov-78"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Provider events now resolve through the reassigned id.
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("answered", "prov-77")).Code)
}

func TestControl(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})
	accepted := decodeData[model.EventAccepted](t, h.do(http.MethodPost, "/v1/events", incoming("call-1")))
	path := "/v1/calls/" + accepted.SessionID + "/control"

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, path, model.ControlRequest{Action: "mute"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, path, model.ControlRequest{Action: "explode"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, path, model.ControlRequest{Action: "play"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, path, model.ControlRequest{}).Code)

	rec := h.do(http.MethodPost, "/v1/calls/missing/control", model.ControlRequest{Action: "mute"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlWithoutStream(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})
	accepted := decodeData[model.EventAccepted](t, h.do(http.MethodPost, "/v1/events", incoming("call-1")))

	// Drop the bridge without ending the session.
	h.streams.Stop(accepted.SessionID, model.CallStatusEnded)

	rec := h.do(http.MethodPost, "/v1/calls/"+accepted.SessionID+"/control", model.ControlRequest{Action: "mute"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.ErrCodeBridgeDown, errorCode(t, rec))
}

func TestControlWhileBridgeConnecting(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})
	accepted := decodeData[model.EventAccepted](t, h.do(http.MethodPost, "/v1/events", incoming("call-1")))
	path := "/v1/calls/" + accepted.SessionID + "/control"

	h.streams.setDialing(accepted.SessionID, true)
	rec := h.do(http.MethodPost, path, model.ControlRequest{Action: "mute"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, model.ErrCodeBridgeDown, errorCode(t, rec))

	h.streams.setDialing(accepted.SessionID, false)
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, path, model.ControlRequest{Action: "mute"}).Code)
}

type historyBody struct {
	Session     storage.CallRecord         `json:"session"`
	Transitions []storage.StatusTransition `json:"transitions"`
}

func TestCallHistory(t *testing.T) {
	history := &fakeHistory{records: map[string]storage.CallRecord{
		"sess-1": {SessionID: "sess-1", CallID: "call-1", Status: model.CallStatusEnded},
	}}
	h := newHarness(t, 1, harnessOpts{history: history})

	rec := h.do(http.MethodGet, "/v1/calls/sess-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeData[historyBody](t, rec)
	assert.Equal(t, "call-1", body.Session.CallID)
	require.Len(t, body.Transitions, 1)
	assert.Equal(t, model.CallStatusEnded, body.Transitions[0].To)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/calls/other/history", nil).Code)

	bare := newHarness(t, 1, harnessOpts{})
	assert.Equal(t, http.StatusServiceUnavailable, bare.do(http.MethodGet, "/v1/calls/sess-1/history", nil).Code)
}

type statsBody struct {
	Live     session.Stats            `json:"live"`
	Total    *int                     `json:"total"`
	ByStatus map[model.CallStatus]int `json:"by_status"`
}

func TestCallStats(t *testing.T) {
	history := &fakeHistory{records: map[string]storage.CallRecord{
		"sess-1": {SessionID: "sess-1", Status: model.CallStatusEnded},
		"sess-2": {SessionID: "sess-2", Status: model.CallStatusEnded},
		"sess-3": {SessionID: "sess-3", Status: model.CallStatusInProgress},
	}}
	h := newHarness(t, 2, harnessOpts{history: history})
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", incoming("call-1")).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("ringing", "call-1")).Code)

	rec := h.do(http.MethodGet, "/v1/calls/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeData[statsBody](t, rec)
	require.NotNil(t, body.Total)
	assert.Equal(t, 3, *body.Total)
	assert.Equal(t, 2, body.ByStatus[model.CallStatusEnded])
	assert.Equal(t, 1, body.ByStatus[model.CallStatusInProgress])
	assert.Equal(t, 1, body.Live.Active)
	assert.Equal(t, 1, body.Live.ByStatus[model.CallStatusRinging])
	assert.Equal(t, 1, body.Live.ByDirection[model.DirectionInbound])
}

func TestCallStatsWithoutHistory(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", incoming("call-1")).Code)

	rec := h.do(http.MethodGet, "/v1/calls/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeData[statsBody](t, rec)
	assert.Nil(t, body.Total)
	assert.Empty(t, body.ByStatus)
	assert.Equal(t, 1, body.Live.Active)
}

func TestEventsRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	defer func() { _ = limiter.Close() }()
	h := newHarness(t, 5, harnessOpts{limiter: limiter})

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("ended", "x")).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/events", event("ended", "y")).Code)
	rec := h.do(http.MethodPost, "/v1/events", event("ended", "z"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, rec))

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/agents/loads", nil).Code)
}

func TestSubscribeWithoutBroker(t *testing.T) {
	h := newHarness(t, 1, harnessOpts{})
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/v1/subscribe", nil).Code)
}
