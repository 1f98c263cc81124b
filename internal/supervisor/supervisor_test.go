package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/denwa/internal/bridge"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/pipeline"
	"github.com/ashita-ai/denwa/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMedia is a scripted media service. Tests push frames with send and
// read what the supervisor wrote with waitFor.
type fakeMedia struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	got    []map[string]any
	tokens []string
	ready  chan struct{}

	// gate, when set, holds each handshake until it is closed.
	gate chan struct{}
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	fm := &fakeMedia{ready: make(chan struct{}, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fm.mu.Lock()
		gate := fm.gate
		fm.mu.Unlock()
		if gate != nil {
			<-gate
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fm.mu.Lock()
		fm.conn = conn
		fm.tokens = append(fm.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		fm.mu.Unlock()
		fm.ready <- struct{}{}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				fm.mu.Lock()
				fm.got = append(fm.got, msg)
				fm.mu.Unlock()
			}
		}
	}))
	t.Cleanup(server.Close)
	fm.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return fm
}

func (fm *fakeMedia) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-fm.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never connected")
	}
}

// waitLive blocks until the supervisor side of the connection is open, which
// trails the server-side upgrade.
func (h *harness) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sup.IsLive(h.sess.SessionID)
	}, 2*time.Second, 5*time.Millisecond)
}

func (fm *fakeMedia) connections() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.tokens)
}

func (fm *fakeMedia) send(t *testing.T, msg string) {
	t.Helper()
	fm.mu.Lock()
	defer fm.mu.Unlock()
	require.NoError(t, fm.conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (fm *fakeMedia) messages() []map[string]any {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]map[string]any(nil), fm.got...)
}

func (fm *fakeMedia) waitFor(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		for _, m := range fm.messages() {
			if match(m) {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func isControl(action string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == "control" && m["action"] == action }
}

func isAudio(m map[string]any) bool { return m["type"] == "audio" }

type fakeTokens struct{ err error }

func (f fakeTokens) IssueCallToken(callID, sessionID, agentID string, ttl time.Duration) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "tok-" + callID, time.Now().Add(ttl), nil
}

type closed struct {
	sessionID string
	status    model.CallStatus
	cause     error
}

type fakeOwner struct {
	mu     sync.Mutex
	events []bridge.ProviderEvent
	closed []closed
	done   chan closed

	// onClosed runs inside StreamClosed before it is reported.
	onClosed func(sessionID string)
}

func newFakeOwner() *fakeOwner { return &fakeOwner{done: make(chan closed, 16)} }

func (o *fakeOwner) StreamEvent(_ context.Context, _ string, ev bridge.ProviderEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *fakeOwner) StreamClosed(sessionID string, status model.CallStatus, cause error) {
	if o.onClosed != nil {
		o.onClosed(sessionID)
	}
	c := closed{sessionID: sessionID, status: status, cause: cause}
	o.mu.Lock()
	o.closed = append(o.closed, c)
	o.mu.Unlock()
	o.done <- c
}

func (o *fakeOwner) waitClosed(t *testing.T) closed {
	t.Helper()
	select {
	case c := <-o.done:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("stream never closed")
		return closed{}
	}
}

func (o *fakeOwner) closedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.closed)
}

type stubSTT struct {
	text string
	err  error
}

func (s stubSTT) Transcribe(context.Context, model.AudioFrame) (string, error) { return s.text, s.err }

type stubLLM struct{ reply pipeline.Reply }

func (s stubLLM) Generate(context.Context, string, pipeline.SessionContext) (pipeline.Reply, error) {
	return s.reply, nil
}

type stubTTS struct{ audio []byte }

func (s stubTTS) Synthesize(_ context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	return s.audio, nil
}

type harness struct {
	sup      *Supervisor
	media    *fakeMedia
	owner    *fakeOwner
	registry *session.Registry
	sess     model.CallSession
}

func newHarness(t *testing.T, stages pipeline.Stages, metadata map[string]string) *harness {
	t.Helper()
	media := newFakeMedia(t)
	owner := newFakeOwner()
	registry := session.NewRegistry(testLogger())
	runner := pipeline.NewRunner(stages.Transcriber, stages.Reasoner, stages.Synthesizer, time.Second, testLogger())

	cfg := Config{
		Bridge:        bridge.Config{BaseURL: media.url, ConnectTimeout: time.Second, WriteTimeout: time.Second, PingInterval: time.Second},
		TokenTTL:      time.Minute,
		GreetingFile:  "greeting.wav",
		MaxFlowErrors: 3,
	}
	sup := New(cfg, fakeTokens{}, registry, runner, owner, testLogger())

	id, err := registry.Create(model.CallDescriptor{
		CallID:      "CA1",
		PhoneNumber: "+15550001111",
		Direction:   model.DirectionInbound,
		Metadata:    metadata,
	}, "a1", model.PriorityNormal)
	require.NoError(t, err)
	sess, _ := registry.Get(id)

	return &harness{sup: sup, media: media, owner: owner, registry: registry, sess: sess}
}

func defaultStages() pipeline.Stages {
	return pipeline.Stages{
		Transcriber: stubSTT{text: "hello"},
		Reasoner:    stubLLM{reply: pipeline.Reply{Text: "Hi there", Confidence: 0.9}},
		Synthesizer: stubTTS{audio: []byte{1, 2}},
	}
}

func TestStream_GreetingTurnAndProviderEnd(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)

	greeting := h.media.waitFor(t, isControl("play"))
	assert.Equal(t, "greeting.wav", greeting["data"].(map[string]any)["file"])
	assert.Equal(t, []string{"tok-CA1"}, h.media.tokens)

	require.Eventually(t, func() bool {
		s, _ := h.registry.Get(h.sess.SessionID)
		return s.IsStreaming
	}, time.Second, 10*time.Millisecond)
	assert.True(t, h.sup.IsStreaming(h.sess.SessionID))

	h.media.send(t, `{"type":"audio","call_id":"CA1","data":"0a0b0c0d"}`)
	reply := h.media.waitFor(t, isAudio)
	assert.Equal(t, "0102", reply["data"])

	require.Eventually(t, func() bool {
		s, _ := h.registry.Get(h.sess.SessionID)
		return len(s.ResponseTimes) == 1
	}, time.Second, 10*time.Millisecond)

	h.media.send(t, `{"type":"event","call_id":"CA1","event":"ended"}`)
	c := h.owner.waitClosed(t)
	assert.Equal(t, h.sess.SessionID, c.sessionID)
	assert.Equal(t, model.CallStatusEnded, c.status)
	require.Eventually(t, func() bool { return h.sup.Active() == 0 }, time.Second, 10*time.Millisecond)
	assert.False(t, h.sup.IsStreaming(h.sess.SessionID))

	s, ok := h.registry.Get(h.sess.SessionID)
	require.True(t, ok, "removal belongs to the owner")
	assert.False(t, s.IsStreaming)
}

func TestStream_UtteranceLevelSetsAudioQuality(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	h.sup.cfg.Segmenter = pipeline.SegmenterConfig{Threshold: 0.01, SilenceTimeout: time.Second, MaxBytes: 4}
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)
	h.media.waitFor(t, isControl("play"))

	// Samples 0x0b0a and 0x0d0c: RMS just under the reference level.
	h.media.send(t, `{"type":"audio","call_id":"CA1","data":"0a0b0c0d"}`)
	h.media.waitFor(t, isAudio)

	require.Eventually(t, func() bool {
		s, _ := h.registry.Get(h.sess.SessionID)
		return s.AudioQualityScore != nil
	}, time.Second, 10*time.Millisecond)
	s, _ := h.registry.Get(h.sess.SessionID)
	assert.InDelta(t, 0.944, *s.AudioQualityScore, 0.01)

	h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	h.owner.waitClosed(t)
}

func TestStream_ConnectFailureReportsUpward(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	h.sup.cfg.Bridge.BaseURL = "ws://127.0.0.1:1"

	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	c := h.owner.waitClosed(t)
	assert.Equal(t, model.CallStatusFailed, c.status)
	assert.ErrorIs(t, c.cause, ErrConnectFailed)

	s, _ := h.registry.Get(h.sess.SessionID)
	assert.False(t, s.IsStreaming)
	assert.Empty(t, s.StreamURL)
}

func TestStream_TokenFailureReportsUpward(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	h.sup.tokens = fakeTokens{err: errors.New("no key")}

	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	c := h.owner.waitClosed(t)
	assert.Equal(t, model.CallStatusFailed, c.status)
	assert.ErrorIs(t, c.cause, ErrConnectFailed)
}

func TestStream_StopTearsDownOnce(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)
	h.media.waitFor(t, isControl("play"))

	done, ok := h.sup.Stop(h.sess.SessionID, model.CallStatusTerminated)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not finish")
	}
	c := h.owner.waitClosed(t)
	assert.Equal(t, model.CallStatusTerminated, c.status)

	_, ok = h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	assert.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.owner.closedCount())
}

func TestStream_StartDuringTeardownIsRefused(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	var lateErr error
	h.owner.onClosed = func(string) { lateErr = h.sup.Start(context.Background(), h.sess) }

	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)
	h.media.waitFor(t, isControl("play"))

	done, ok := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	require.True(t, ok)
	<-done
	h.owner.waitClosed(t)

	assert.ErrorIs(t, lateErr, ErrAlreadyStreaming)
	assert.Equal(t, 0, h.sup.Active())
	assert.Equal(t, 1, h.media.connections(), "no second media connection")
}

func TestStream_ConcurrentStopAndRemoteClose(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)
	h.media.waitFor(t, isControl("play"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	}()
	go func() {
		defer wg.Done()
		h.media.mu.Lock()
		_ = h.media.conn.Close()
		h.media.mu.Unlock()
	}()
	wg.Wait()

	h.owner.waitClosed(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.owner.closedCount())
}

func TestStream_PipelineFailureKeepsLoopAlive(t *testing.T) {
	stages := defaultStages()
	stages.Transcriber = stubSTT{err: errors.New("stt down")}
	h := newHarness(t, stages, nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)

	h.media.send(t, `{"type":"audio","data":"0a0b"}`)
	h.media.send(t, `{"type":"audio","data":"0c0d"}`)
	require.Eventually(t, func() bool {
		s, _ := h.registry.Get(h.sess.SessionID)
		return s.ErrorCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, m := range h.media.messages() {
		assert.NotEqual(t, "audio", m["type"], "failed turns produce no audio")
	}
	assert.True(t, h.sup.IsStreaming(h.sess.SessionID))

	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}

func TestStream_EmptyTranscriptSkipsTurn(t *testing.T) {
	stages := defaultStages()
	stages.Transcriber = stubSTT{}
	h := newHarness(t, stages, nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)

	h.media.send(t, `{"type":"audio","data":"0a0b"}`)
	h.media.send(t, `{"type":"event","event":"answered"}`)
	require.Eventually(t, func() bool {
		h.owner.mu.Lock()
		defer h.owner.mu.Unlock()
		return len(h.owner.events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, m := range h.media.messages() {
		assert.NotEqual(t, "audio", m["type"])
	}
	s, _ := h.registry.Get(h.sess.SessionID)
	assert.Equal(t, 0, s.ErrorCount)

	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}

func TestStream_EscalationTransfersCall(t *testing.T) {
	stages := defaultStages()
	stages.Reasoner = stubLLM{reply: pipeline.Reply{Text: "garbled", Confidence: 7}}
	h := newHarness(t, stages, map[string]string{MetadataTransferTarget: "+15559990000"})
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)

	for i := 0; i < 3; i++ {
		h.media.send(t, `{"type":"audio","data":"0a0b"}`)
	}
	transfer := h.media.waitFor(t, isControl("transfer"))
	assert.Equal(t, "+15559990000", transfer["data"].(map[string]any)["target"])

	s, _ := h.registry.Get(h.sess.SessionID)
	assert.GreaterOrEqual(t, s.ErrorCount, 3)

	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}

func TestSupervisor_Control(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)

	err := h.sup.Control(h.sess.SessionID, "mute", nil)
	assert.ErrorIs(t, err, ErrNotStreaming)

	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)
	h.waitLive(t)

	require.NoError(t, h.sup.Control(h.sess.SessionID, "mute", nil))
	require.NoError(t, h.sup.Control(h.sess.SessionID, "set_volume", map[string]any{"volume": 0.4}))
	require.NoError(t, h.sup.Control(h.sess.SessionID, "digits", map[string]any{"value": "42"}))
	assert.ErrorIs(t, h.sup.Control(h.sess.SessionID, "explode", nil), ErrUnknownAction)
	assert.ErrorIs(t, h.sup.Control(h.sess.SessionID, "play", nil), ErrInvalidControl)
	assert.ErrorIs(t, h.sup.Control(h.sess.SessionID, "set_volume", map[string]any{"volume": "loud"}), ErrInvalidControl)

	h.media.waitFor(t, isControl("mute"))
	vol := h.media.waitFor(t, isControl("set_volume"))
	assert.InDelta(t, 0.4, vol["data"].(map[string]any)["volume"], 1e-9)
	h.media.waitFor(t, isControl("digits"))

	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}

func TestSupervisor_ControlWhileConnecting(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	gate := make(chan struct{})
	h.media.mu.Lock()
	h.media.gate = gate
	h.media.mu.Unlock()

	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	assert.True(t, h.sup.IsStreaming(h.sess.SessionID))
	assert.False(t, h.sup.IsLive(h.sess.SessionID))
	assert.ErrorIs(t, h.sup.Control(h.sess.SessionID, "mute", nil), ErrConnecting)

	close(gate)
	h.media.waitConnected(t)
	h.waitLive(t)
	require.NoError(t, h.sup.Control(h.sess.SessionID, "mute", nil))
	h.media.waitFor(t, isControl("mute"))

	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}

func TestSupervisor_StartTwice(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	assert.ErrorIs(t, h.sup.Start(context.Background(), h.sess), ErrAlreadyStreaming)

	h.media.waitConnected(t)
	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}

func TestSupervisor_Shutdown(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	require.NoError(t, h.sup.Start(context.Background(), h.sess))
	h.media.waitConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, h.sup.Shutdown(ctx))
	assert.Equal(t, 0, h.sup.Active())

	c := h.owner.waitClosed(t)
	assert.Equal(t, model.CallStatusTerminated, c.status)
}

func TestStream_StartOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, defaultStages(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.sup.Start(ctx, h.sess))
	cancel()

	h.media.waitConnected(t)
	h.media.waitFor(t, isControl("play"))
	assert.True(t, h.sup.IsStreaming(h.sess.SessionID))

	done, _ := h.sup.Stop(h.sess.SessionID, model.CallStatusEnded)
	<-done
}
