package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/denwa/internal/bridge"
	"github.com/ashita-ai/denwa/internal/flow"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/pipeline"
)

// MetadataTransferTarget is the session metadata key holding the number a
// call is handed to when the flow engine escalates.
const MetadataTransferTarget = "transfer_target"

// stream is one call's task. Everything but stop and the fields it guards
// is touched only by the task goroutine.
type stream struct {
	sup    *Supervisor
	sess   model.CallSession
	conn   *bridge.Conn
	engine *flow.Engine
	seg    *pipeline.Segmenter
	logger *slog.Logger

	cancel     context.CancelFunc
	unregister func()
	done       chan struct{}
	teardown   sync.Once

	mu     sync.Mutex
	status model.CallStatus
}

func newStream(sup *Supervisor, sess model.CallSession, cancel context.CancelFunc) *stream {
	logger := sup.logger.With("session_id", sess.SessionID, "call_id", sess.CallID, "agent_id", sess.AgentID)
	st := &stream{
		sup:    sup,
		sess:   sess,
		engine: flow.New(logger, flow.WithMaxErrors(sup.cfg.MaxFlowErrors)),
		seg:    pipeline.NewSegmenter(sup.cfg.Segmenter),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	router := bridge.NewRouter(sess.CallID, bridge.Handlers{Audio: st, Events: st}, logger)
	st.conn = bridge.New(sess.CallID, sup.cfg.Bridge, router, logger)
	return st
}

// stop records the first requested terminal status and cancels the task.
func (st *stream) stop(status model.CallStatus) {
	st.mu.Lock()
	if st.status == "" {
		st.status = status
	}
	st.mu.Unlock()
	st.cancel()
}

func (st *stream) finalStatus(fallback model.CallStatus) model.CallStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status == "" {
		st.status = fallback
	}
	return st.status
}

func (st *stream) run(ctx context.Context) {
	var cause error
	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("supervisor: stream panic: %v", r)
			st.logger.Error("supervisor: stream panicked", "panic", r)
		}
		st.close(cause)
	}()
	cause = st.serve(ctx)
}

func (st *stream) serve(ctx context.Context) error {
	token, _, err := st.sup.tokens.IssueCallToken(st.sess.CallID, st.sess.SessionID, st.sess.AgentID, st.sup.cfg.TokenTTL)
	if err != nil {
		st.finalStatus(model.CallStatusFailed)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := st.conn.Connect(ctx, token); err != nil {
		st.finalStatus(model.CallStatusFailed)
		st.logger.Warn("supervisor: media connection failed", "error", err)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := st.sup.sessions.SetStreaming(st.sess.SessionID, true, st.sup.cfg.Bridge.StreamURL(st.sess.CallID)); err != nil {
		st.logger.Debug("supervisor: session gone before streaming started", "error", err)
	}
	if st.sup.cfg.GreetingFile != "" && !st.conn.Play(st.sup.cfg.GreetingFile) {
		st.logger.Warn("supervisor: greeting not sent", "file", st.sup.cfg.GreetingFile)
	}
	st.logger.Info("supervisor: streaming started")

	err = st.conn.Listen(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, bridge.ErrStreamEnded), errors.Is(err, bridge.ErrDisconnected):
		st.finalStatus(model.CallStatusEnded)
		return err
	default:
		st.finalStatus(model.CallStatusFailed)
		return err
	}
}

// close is the single teardown path: connection first, then the Owner.
// The task stays registered until the Owner has finished the call, so a
// late Start for the same session sees ErrAlreadyStreaming.
func (st *stream) close(cause error) {
	st.teardown.Do(func() {
		st.cancel()
		st.conn.Disconnect()
		_ = st.sup.sessions.SetStreaming(st.sess.SessionID, false, "")

		status := st.finalStatus(model.CallStatusEnded)
		st.logger.Info("supervisor: streaming stopped", "status", status, "cause", errString(cause))
		if st.sup.owner != nil {
			st.sup.owner.StreamClosed(st.sess.SessionID, status, cause)
		}
		st.sup.remove(st.sess.SessionID, st)
		if st.unregister != nil {
			st.unregister()
		}
		close(st.done)
	})
}

// HandleAudio runs one frame through segmentation and, at a turn boundary,
// the full pipeline. Stage failures and empty output yield no reply.
func (st *stream) HandleAudio(ctx context.Context, frame model.AudioFrame) ([]byte, error) {
	st.sup.sessions.Touch(st.sess.SessionID)
	utterance, ok := st.seg.Push(frame)
	if !ok {
		return nil, nil
	}
	if level := st.seg.Level(); level > 0 {
		_ = st.sup.sessions.SetAudioQuality(st.sess.SessionID, pipeline.QualityScore(level))
	}
	return st.turn(ctx, utterance), nil
}

func (st *stream) turn(ctx context.Context, utterance model.AudioFrame) []byte {
	start := time.Now()
	runner := st.sup.runner
	ctx, span := runner.StartTurn(ctx, st.sess.CallID)
	defer span.End()

	text, err := runner.Transcribe(ctx, utterance)
	if err != nil {
		st.stageFailed(pipeline.StageTranscribe, err)
		return nil
	}
	if text == "" {
		return nil
	}

	snap := st.engine.Snapshot()
	reply, err := runner.Generate(ctx, text, pipeline.SessionContext{
		SessionID:  st.sess.SessionID,
		CallID:     st.sess.CallID,
		AgentID:    st.sess.AgentID,
		ScriptName: st.sess.ScriptName,
		Flow:       string(snap.Flow),
		TurnCount:  snap.TurnCount,
		Slots:      snap.Context,
		Metadata:   st.sess.Metadata,
	})
	if err != nil {
		st.stageFailed(pipeline.StageGenerate, err)
		return nil
	}
	if reply.Text == "" {
		return nil
	}

	resp := st.engine.ProcessTurn(ctx, text, flow.Response{
		Text:       reply.Text,
		Confidence: reply.Confidence,
		Action:     reply.Action,
		Metadata:   reply.Metadata,
	})
	if resp.Failed {
		_ = st.sup.sessions.RecordError(st.sess.SessionID)
	}

	audio, err := runner.Synthesize(ctx, st.sess.CallID, resp.Text)
	if err != nil {
		st.stageFailed(pipeline.StageSynthesize, err)
		return nil
	}
	_ = st.sup.sessions.RecordResponseTime(st.sess.SessionID, time.Since(start))

	if resp.Action == flow.ActionTransfer {
		return st.transfer(audio)
	}
	return audio
}

// transfer speaks the hand-off line before moving the call, so the audio
// is written here rather than returned.
func (st *stream) transfer(audio []byte) []byte {
	target := st.sess.Metadata[MetadataTransferTarget]
	if target == "" {
		return audio
	}
	if len(audio) > 0 && !st.conn.SendAudio(audio) {
		st.logger.Warn("supervisor: hand-off audio not sent")
	}
	if st.conn.Transfer(target) {
		st.logger.Info("supervisor: call transferred", "target", target)
	} else {
		st.logger.Warn("supervisor: transfer not sent", "target", target)
	}
	return nil
}

func (st *stream) stageFailed(stage string, err error) {
	_ = st.sup.sessions.RecordError(st.sess.SessionID)
	st.logger.Warn("supervisor: pipeline stage failed", "stage", stage, "error", err)
}

// HandleProviderEvent ends the task on terminal provider events and hands
// everything else to the Owner.
func (st *stream) HandleProviderEvent(ctx context.Context, ev bridge.ProviderEvent) error {
	st.sup.sessions.Touch(st.sess.SessionID)
	switch strings.ToLower(ev.Event) {
	case "ended", "hangup", "completed", "missed":
		st.stop(model.CallStatusEnded)
	case "failed":
		st.stop(model.CallStatusFailed)
	default:
		if st.sup.owner != nil {
			st.sup.owner.StreamEvent(ctx, st.sess.SessionID, ev)
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
