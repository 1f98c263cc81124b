// Package pipeline defines the speech stages a call's audio passes through
// and a Runner that times and traces each stage.
//
// Stages are external collaborators. Any of them may return empty output,
// which means "nothing to say this turn" and is not an error.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/telemetry"
)

// Transcriber converts caller audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio model.AudioFrame) (string, error)
}

// Reasoner produces the agent's reply to a transcribed utterance.
type Reasoner interface {
	Generate(ctx context.Context, text string, sc SessionContext) (Reply, error)
}

// Synthesizer converts reply text to PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SessionContext is what a Reasoner knows about the call.
type SessionContext struct {
	SessionID  string            `json:"session_id"`
	CallID     string            `json:"call_id"`
	AgentID    string            `json:"agent_id"`
	ScriptName string            `json:"script_name,omitempty"`
	Flow       string            `json:"flow"`
	TurnCount  int               `json:"turn_count"`
	Slots      map[string]any    `json:"slots,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Reply is a Reasoner's answer. Empty Text means no reply.
type Reply struct {
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Action     string         `json:"action,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Stage names used in spans and metrics.
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

// Runner wraps the three stages with a per-stage timeout, a span, and a
// latency histogram.
type Runner struct {
	stt     Transcriber
	llm     Reasoner
	tts     Synthesizer
	timeout time.Duration
	logger  *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewRunner creates a Runner. A non-positive timeout disables the per-stage
// deadline.
func NewRunner(stt Transcriber, llm Reasoner, tts Synthesizer, timeout time.Duration, logger *slog.Logger) *Runner {
	hist, _ := telemetry.Meter("denwa/pipeline").Float64Histogram("denwa.pipeline.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("ms"),
	)
	return &Runner{
		stt:      stt,
		llm:      llm,
		tts:      tts,
		timeout:  timeout,
		logger:   logger,
		tracer:   telemetry.Tracer("denwa/pipeline"),
		duration: hist,
	}
}

// Transcribe runs speech-to-text on one utterance.
func (r *Runner) Transcribe(ctx context.Context, audio model.AudioFrame) (string, error) {
	var text string
	err := r.observe(ctx, StageTranscribe, audio.CallID, func(ctx context.Context) error {
		var err error
		text, err = r.stt.Transcribe(ctx, audio)
		return err
	})
	return text, err
}

// Generate asks the Reasoner for a reply.
func (r *Runner) Generate(ctx context.Context, text string, sc SessionContext) (Reply, error) {
	var reply Reply
	err := r.observe(ctx, StageGenerate, sc.CallID, func(ctx context.Context) error {
		var err error
		reply, err = r.llm.Generate(ctx, text, sc)
		return err
	})
	return reply, err
}

// Synthesize renders reply text to audio.
func (r *Runner) Synthesize(ctx context.Context, callID, text string) ([]byte, error) {
	var audio []byte
	err := r.observe(ctx, StageSynthesize, callID, func(ctx context.Context) error {
		var err error
		audio, err = r.tts.Synthesize(ctx, text)
		return err
	})
	return audio, err
}

// StartTurn opens the parent span for one caller turn.
func (r *Runner) StartTurn(ctx context.Context, callID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(attribute.String("call_id", callID)))
}

func (r *Runner) observe(ctx context.Context, stage, callID string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.duration.Record(ctx, elapsed, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
	return err
}
