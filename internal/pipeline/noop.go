package pipeline

import (
	"context"
	"time"

	"github.com/ashita-ai/denwa/internal/model"
)

// NoopTranscriber never recognizes anything. Used when no STT service is
// configured.
type NoopTranscriber struct{}

// Transcribe returns empty text.
func (NoopTranscriber) Transcribe(context.Context, model.AudioFrame) (string, error) { return "", nil }

// NoopReasoner never replies.
type NoopReasoner struct{}

// Generate returns an empty Reply.
func (NoopReasoner) Generate(context.Context, string, SessionContext) (Reply, error) {
	return Reply{}, nil
}

// NoopSynthesizer produces no audio.
type NoopSynthesizer struct{}

// Synthesize returns nil.
func (NoopSynthesizer) Synthesize(context.Context, string) ([]byte, error) { return nil, nil }

// Stages holds one implementation per stage.
type Stages struct {
	Transcriber Transcriber
	Reasoner    Reasoner
	Synthesizer Synthesizer
}

// StageConfig selects stage implementations. An empty URL selects the
// no-op stage.
type StageConfig struct {
	STTURL      string
	ReasonerURL string
	TTSURL      string
	APIKey      string
	Timeout     time.Duration
}

// FromConfig builds Stages from StageConfig.
func FromConfig(cfg StageConfig) Stages {
	s := Stages{Transcriber: NoopTranscriber{}, Reasoner: NoopReasoner{}, Synthesizer: NoopSynthesizer{}}
	if cfg.STTURL != "" {
		s.Transcriber = NewHTTPTranscriber(cfg.STTURL, cfg.APIKey, cfg.Timeout)
	}
	if cfg.ReasonerURL != "" {
		s.Reasoner = NewHTTPReasoner(cfg.ReasonerURL, cfg.APIKey, cfg.Timeout)
	}
	if cfg.TTSURL != "" {
		s.Synthesizer = NewHTTPSynthesizer(cfg.TTSURL, cfg.APIKey, cfg.Timeout)
	}
	return s
}
