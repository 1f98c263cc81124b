package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/denwa/internal/model"
)

const maxResponseBytes = 16 << 20

// HTTPStage posts JSON to a single stage endpoint.
type HTTPStage struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
}

func newHTTPStage(name, url, apiKey string, timeout time.Duration) HTTPStage {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return HTTPStage{
		name:       name,
		url:        strings.TrimRight(url, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s HTTPStage) post(ctx context.Context, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", s.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: status %d: %s", s.name, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", s.name, err)
	}
	return nil
}

// HTTPTranscriber calls a speech-to-text service.
type HTTPTranscriber struct{ stage HTTPStage }

// NewHTTPTranscriber creates a Transcriber posting to url.
func NewHTTPTranscriber(url, apiKey string, timeout time.Duration) *HTTPTranscriber {
	return &HTTPTranscriber{stage: newHTTPStage("stt", url, apiKey, timeout)}
}

type transcribeRequest struct {
	CallID     string `json:"call_id"`
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe sends base64 audio and returns the recognized text.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, audio model.AudioFrame) (string, error) {
	if len(audio.Data) == 0 {
		return "", nil
	}
	var resp transcribeResponse
	err := t.stage.post(ctx, transcribeRequest{
		CallID:     audio.CallID,
		Audio:      base64.StdEncoding.EncodeToString(audio.Data),
		Format:     audio.Format,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	}, &resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// HTTPReasoner calls a reply-generation service.
type HTTPReasoner struct{ stage HTTPStage }

// NewHTTPReasoner creates a Reasoner posting to url.
func NewHTTPReasoner(url, apiKey string, timeout time.Duration) *HTTPReasoner {
	return &HTTPReasoner{stage: newHTTPStage("reasoner", url, apiKey, timeout)}
}

type generateRequest struct {
	Text    string         `json:"text"`
	Context SessionContext `json:"context"`
}

// Generate returns the service's reply. Confidence outside [0, 1] is
// passed through for the flow engine to reject.
func (g *HTTPReasoner) Generate(ctx context.Context, text string, sc SessionContext) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, nil
	}
	var reply Reply
	if err := g.stage.post(ctx, generateRequest{Text: text, Context: sc}, &reply); err != nil {
		return Reply{}, err
	}
	reply.Text = strings.TrimSpace(reply.Text)
	return reply, nil
}

// HTTPSynthesizer calls a text-to-speech service.
type HTTPSynthesizer struct{ stage HTTPStage }

// NewHTTPSynthesizer creates a Synthesizer posting to url.
func NewHTTPSynthesizer(url, apiKey string, timeout time.Duration) *HTTPSynthesizer {
	return &HTTPSynthesizer{stage: newHTTPStage("tts", url, apiKey, timeout)}
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type synthesizeResponse struct {
	Audio string `json:"audio"`
}

// Synthesize returns PCM audio for text.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var resp synthesizeResponse
	err := s.stage.post(ctx, synthesizeRequest{
		Text:       text,
		Format:     model.DefaultAudioFormat,
		SampleRate: model.DefaultSampleRate,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Audio == "" {
		return nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, fmt.Errorf("tts: decode audio: %w", err)
	}
	return audio, nil
}
