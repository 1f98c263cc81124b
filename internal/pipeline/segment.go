package pipeline

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/ashita-ai/denwa/internal/model"
)

// SegmenterConfig controls end-of-utterance detection.
type SegmenterConfig struct {
	// Threshold is the normalized RMS below which a frame counts as
	// silence. Zero disables segmentation: every frame is a turn.
	Threshold float64
	// SilenceTimeout is how much trailing silence closes an utterance.
	SilenceTimeout time.Duration
	// MaxBytes forces an utterance out once the buffer reaches it.
	MaxBytes int
}

// Segmenter groups inbound PCM16LE frames into utterances separated by
// silence. It is owned by one call and is not safe for concurrent use.
type Segmenter struct {
	cfg     SegmenterConfig
	buf     []byte
	head    model.AudioFrame
	voiced  bool
	silence time.Duration

	levelSum float64
	levelN   int
	level    float64
}

// ReferenceLevel is the normalized RMS (about -20 dBFS) at which speech
// scores full audio quality.
const ReferenceLevel = 0.1

// QualityScore maps an utterance level onto [0, 1].
func QualityScore(level float64) float64 {
	return min(max(level/ReferenceLevel, 0), 1)
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// Push adds one frame. When the frame completes an utterance, the buffered
// audio is returned with ok set.
func (s *Segmenter) Push(f model.AudioFrame) (utterance model.AudioFrame, ok bool) {
	if len(f.Data) == 0 {
		return model.AudioFrame{}, false
	}
	if s.cfg.Threshold <= 0 || f.Format != model.DefaultAudioFormat {
		s.level = 0
		return f, true
	}

	if rms := RMS(f.Data); rms >= s.cfg.Threshold {
		if !s.voiced {
			s.head = f
		}
		s.voiced = true
		s.levelSum += rms
		s.levelN++
		s.silence = 0
		s.buf = append(s.buf, f.Data...)
	} else {
		if !s.voiced {
			// Leading silence never reaches the pipeline.
			return model.AudioFrame{}, false
		}
		s.buf = append(s.buf, f.Data...)
		s.silence += FrameDuration(f)
		if s.silence >= s.cfg.SilenceTimeout {
			return s.Flush()
		}
	}

	if s.cfg.MaxBytes > 0 && len(s.buf) >= s.cfg.MaxBytes {
		return s.Flush()
	}
	return model.AudioFrame{}, false
}

// Flush returns any buffered speech and resets the segmenter.
func (s *Segmenter) Flush() (model.AudioFrame, bool) {
	if !s.voiced || len(s.buf) == 0 {
		s.reset()
		return model.AudioFrame{}, false
	}
	out := s.head
	out.Data = s.buf
	s.level = s.levelSum / float64(s.levelN)
	s.buf = nil
	s.reset()
	return out, true
}

// Level returns the mean RMS of the voiced frames in the last utterance,
// or zero when the last output bypassed segmentation.
func (s *Segmenter) Level() float64 { return s.level }

// Buffered reports the number of bytes waiting for a turn boundary.
func (s *Segmenter) Buffered() int { return len(s.buf) }

func (s *Segmenter) reset() {
	s.buf = nil
	s.head = model.AudioFrame{}
	s.voiced = false
	s.silence = 0
	s.levelSum = 0
	s.levelN = 0
}

// RMS returns the root-mean-square level of PCM16LE audio normalized to
// [0, 1]. A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// FrameDuration returns the playback length of a PCM16 frame.
func FrameDuration(f model.AudioFrame) time.Duration {
	rate, channels := f.SampleRate, f.Channels
	if rate <= 0 {
		rate = model.DefaultSampleRate
	}
	if channels <= 0 {
		channels = model.DefaultChannels
	}
	samples := len(f.Data) / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
