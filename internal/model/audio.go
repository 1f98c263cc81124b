package model

import "time"

// Default PCM layout spoken on the media bridge.
const (
	DefaultSampleRate  = 16000
	DefaultChannels    = 1
	DefaultAudioFormat = "pcm"
)

// AudioFrame is one chunk of call audio in flight. It is never persisted.
type AudioFrame struct {
	CallID     string
	Data       []byte
	SampleRate int
	Channels   int
	Format     string
	CapturedAt *time.Time
}
