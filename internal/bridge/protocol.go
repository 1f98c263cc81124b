package bridge

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/denwa/internal/model"
)

// MessageType is the discriminator of every bridge message.
type MessageType string

const (
	TypeAudio   MessageType = "audio"
	TypeEvent   MessageType = "event"
	TypeControl MessageType = "control"
)

// Control actions understood by the media service.
const (
	ActionMute      = "mute"
	ActionUnmute    = "unmute"
	ActionSetVolume = "set_volume"
	ActionPlay      = "play"
	ActionDigits    = "digits"
	ActionTransfer  = "transfer"
	ActionEndStream = "end_stream"
)

// Acknowledgement actions sent back by the media service.
const (
	AckMute   = "mute_ack"
	AckUnmute = "unmute_ack"
	AckStatus = "status"
)

// AudioMessage carries one audio chunk. Data is hex on the way out; the
// media service may answer in hex or base64.
type AudioMessage struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"call_id"`
	Data       string      `json:"data"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sample_rate"`
	Channels   int         `json:"channels"`
	Timestamp  *time.Time  `json:"timestamp,omitempty"`
}

// ControlMessage carries a control action or its acknowledgement.
type ControlMessage struct {
	Type   MessageType    `json:"type"`
	CallID string         `json:"call_id"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// EventMessage is a provider event relayed over the media connection.
type EventMessage struct {
	Type   MessageType    `json:"type"`
	CallID string         `json:"call_id"`
	Event  string         `json:"event"`
	Data   map[string]any `json:"data,omitempty"`
}

// ProviderEvent is the decoded form of an EventMessage.
type ProviderEvent struct {
	CallID string
	Event  string
	Data   map[string]any
}

// ControlAck is the decoded form of an inbound ControlMessage.
type ControlAck struct {
	CallID string
	Action string
	Data   map[string]any
}

// DecodeError reports an inbound message that could not be decoded.
type DecodeError struct {
	Type    string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "bridge: decode: " + e.Message
	}
	return fmt.Sprintf("bridge: decode %s: %s", e.Type, e.Message)
}

// EncodeAudio builds the wire form of an outbound PCM chunk.
func EncodeAudio(callID string, pcm []byte) ([]byte, error) {
	return json.Marshal(AudioMessage{
		Type:       TypeAudio,
		CallID:     callID,
		Data:       hex.EncodeToString(pcm),
		Format:     model.DefaultAudioFormat,
		SampleRate: model.DefaultSampleRate,
		Channels:   model.DefaultChannels,
	})
}

// EncodeControl builds the wire form of a control action. A nil payload
// is sent as an empty object.
func EncodeControl(callID, action string, data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(ControlMessage{Type: TypeControl, CallID: callID, Action: action, Data: data})
}

// PeekType returns the type discriminator of a raw message.
func PeekType(raw []byte) (MessageType, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &DecodeError{Message: "malformed JSON: " + err.Error()}
	}
	return MessageType(env.Type), nil
}

// DecodeAudio parses an inbound audio message into a frame. Missing format
// fields fall back to the bridge defaults; fallbackCallID is used when the
// message omits call_id.
func DecodeAudio(raw []byte, fallbackCallID string) (model.AudioFrame, error) {
	var msg AudioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.AudioFrame{}, &DecodeError{Type: string(TypeAudio), Message: err.Error()}
	}
	data, err := DecodePayload(msg.Data)
	if err != nil {
		return model.AudioFrame{}, &DecodeError{Type: string(TypeAudio), Message: err.Error()}
	}
	frame := model.AudioFrame{
		CallID:     msg.CallID,
		Data:       data,
		SampleRate: msg.SampleRate,
		Channels:   msg.Channels,
		Format:     msg.Format,
		CapturedAt: msg.Timestamp,
	}
	if frame.CallID == "" {
		frame.CallID = fallbackCallID
	}
	if frame.SampleRate <= 0 {
		frame.SampleRate = model.DefaultSampleRate
	}
	if frame.Channels <= 0 {
		frame.Channels = model.DefaultChannels
	}
	if frame.Format == "" {
		frame.Format = model.DefaultAudioFormat
	}
	return frame, nil
}

// DecodePayload decodes an audio payload, trying hex first and base64 second.
func DecodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("payload is neither hex nor base64")
}

// DecodeEvent parses an inbound event message.
func DecodeEvent(raw []byte, fallbackCallID string) (ProviderEvent, error) {
	var msg EventMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ProviderEvent{}, &DecodeError{Type: string(TypeEvent), Message: err.Error()}
	}
	if msg.Event == "" {
		return ProviderEvent{}, &DecodeError{Type: string(TypeEvent), Message: "event is required"}
	}
	ev := ProviderEvent{CallID: msg.CallID, Event: msg.Event, Data: msg.Data}
	if ev.CallID == "" {
		ev.CallID = fallbackCallID
	}
	return ev, nil
}

// DecodeControl parses an inbound control message.
func DecodeControl(raw []byte, fallbackCallID string) (ControlAck, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlAck{}, &DecodeError{Type: string(TypeControl), Message: err.Error()}
	}
	ack := ControlAck{CallID: msg.CallID, Action: msg.Action, Data: msg.Data}
	if ack.CallID == "" {
		ack.CallID = fallbackCallID
	}
	return ack, nil
}
