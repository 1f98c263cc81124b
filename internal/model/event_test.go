package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/denwa/internal/model"
)

func TestDecodeEvent_Incoming(t *testing.T) {
	ev, err := model.DecodeEvent([]byte(`{
		"event_type": "incoming",
		"call_id": "c-1",
		"timestamp": "2026-01-02T03:04:05Z",
		"data": {"phone_number": "+33123456789", "priority": "high", "metadata": {"transfer_target": "+33999"}}
	}`))
	require.NoError(t, err)

	in, ok := ev.(model.IncomingEvent)
	require.True(t, ok, "expected IncomingEvent, got %T", ev)
	assert.Equal(t, model.EventIncoming, in.Kind())
	assert.Equal(t, "c-1", in.Call())
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), in.At())
	assert.Equal(t, model.PriorityHigh, in.Priority)

	d := in.Descriptor()
	assert.Equal(t, model.DirectionInbound, d.Direction)
	assert.Equal(t, "+33123456789", d.PhoneNumber)
	assert.Equal(t, "+33999", d.Metadata["transfer_target"])
}

func TestDecodeEvent_MissedIsEnded(t *testing.T) {
	ev, err := model.DecodeEvent([]byte(`{"event_type":"missed","call_id":"c-2","data":{"reason":"no-answer"}}`))
	require.NoError(t, err)
	ended, ok := ev.(model.EndedEvent)
	require.True(t, ok)
	assert.True(t, ended.Missed)
	assert.Equal(t, "no-answer", ended.Reason)
	assert.False(t, ended.At().IsZero())
}

func TestDecodeEvent_StatusEvents(t *testing.T) {
	cases := map[string]any{
		"ringing":  model.RingingEvent{},
		"answered": model.AnsweredEvent{},
		"failed":   model.FailedEvent{},
		"ended":    model.EndedEvent{},
	}
	for typ, want := range cases {
		ev, err := model.DecodeEvent([]byte(`{"event_type":"` + typ + `","call_id":"c"}`))
		require.NoError(t, err, typ)
		assert.IsType(t, want, ev, typ)
	}
}

func TestDecodeEvent_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed", `{`, ""},
		{"missing call id", `{"event_type":"ringing"}`, "call_id"},
		{"missing type", `{"call_id":"c"}`, "event_type"},
		{"unknown type", `{"event_type":"transferred","call_id":"c"}`, "event_type"},
		{"incoming without phone", `{"event_type":"incoming","call_id":"c","data":{}}`, "data.phone_number"},
		{"bad priority", `{"event_type":"incoming","call_id":"c","data":{"phone_number":"1","priority":"max"}}`, "data.priority"},
		{"data wrong shape", `{"event_type":"ended","call_id":"c","data":[1,2]}`, "data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := model.DecodeEvent([]byte(tc.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidEvent))
			var evErr *model.EventError
			require.True(t, errors.As(err, &evErr))
			assert.Equal(t, tc.field, evErr.Field)
		})
	}
}
