package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/denwa/internal/model"
)

func TestValidateAgentID_Valid(t *testing.T) {
	valid := []string{
		"agent",
		"agent-1",
		"agent.v2",
		"Agent_01",
		"desk@paris",
		"a",
		strings.Repeat("a", 255),
	}
	for _, id := range valid {
		require.NoError(t, model.ValidateAgentID(id), "expected valid: %q", id)
	}
}

func TestValidateAgentID_Invalid(t *testing.T) {
	invalid := []string{
		"",
		strings.Repeat("a", 256),
		"agent 1",
		"agent/1",
		"agent:1",
	}
	for _, id := range invalid {
		assert.Error(t, model.ValidateAgentID(id), "expected invalid: %q", id)
	}
}

func TestParseRoster(t *testing.T) {
	roster, err := model.ParseRoster(" a1:2, a2:3 ,a3")
	require.NoError(t, err)
	assert.Equal(t, []model.AgentConfig{
		{AgentID: "a1", MaxConcurrentCalls: 2},
		{AgentID: "a2", MaxConcurrentCalls: 3},
		{AgentID: "a3", MaxConcurrentCalls: 1},
	}, roster)
}

func TestParseRoster_Empty(t *testing.T) {
	roster, err := model.ParseRoster("")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestParseRoster_Errors(t *testing.T) {
	for _, in := range []string{"a1:0", "a1:x", "a1:2,a1:3", ":2", "bad id:1"} {
		_, err := model.ParseRoster(in)
		assert.Error(t, err, "expected error for %q", in)
	}
}
