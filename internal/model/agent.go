package model

import (
	"fmt"
	"strconv"
	"strings"
)

// AgentConfig is one roster entry: a worker and its concurrency capacity.
type AgentConfig struct {
	AgentID            string `json:"agent_id"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
}

// AgentLoad is a snapshot of one agent's row in the load table.
type AgentLoad struct {
	AgentID            string `json:"agent_id"`
	CurrentLoad        int    `json:"current_load"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
	Available          bool   `json:"available"`
	Retiring           bool   `json:"retiring,omitempty"`
}

// ParseRoster parses "id:max,id:max". A bare "id" gets a capacity of 1.
func ParseRoster(s string) ([]AgentConfig, error) {
	var out []AgentConfig
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, capStr, hasCap := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if err := ValidateAgentID(id); err != nil {
			return nil, fmt.Errorf("model: roster entry %q: %w", part, err)
		}
		maxCalls := 1
		if hasCap {
			n, err := strconv.Atoi(strings.TrimSpace(capStr))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("model: roster entry %q: capacity must be a positive integer", part)
			}
			maxCalls = n
		}
		if seen[id] {
			return nil, fmt.Errorf("model: roster entry %q: duplicate agent id", part)
		}
		seen[id] = true
		out = append(out, AgentConfig{AgentID: id, MaxConcurrentCalls: maxCalls})
	}
	return out, nil
}

// ValidateAgentID checks that an agent ID is 1-255 ASCII characters:
// alphanumeric, dots, hyphens, underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
