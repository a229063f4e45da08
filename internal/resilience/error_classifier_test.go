package resilience

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError_AgentLabels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "transport failure reaching agent",
			err:      fmt.Errorf("controller: calling agent /status: %w", errors.New("dial tcp: connection refused")),
			expected: "agent_unreachable",
		},
		{
			name:     "agent 404",
			err:      errors.New("controller: agent /read returned 404"),
			expected: "agent_not_found",
		},
		{
			name:     "agent 503",
			err:      errors.New("controller: agent /read returned 503"),
			expected: "agent_server_error",
		},
		{
			name:     "agent 400 falls through to generic classification",
			err:      errors.New("controller: agent /write returned 400"),
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.expected {
				t.Errorf("classifyError(%v) = %q, expected %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyError_NilIsNone(t *testing.T) {
	if got := classifyError(nil); got != "none" {
		t.Errorf("classifyError(nil) = %q, expected \"none\"", got)
	}
}
