package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []State{StateUnpaired, StateUnauthenticated, StateAuthenticated, StateReady, StateDisconnected, StateFailed}

	allowed := map[State][]State{
		StateUnpaired:        {StateUnauthenticated, StateAuthenticated, StateDisconnected, StateFailed},
		StateUnauthenticated: {StateUnauthenticated, StateAuthenticated, StateDisconnected, StateFailed},
		StateAuthenticated:   {StateReady, StateDisconnected, StateFailed},
		StateReady:           {StateDisconnected, StateFailed},
		StateDisconnected:    {},
		StateFailed:          {},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesNeverReachReady(t *testing.T) {
	assert.False(t, CanTransition(StateFailed, StateReady))
	assert.False(t, CanTransition(StateDisconnected, StateReady))
	assert.False(t, CanTransition(StateDisconnected, StateUnauthenticated))
}

func TestStateLabels(t *testing.T) {
	assert.Equal(t, "Unauthenticated", StateUnauthenticated.Label())
	assert.Equal(t, "Failed Authentication", StateFailed.Label())
	assert.Equal(t, "Ready", StateReady.Label())
	assert.Equal(t, "Disconnected", StateDisconnected.Label())
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(map[string]State{"state": StateReady})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"ready"}`, string(data))

	var decoded struct{ State State }
	require.NoError(t, json.Unmarshal([]byte(`{"State":"failed"}`), &decoded))
	assert.Equal(t, StateFailed, decoded.State)

	assert.Error(t, json.Unmarshal([]byte(`{"State":"bogus"}`), &decoded))
}
