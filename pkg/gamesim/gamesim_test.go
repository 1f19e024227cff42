package gamesim

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_PayloadsAreSmallJSON(t *testing.T) {
	g := New(1)
	for id := 0; id < 200; id++ {
		payload := g.Payload(id, id%2 == 0)
		require.NotEmpty(t, payload)
		assert.Less(t, len(payload), 128)
		var v map[string]any
		require.NoError(t, json.Unmarshal(payload, &v), "payload %q", payload)
		assert.NotEmpty(t, v)
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	a, b := New(42), New(42)
	for id := 0; id < 50; id++ {
		assert.Equal(t, a.Payload(id, true), b.Payload(id, true))
		assert.Equal(t, a.Payload(id, false), b.Payload(id, false))
		assert.Equal(t, a.Flip(), b.Flip())
	}
}

func TestReliable_DeterministicMix(t *testing.T) {
	assert.True(t, Reliable(0))
	assert.False(t, Reliable(1))
	assert.True(t, Reliable(2))
}
