package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}
	b := map[string]any{"c": []any{"x", "y"}, "a": 1, "b": 2}

	encodedA, err := Marshal(a)
	require.NoError(t, err)
	encodedB, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, encodedA, encodedB)
}

func TestRoundTripIntoAny(t *testing.T) {
	rows := []map[string]any{{"name": "vm-1", "cpu": 0.5}}
	data, err := Marshal(rows)
	require.NoError(t, err)

	var decoded []any
	require.NoError(t, Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)

	row, ok := decoded[0].(map[string]any)
	require.True(t, ok, "nested maps decode as map[string]any")
	assert.Equal(t, "vm-1", row["name"])
}
