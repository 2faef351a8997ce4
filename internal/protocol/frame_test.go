// ABOUTME: Tests for the frame envelope codec
// ABOUTME: Covers encode/decode round trips and payload accessor coercions

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_EncodeDecode(t *testing.T) {
	f := NewRequestFrame(EventExecuteTool, map[string]any{
		"tool_name": "spawn_actor",
		"parameters": map[string]any{
			"class": "Cube",
			"count": 3,
		},
	}, "req-1")

	data, err := f.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventExecuteTool, decoded.Type)
	assert.Equal(t, "req-1", decoded.RequestID)
	assert.Equal(t, "spawn_actor", decoded.String("tool_name"))
	assert.NotEmpty(t, decoded.Timestamp)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err, "frames without a type are rejected")
}

func TestFrame_PayloadAccessors(t *testing.T) {
	// Decoded JSON turns numbers into float64 and arrays into []any.
	data := []byte(`{
		"type": "status_update",
		"payload": {
			"bridge_status": "connected",
			"force": true,
			"tools_count": 7,
			"available_tools": ["spawn", "delete", 42]
		},
		"timestamp": "2026-01-01T00:00:00Z"
	}`)

	f, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "connected", f.String("bridge_status"))
	assert.Equal(t, "", f.String("missing"))
	assert.True(t, f.Bool("force"))
	assert.False(t, f.Bool("missing"))
	assert.Equal(t, 7, f.Int("tools_count"))
	assert.Equal(t, 0, f.Int("missing"))
	assert.Equal(t, []string{"spawn", "delete"}, f.Strings("available_tools"),
		"non-string entries are skipped")
	assert.Nil(t, f.Strings("missing"))
}

func TestFrame_StringsAcceptsNativeSlices(t *testing.T) {
	f := NewFrame(EventSelectionChanged, map[string]any{
		"selected_resources": []string{"a", "b"},
	})
	assert.Equal(t, []string{"a", "b"}, f.Strings("selected_resources"))
}
