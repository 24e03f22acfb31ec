package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorstream/internal/types"
)

func TestEncodeMetadata(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 45, 123456700, time.UTC)
	pose := types.CameraPose{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Rotation: types.IdentityQuaternion}
	payload, err := EncodeMetadata(at, types.Frame{Width: 640, Height: 480}, pose)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "2024-03-01T12:30:45.1234567Z", doc["timestamp"])
	assert.Equal(t, float64(640), doc["width"])
	assert.Equal(t, float64(480), doc["height"])
	camera := doc["camera_pose"].(map[string]any)
	position := camera["position"].(map[string]any)
	assert.Equal(t, float64(2), position["y"])
	rotation := camera["rotation"].(map[string]any)
	assert.Equal(t, float64(1), rotation["w"])
}

func TestDecodeInstruction(t *testing.T) {
	body := []byte(`{
		"current_task_status": "find the cup",
		"message": "look left",
		"objects": [
			{"title": "cup", "coordinates": {"x": 0.25, "y": 0.75}},
			{"title": "door", "coordinates": null},
			{"title": "", "coordinates": {"x": 0.1, "y": 0.1}}
		],
		"extra": true
	}`)
	instruction, err := DecodeInstruction(body)
	require.NoError(t, err)
	assert.Equal(t, "find the cup", instruction.Status)
	assert.Equal(t, "look left", instruction.Message)
	require.Len(t, instruction.Detections, 2)
	assert.Equal(t, "cup", instruction.Detections[0].Label)
	assert.Equal(t, 0.25, instruction.Detections[0].Coordinates.U)
	assert.Equal(t, 0.75, instruction.Detections[0].Coordinates.V)
	assert.Nil(t, instruction.Detections[1].Coordinates)
}

func TestDecodeInstructionWithoutObjects(t *testing.T) {
	instruction, err := DecodeInstruction([]byte(`{"current_task_status":"idle"}`))
	require.NoError(t, err)
	assert.Nil(t, instruction.Detections)
}

func TestDecodeInstructionRejectsNonObjects(t *testing.T) {
	for _, body := range []string{"", "[]", "null", "{broken", `"text"`} {
		_, err := DecodeInstruction([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedInstruction, "body %q", body)
	}
}

func TestDecodeError(t *testing.T) {
	msg, err := DecodeError([]byte(` {"error":"busy"} `))
	require.NoError(t, err)
	assert.Equal(t, "busy", msg)

	_, err = DecodeError([]byte(`{"detail":"busy"}`))
	assert.Error(t, err)
	_, err = DecodeError([]byte(`<html>`))
	assert.Error(t, err)
}

func TestErrorBodyRoundTrips(t *testing.T) {
	msg, err := DecodeError(ErrorBody(" timeout "))
	require.NoError(t, err)
	assert.Equal(t, "timeout", msg)
}

func TestEncodeDetections(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, err := encodeDetections(at, []DetectionReport{{ClassName: "cup", Confidence: 0.9, WorldPosition: r3.Vector{X: 1, Y: 2, Z: 3}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-01-02T03:04:05.0000000Z","detections":[{"className":"cup","confidence":0.9,"worldPosition":{"x":1,"y":2,"z":3}}]}`, string(payload))

	payload, err = encodeText(at, "hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-01-02T03:04:05.0000000Z","message":"hello"}`, string(payload))
}
