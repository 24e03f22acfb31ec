// Package transport moves frames to the inference server and instructions back, over a
// single-flight HTTP request/response channel or a persistent WebSocket stream.
package transport

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"anchorstream/internal/types"
)

var (
	// ErrMalformedInstruction is returned when a body is not an instruction document.
	ErrMalformedInstruction = errors.New("malformed instruction")
	ErrNoEndpoint           = errors.New("missing server endpoint")
	ErrNotOpen              = errors.New("stream is not open")
)

// EncodeMetadata serializes the frame metadata document.
func EncodeMetadata(at time.Time, frame types.Frame, pose types.CameraPose) ([]byte, error) {
	meta := types.NewImageMetadata(at, frame.Width, frame.Height, pose)
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}
	return payload, nil
}

// DecodeInstruction parses an instruction document. Unknown fields are ignored.
func DecodeInstruction(body []byte) (types.Instruction, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return types.Instruction{}, errors.Wrap(ErrMalformedInstruction, "not a JSON object")
	}
	var resp types.InstructionResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return types.Instruction{}, errors.Wrapf(ErrMalformedInstruction, "%v", err)
	}
	return resp.Instruction(), nil
}

// DecodeError extracts the message from an error document.
func DecodeError(body []byte) (string, error) {
	var resp types.ErrorResponse
	if err := json.Unmarshal(bytes.TrimSpace(body), &resp); err != nil {
		return "", errors.Wrap(err, "decode error document")
	}
	if resp.Error == "" {
		return "", errors.New("error document has no error field")
	}
	return resp.Error, nil
}

// ErrorBody synthesizes an error document.
func ErrorBody(msg string) []byte {
	payload, err := json.Marshal(types.ErrorResponse{Error: strings.TrimSpace(msg)})
	if err != nil {
		return []byte(`{"error":"unknown error"}`)
	}
	return payload
}

// DetectionReport is a locally placed detection sent back over the stream.
type DetectionReport struct {
	ClassName     string
	Confidence    float64
	WorldPosition r3.Vector
}

type detectionDoc struct {
	ClassName     string           `json:"className"`
	Confidence    float64          `json:"confidence"`
	WorldPosition types.Vector3Doc `json:"worldPosition"`
}

type detectionsMessage struct {
	Timestamp  string         `json:"timestamp"`
	Detections []detectionDoc `json:"detections"`
}

type textMessage struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

func encodeDetections(at time.Time, reports []DetectionReport) ([]byte, error) {
	docs := make([]detectionDoc, 0, len(reports))
	for _, r := range reports {
		docs = append(docs, detectionDoc{
			ClassName:     r.ClassName,
			Confidence:    r.Confidence,
			WorldPosition: types.Vector3Doc{X: r.WorldPosition.X, Y: r.WorldPosition.Y, Z: r.WorldPosition.Z},
		})
	}
	return json.Marshal(detectionsMessage{
		Timestamp:  at.UTC().Format(types.TimestampFormat),
		Detections: docs,
	})
}

func encodeText(at time.Time, msg string) ([]byte, error) {
	return json.Marshal(textMessage{
		Timestamp: at.UTC().Format(types.TimestampFormat),
		Message:   msg,
	})
}
