package types

import (
	"time"

	"github.com/golang/geo/r3"
)

// TimestampFormat is the ISO-8601 layout used on the wire.
const TimestampFormat = "2006-01-02T15:04:05.0000000Z07:00"

type Vector3Doc struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

type QuaternionDoc struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
	W float64 `json:"w" cbor:"w"`
}

type CameraPoseDoc struct {
	Position Vector3Doc    `json:"position" cbor:"position"`
	Rotation QuaternionDoc `json:"rotation" cbor:"rotation"`
}

// ImageMetadata accompanies every outgoing frame.
type ImageMetadata struct {
	Timestamp  string        `json:"timestamp" cbor:"timestamp"`
	Width      int           `json:"width" cbor:"width"`
	Height     int           `json:"height" cbor:"height"`
	CameraPose CameraPoseDoc `json:"camera_pose" cbor:"camera_pose"`
}

type CoordinateDoc struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

type DetectedObject struct {
	Title       string         `json:"title" cbor:"title"`
	Coordinates *CoordinateDoc `json:"coordinates" cbor:"coordinates"`
}

// InstructionResponse is the inbound instruction document.
type InstructionResponse struct {
	CurrentTaskStatus string           `json:"current_task_status" cbor:"current_task_status"`
	Message           string           `json:"message,omitempty" cbor:"message,omitempty"`
	Objects           []DetectedObject `json:"objects" cbor:"objects"`
}

// ErrorResponse is the inbound error document.
type ErrorResponse struct {
	Error string `json:"error"`
}

func NewPoseDoc(p CameraPose) CameraPoseDoc {
	return CameraPoseDoc{
		Position: Vector3Doc{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z},
		Rotation: QuaternionDoc{X: p.Rotation.X, Y: p.Rotation.Y, Z: p.Rotation.Z, W: p.Rotation.W},
	}
}

func (d CameraPoseDoc) Pose() CameraPose {
	return CameraPose{
		Position: r3.Vector{X: d.Position.X, Y: d.Position.Y, Z: d.Position.Z},
		Rotation: Quaternion{X: d.Rotation.X, Y: d.Rotation.Y, Z: d.Rotation.Z, W: d.Rotation.W},
	}
}

func NewImageMetadata(at time.Time, width, height int, pose CameraPose) ImageMetadata {
	return ImageMetadata{
		Timestamp:  at.UTC().Format(TimestampFormat),
		Width:      width,
		Height:     height,
		CameraPose: NewPoseDoc(pose),
	}
}

// Instruction converts the wire document. Objects with an empty title are dropped.
func (r InstructionResponse) Instruction() Instruction {
	out := Instruction{
		Status:  r.CurrentTaskStatus,
		Message: r.Message,
	}
	if r.Objects == nil {
		return out
	}
	out.Detections = make([]Detection, 0, len(r.Objects))
	for _, obj := range r.Objects {
		if obj.Title == "" {
			continue
		}
		det := Detection{Label: obj.Title}
		if obj.Coordinates != nil {
			det.Coordinates = &Coordinates{U: obj.Coordinates.X, V: obj.Coordinates.Y}
		}
		out.Detections = append(out.Detections, det)
	}
	return out
}
