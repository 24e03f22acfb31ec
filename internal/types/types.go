package types

import (
	"time"

	"github.com/golang/geo/r3"
)

// Quaternion is a unit rotation in x, y, z, w order.
type Quaternion struct {
	X float64
	Y float64
	Z float64
	W float64
}

// IdentityQuaternion is the no-rotation orientation.
var IdentityQuaternion = Quaternion{W: 1}

// CameraPose is the world position and orientation of the camera for one send cycle.
type CameraPose struct {
	Position r3.Vector
	Rotation Quaternion
}

// IdentityPose sits at the origin looking down +z.
var IdentityPose = CameraPose{Rotation: IdentityQuaternion}

// CameraIntrinsics describe the pinhole model of the capture camera. Immutable per session.
type CameraIntrinsics struct {
	Width  int     `toml:"width" cbor:"width"`
	Height int     `toml:"height" cbor:"height"`
	Fx     float64 `toml:"fx" cbor:"fx"`
	Fy     float64 `toml:"fy" cbor:"fy"`
	Cx     float64 `toml:"cx" cbor:"cx"`
	Cy     float64 `toml:"cy" cbor:"cy"`
}

// Frame is one captured camera image. Pix holds RGBA rows, row 0 at the top.
type Frame struct {
	Width     int
	Height    int
	Pix       []byte
	Pose      CameraPose
	Timestamp time.Time
}

// Coordinates is a normalized image point, u and v in [0,1] with v measured from the top row.
type Coordinates struct {
	U float64
	V float64
}

// Detection is one labeled object reported by the server. Coordinates is nil when
// the server knows the object but could not locate it in this frame.
type Detection struct {
	Label       string
	Coordinates *Coordinates
}

// Instruction is one complete server response.
type Instruction struct {
	Status     string
	Message    string
	Detections []Detection
}

// Marker is a displayed anchor for a label.
type Marker struct {
	Label    string
	Position r3.Vector
	Handle   string
}
