// Package geometry turns normalized image points into world rays and placement points.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"anchorstream/internal/types"
)

const (
	// MaxRaycastDistance bounds the surface query.
	MaxRaycastDistance = 10.0
	// DefaultPlacementDistance is used along the ray when the surface query misses.
	DefaultPlacementDistance = 1.0
)

// ErrInvalidIntrinsics is returned by CheckIntrinsics.
var ErrInvalidIntrinsics = errors.New("camera intrinsics are not valid")

// Ray is a world-space half line. Direction is unit length unless the ray is degenerate.
type Ray struct {
	Origin    r3.Vector
	Direction r3.Vector
}

// Point returns the point at distance d along the ray.
func (r Ray) Point(d float64) r3.Vector {
	return r.Origin.Add(r.Direction.Mul(d))
}

// Raycaster is the environment surface query.
type Raycaster interface {
	Raycast(ray Ray, maxDistance float64) (point r3.Vector, hit bool, err error)
}

// Placement is where a marker for a detection goes.
type Placement struct {
	Ray      Ray
	Point    r3.Vector
	Distance float64
	Hit      bool
}

// CheckIntrinsics reports whether the intrinsics can be used for unprojection.
func CheckIntrinsics(in types.CameraIntrinsics) error {
	if in.Width <= 0 || in.Height <= 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "invalid size (%d, %d)", in.Width, in.Height)
	}
	if in.Fx <= 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "invalid focal length fx = %v", in.Fx)
	}
	if in.Fy <= 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "invalid focal length fy = %v", in.Fy)
	}
	return nil
}

// CameraDirection is the camera-space direction through the normalized point (u, v).
// Image row 0 is the top, the camera model has its origin bottom-left, hence 1-v.
func CameraDirection(u, v float64, in types.CameraIntrinsics) r3.Vector {
	u = clamp01(u)
	v = clamp01(v)
	return r3.Vector{
		X: (u*float64(in.Width) - in.Cx) / in.Fx,
		Y: ((1-v)*float64(in.Height) - in.Cy) / in.Fy,
		Z: 1,
	}
}

// Unproject builds the world ray through (u, v) for a camera at pose.
func Unproject(u, v float64, in types.CameraIntrinsics, pose types.CameraPose) Ray {
	dir := Rotate(pose.Rotation, CameraDirection(u, v, in))
	if n := dir.Norm(); n > 0 {
		dir = dir.Mul(1 / n)
	}
	return Ray{Origin: pose.Position, Direction: dir}
}

// ResolvePlacement unprojects (u, v) and resolves the ray against the surface.
// A nil raycaster, a raycast error and a miss all fall back to the default distance.
func ResolvePlacement(u, v float64, in types.CameraIntrinsics, pose types.CameraPose, rc Raycaster) Placement {
	ray := Unproject(u, v, in, pose)
	if rc != nil {
		point, hit, err := rc.Raycast(ray, MaxRaycastDistance)
		if err == nil && hit {
			return Placement{
				Ray:      ray,
				Point:    point,
				Distance: ray.Origin.Distance(point),
				Hit:      true,
			}
		}
	}
	return Placement{
		Ray:      ray,
		Point:    ray.Point(DefaultPlacementDistance),
		Distance: DefaultPlacementDistance,
	}
}

// Rotate applies q to v. A zero quaternion is treated as the identity.
func Rotate(q types.Quaternion, v r3.Vector) r3.Vector {
	n := quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
	abs := quat.Abs(n)
	if abs == 0 || math.IsNaN(abs) {
		return v
	}
	n = quat.Scale(1/abs, n)
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(n, p), quat.Conj(n))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
