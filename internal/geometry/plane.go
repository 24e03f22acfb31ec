package geometry

import (
	"github.com/golang/geo/r3"
)

// PlaneRaycaster intersects rays with an infinite plane. It stands in for a device
// surface query when running against the simulator.
type PlaneRaycaster struct {
	Point  r3.Vector
	Normal r3.Vector
}

// NewFloor returns a horizontal plane at height y with +y up.
func NewFloor(y float64) *PlaneRaycaster {
	return &PlaneRaycaster{
		Point:  r3.Vector{Y: y},
		Normal: r3.Vector{Y: 1},
	}
}

func (p *PlaneRaycaster) Raycast(ray Ray, maxDistance float64) (r3.Vector, bool, error) {
	denom := p.Normal.Dot(ray.Direction)
	if denom > -1e-9 && denom < 1e-9 {
		return r3.Vector{}, false, nil
	}
	t := p.Point.Sub(ray.Origin).Dot(p.Normal) / denom
	if t < 0 || t > maxDistance {
		return r3.Vector{}, false, nil
	}
	return ray.Point(t), true, nil
}
