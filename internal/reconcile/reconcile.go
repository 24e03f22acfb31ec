// Package reconcile diffs a fresh instruction against the displayed marker set.
//
// Markers are keyed by label. A label that comes back with coordinates is replaced
// (old marker removed, new one created at the new placement). A label that comes back
// without coordinates keeps its current marker. Any other displayed label is stale.
// An instruction without detections leaves everything as it is.
package reconcile

import (
	"sort"

	"github.com/golang/geo/r3"

	"anchorstream/internal/geometry"
	"anchorstream/internal/types"
)

// PlaceFunc resolves a normalized image point to a placement.
type PlaceFunc func(u, v float64) geometry.Placement

// Placement is a marker to create, or to recreate at a new position.
type Placement struct {
	Label     string
	Point     r3.Vector
	Placement geometry.Placement
}

// Plan is the result of one reconciliation. Apply Remove before CreateOrUpdate.
type Plan struct {
	CreateOrUpdate []Placement
	Remove         []types.Marker
	Unchanged      []types.Marker
}

// Reconcile computes the plan for instruction given the previous markers. previous is not modified.
// Detections are processed in list order; when a label repeats, the last occurrence with
// coordinates wins and exactly one marker per label survives.
func Reconcile(previous map[string]types.Marker, instruction types.Instruction, place PlaceFunc) Plan {
	if len(instruction.Detections) == 0 {
		return Plan{Unchanged: sortedMarkers(previous)}
	}

	working := make(map[string]types.Marker, len(previous))
	for label, marker := range previous {
		working[label] = marker
	}
	kept := make(map[string]types.Marker)
	created := make(map[string]int)

	var plan Plan
	for _, det := range instruction.Detections {
		if det.Label == "" {
			continue
		}
		if det.Coordinates == nil {
			if marker, ok := working[det.Label]; ok {
				delete(working, det.Label)
				kept[det.Label] = marker
			}
			continue
		}

		if marker, ok := working[det.Label]; ok {
			plan.Remove = append(plan.Remove, marker)
			delete(working, det.Label)
		}
		if marker, ok := kept[det.Label]; ok {
			plan.Remove = append(plan.Remove, marker)
			delete(kept, det.Label)
		}

		resolved := place(det.Coordinates.U, det.Coordinates.V)
		next := Placement{Label: det.Label, Point: resolved.Point, Placement: resolved}
		if idx, ok := created[det.Label]; ok {
			plan.CreateOrUpdate[idx] = next
			continue
		}
		created[det.Label] = len(plan.CreateOrUpdate)
		plan.CreateOrUpdate = append(plan.CreateOrUpdate, next)
	}

	plan.Remove = append(plan.Remove, sortedMarkers(working)...)
	plan.Unchanged = sortedMarkers(kept)
	return plan
}

// Labels returns the label set displayed after applying the plan.
func (p Plan) Labels() map[string]struct{} {
	out := make(map[string]struct{}, len(p.CreateOrUpdate)+len(p.Unchanged))
	for _, m := range p.Unchanged {
		out[m.Label] = struct{}{}
	}
	for _, c := range p.CreateOrUpdate {
		out[c.Label] = struct{}{}
	}
	return out
}

func sortedMarkers(markers map[string]types.Marker) []types.Marker {
	if len(markers) == 0 {
		return nil
	}
	out := make([]types.Marker, 0, len(markers))
	for _, m := range markers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
