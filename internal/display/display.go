// Package display is the marker visual collaborator. The orchestrator asks it to show a
// marker for a label at a world position and to remove a marker by handle.
package display

import (
	"sync"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"anchorstream/internal/geometry"
)

// ErrUnknownHandle is returned when removing a marker that is not shown.
var ErrUnknownHandle = errors.New("unknown marker handle")

type Display interface {
	// Show creates a visual for label at the given position and returns its handle.
	Show(label string, at r3.Vector) (handle string, err error)
	Remove(handle string) error
}

// RayDrawer is implemented by displays that can visualize unprojection rays.
type RayDrawer interface {
	DrawRay(label string, placement geometry.Placement)
}

// StatusSink receives the user-visible status text.
type StatusSink interface {
	SetStatus(text string)
}

// LogDisplay keeps the shown markers in memory and logs every change.
type LogDisplay struct {
	logger *zap.SugaredLogger
	rays   bool

	mu     sync.Mutex
	shown  map[string]Shown
	status string
}

// Shown is a marker as seen by a display.
type Shown struct {
	Handle   string
	Label    string
	Position r3.Vector
}

func NewLogDisplay(logger *zap.SugaredLogger, drawRays bool) *LogDisplay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogDisplay{
		logger: logger,
		rays:   drawRays,
		shown:  make(map[string]Shown),
	}
}

func (d *LogDisplay) Show(label string, at r3.Vector) (string, error) {
	handle := uuid.NewString()
	d.mu.Lock()
	d.shown[handle] = Shown{Handle: handle, Label: label, Position: at}
	d.mu.Unlock()
	d.logger.Infow("marker shown", "label", label, "x", at.X, "y", at.Y, "z", at.Z, "handle", handle)
	return handle, nil
}

func (d *LogDisplay) Remove(handle string) error {
	d.mu.Lock()
	m, ok := d.shown[handle]
	delete(d.shown, handle)
	d.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrUnknownHandle, handle)
	}
	d.logger.Infow("marker removed", "label", m.Label, "handle", handle)
	return nil
}

func (d *LogDisplay) DrawRay(label string, p geometry.Placement) {
	if !d.rays {
		return
	}
	d.logger.Debugw("ray",
		"label", label,
		"origin", p.Ray.Origin,
		"direction", p.Ray.Direction,
		"distance", p.Distance,
		"hit", p.Hit,
	)
}

func (d *LogDisplay) SetStatus(text string) {
	d.mu.Lock()
	changed := d.status != text
	d.status = text
	d.mu.Unlock()
	if changed {
		d.logger.Infow("status", "text", text)
	}
}

// Status returns the last status text.
func (d *LogDisplay) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Markers returns the shown markers keyed by label. A label shown twice appears once.
func (d *LogDisplay) Markers() map[string]Shown {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Shown, len(d.shown))
	for _, m := range d.shown {
		out[m.Label] = m
	}
	return out
}

// Len reports how many visuals are alive.
func (d *LogDisplay) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}
