package ingest

import (
	"sync"

	"anchorstream/internal/types"
)

// Latest holds the newest frame. Frames that are replaced before anyone polls them are
// counted as dropped.
type Latest struct {
	mu       sync.Mutex
	frame    types.Frame
	fresh    bool
	pose     types.CameraPose
	received int64
	dropped  int64
}

func NewLatest() *Latest {
	return &Latest{pose: types.IdentityPose}
}

func (l *Latest) Put(frame types.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fresh {
		l.dropped++
	}
	l.frame = frame
	l.fresh = true
	l.pose = frame.Pose
	l.received++
}

// SetPose records a tracking update that arrived without a frame.
func (l *Latest) SetPose(pose types.CameraPose) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pose = pose
}

// Poll returns the newest frame once.
func (l *Latest) Poll() (types.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fresh {
		return types.Frame{}, false
	}
	l.fresh = false
	return l.frame, true
}

// Pose returns the newest camera pose.
func (l *Latest) Pose() types.CameraPose {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pose
}

func (l *Latest) Counts() (received, dropped int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received, l.dropped
}
