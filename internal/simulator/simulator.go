// Package simulator produces synthetic capture events so the pipeline can run without a
// device.
package simulator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"

	"anchorstream/internal/ingest"
	"anchorstream/internal/types"
)

type Config struct {
	Intrinsics types.CameraIntrinsics
	FPS        float64
	// EyeHeight is the camera height above the floor.
	EyeHeight float64
	// SweepRate is the camera yaw speed in radians per second.
	SweepRate float64
	// RecenterEvery emits a recenter event every n frames; zero disables it.
	RecenterEvery int
}

// Stream emits a start event followed by frames at cfg.FPS. The camera stands still and
// slowly turns about the vertical axis, tilted slightly down.
func Stream(ctx context.Context, cfg Config) <-chan ingest.Event {
	out := make(chan ingest.Event)
	go func() {
		defer close(out)

		if cfg.FPS <= 0 {
			cfg.FPS = 30
		}
		width, height := cfg.Intrinsics.Width, cfg.Intrinsics.Height
		frameInterval := time.Duration(float64(time.Second) / cfg.FPS)
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		if !send(ctx, out, ingest.Event{Type: ingest.EventStart, Intrinsics: cfg.Intrinsics}) {
			return
		}

		base := make([]float64, width*height)
		for i := range base {
			x := float64(i%width) / float64(width)
			y := float64(i/width) / float64(height)
			base[i] = 0.5 + 0.5*math.Sin(6*x)*math.Cos(4*y)
		}

		start := time.Now()
		var frameID int64
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t := now.Sub(start).Seconds()
				pose := Pose(cfg.EyeHeight, cfg.SweepRate*t)
				pix := make([]byte, width*height*4)
				shift := t * 0.5
				for i, b := range base {
					noise := rand.NormFloat64() * 0.02
					v := clampByte((b + noise) * 255)
					w := clampByte((0.5 + 0.5*math.Sin(b*6+shift)) * 255)
					pix[i*4+0] = v
					pix[i*4+1] = w
					pix[i*4+2] = 255 - v
					pix[i*4+3] = 255
				}
				ev := ingest.Event{
					Type:    ingest.EventFrame,
					FrameID: frameID,
					Pose:    pose,
					Frame: types.Frame{
						Width:     width,
						Height:    height,
						Pix:       pix,
						Pose:      pose,
						Timestamp: now,
					},
				}
				if !send(ctx, out, ev) {
					return
				}
				frameID++
				if cfg.RecenterEvery > 0 && frameID%int64(cfg.RecenterEvery) == 0 {
					if !send(ctx, out, ingest.Event{Type: ingest.EventRecenter}) {
						return
					}
				}
			}
		}
	}()

	return out
}

// Pose returns a camera at the given height, rotated yaw radians about +y and pitched
// down by a fixed angle.
func Pose(height, yaw float64) types.CameraPose {
	const pitch = 0.35
	sy, cy := math.Sincos(yaw / 2)
	sp, cp := math.Sincos(pitch / 2)
	// yaw about y, then pitch about x
	q := types.Quaternion{
		X: cy * sp,
		Y: sy * cp,
		Z: -sy * sp,
		W: cy * cp,
	}
	return types.CameraPose{Position: r3.Vector{Y: height}, Rotation: q}
}

func send(ctx context.Context, out chan<- ingest.Event, ev ingest.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
