// Package ingest receives camera frames, poses and tracking events from the capture
// device over ZMQ.
package ingest

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"anchorstream/internal/processing"
	"anchorstream/internal/types"
)

// Event types sent by the capture device.
const (
	EventStart    = "start"
	EventFrame    = "frame"
	EventPose     = "pose"
	EventRecenter = "recenter"
	EventEnd      = "end"
)

const recvTimeout = 250 * time.Millisecond

// Event is one decoded capture message. Frame is set for frame events, Pose for frame and
// pose events, Intrinsics for start events.
type Event struct {
	Type       string
	FrameID    int64
	Frame      types.Frame
	Pose       types.CameraPose
	Intrinsics types.CameraIntrinsics
}

type Config struct {
	Endpoint string
	LogEvery int
}

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Stream connects a PULL socket to the capture endpoint and returns decoded events.
// Expects CBOR maps shaped like:
// { "type": "frame", "frame_id": <int>, "timestamp": <float seconds>, "width": <int>,
// "height": <int>, "format": "rgba8", "flip_rows": <bool>, "pixels": <bytes>,
// "pose": { "position": {x,y,z}, "rotation": {x,y,z,w} } }
func Stream(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (<-chan Event, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, errors.Wrap(err, "create capture socket")
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, "set receive timeout")
	}
	if err := socket.Connect(cfg.Endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrapf(err, "connect %s", cfg.Endpoint)
	}
	logger.Infow("capture connected", "endpoint", cfg.Endpoint)

	d := newDecoder(cfg.LogEvery, logger)
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				d.logEveryN("capture recv error", "error", err)
				continue
			}

			ev, err := d.decode(msg)
			if err != nil {
				d.logEveryN("capture message skipped", "error", err)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
			if ev.Type == EventEnd {
				logger.Info("capture ended")
				return
			}
		}
	}()

	return out, nil
}

// Forward routes frame events into latest and everything else to control, until events is
// closed or ctx is done.
func Forward(ctx context.Context, events <-chan Event, latest *Latest, control func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case EventFrame:
				latest.Put(ev.Frame)
			case EventPose:
				latest.SetPose(ev.Pose)
			default:
				if control != nil {
					control(ev)
				}
			}
		}
	}
}

type decoder struct {
	logEvery int
	counter  int
	logger   *zap.SugaredLogger
}

func newDecoder(logEvery int, logger *zap.SugaredLogger) *decoder {
	if logEvery < 1 {
		logEvery = 1
	}
	return &decoder{logEvery: logEvery, logger: logger}
}

func (d *decoder) logEveryN(msg string, keysAndValues ...any) {
	d.counter++
	if d.counter%d.logEvery == 0 {
		d.logger.Warnw(msg, keysAndValues...)
	}
}

func (d *decoder) decode(msg []byte) (Event, error) {
	var payload map[string]any
	if err := decMode.Unmarshal(msg, &payload); err != nil {
		return Event{}, errors.Wrap(err, "CBOR decode")
	}

	msgType, _ := payload["type"].(string)
	switch msgType {
	case EventStart:
		in, err := decodeIntrinsics(payload["intrinsics"])
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventStart, Intrinsics: in}, nil
	case EventFrame:
		return decodeFrame(payload)
	case EventPose:
		pose, err := decodePose(payload["pose"])
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventPose, Pose: pose}, nil
	case EventRecenter, EventEnd:
		return Event{Type: msgType}, nil
	default:
		return Event{}, fmt.Errorf("unknown message type %q", msgType)
	}
}

func decodeFrame(payload map[string]any) (Event, error) {
	frameID, err := toInt(payload["frame_id"])
	if err != nil {
		return Event{}, errors.Wrap(err, "frame_id")
	}
	width, err := toInt(payload["width"])
	if err != nil {
		return Event{}, errors.Wrap(err, "width")
	}
	height, err := toInt(payload["height"])
	if err != nil {
		return Event{}, errors.Wrap(err, "height")
	}
	format, _ := payload["format"].(string)
	if format == "" {
		format = processing.FormatRGBA8
	}
	flip, _ := payload["flip_rows"].(bool)

	pixels, _, err := decodePixels(payload["pixels"])
	if err != nil {
		return Event{}, err
	}
	rgba, err := processing.ToRGBA(format, width, height, pixels, flip, nil)
	if err != nil {
		return Event{}, err
	}

	pose := types.IdentityPose
	if raw, ok := payload["pose"]; ok && raw != nil {
		pose, err = decodePose(raw)
		if err != nil {
			return Event{}, err
		}
	}

	at := time.Now()
	if raw, ok := payload["timestamp"]; ok {
		seconds, err := toFloat(raw)
		if err != nil {
			return Event{}, errors.Wrap(err, "timestamp")
		}
		whole, frac := math.Modf(seconds)
		at = time.Unix(int64(whole), int64(frac*1e9))
	}

	return Event{
		Type:    EventFrame,
		FrameID: int64(frameID),
		Pose:    pose,
		Frame: types.Frame{
			Width:     width,
			Height:    height,
			Pix:       rgba,
			Pose:      pose,
			Timestamp: at,
		},
	}, nil
}

func decodePose(value any) (types.CameraPose, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return types.CameraPose{}, errors.New("invalid pose")
	}
	position, err := floats(m["position"], "x", "y", "z")
	if err != nil {
		return types.CameraPose{}, errors.Wrap(err, "pose position")
	}
	rotation, err := floats(m["rotation"], "x", "y", "z", "w")
	if err != nil {
		return types.CameraPose{}, errors.Wrap(err, "pose rotation")
	}
	doc := types.CameraPoseDoc{
		Position: types.Vector3Doc{X: position[0], Y: position[1], Z: position[2]},
		Rotation: types.QuaternionDoc{X: rotation[0], Y: rotation[1], Z: rotation[2], W: rotation[3]},
	}
	return doc.Pose(), nil
}

func decodeIntrinsics(value any) (types.CameraIntrinsics, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return types.CameraIntrinsics{}, errors.New("invalid intrinsics")
	}
	width, err := toInt(m["width"])
	if err != nil {
		return types.CameraIntrinsics{}, errors.Wrap(err, "intrinsics width")
	}
	height, err := toInt(m["height"])
	if err != nil {
		return types.CameraIntrinsics{}, errors.Wrap(err, "intrinsics height")
	}
	focal, err := floats(value, "fx", "fy", "cx", "cy")
	if err != nil {
		return types.CameraIntrinsics{}, errors.Wrap(err, "intrinsics")
	}
	return types.CameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     focal[0],
		Fy:     focal[1],
		Cx:     focal[2],
		Cy:     focal[3],
	}, nil
}

func floats(value any, keys ...string) ([]float64, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", value)
	}
	out := make([]float64, len(keys))
	for i, key := range keys {
		v, err := toFloat(m[key])
		if err != nil {
			return nil, errors.Wrap(err, key)
		}
		out[i] = v
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}
