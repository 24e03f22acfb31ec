// Package orchestrator drives the capture cadence and turns server instructions into
// marker changes. All methods must be called from the owner goroutine.
package orchestrator

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"anchorstream/internal/display"
	"anchorstream/internal/geometry"
	"anchorstream/internal/mainloop"
	"anchorstream/internal/reconcile"
	"anchorstream/internal/transport"
	"anchorstream/internal/types"
)

const (
	DefaultSendInterval = time.Second

	StatusPaused    = "Detection paused.\nPress play to resume."
	StatusResumed   = "Detection running."
	StatusRecenter  = "Tracking recentered. Waiting for new instructions..."
	rawErrorPreview = 100
)

// Sender is a transport that accepts one frame at a time.
type Sender interface {
	Send(frame types.Frame, pose types.CameraPose) bool
	Busy() bool
}

// FrameSource yields the newest captured frame, at most once per frame.
type FrameSource interface {
	Poll() (types.Frame, bool)
	Pose() types.CameraPose
}

// Recorder receives the traffic of a session.
type Recorder interface {
	RecordFrame(frame types.Frame, pose types.CameraPose)
	RecordInstruction(body []byte)
	RecordError(body []byte)
}

type Config struct {
	SendInterval time.Duration
	Intrinsics   types.CameraIntrinsics
	StartRunning bool
}

// Placed is emitted for every marker shown.
type Placed struct {
	Label     string
	Placement geometry.Placement
	At        time.Time
}

type Orchestrator struct {
	OnPlaced mainloop.Signal[Placed]

	cfg       Config
	logger    *zap.SugaredLogger
	source    FrameSource
	sender    Sender
	display   display.Display
	rays      display.RayDrawer
	status    display.StatusSink
	raycaster geometry.Raycaster
	recorder  Recorder

	markers    map[string]types.Marker
	paused     bool
	sendFrames bool
	closed     bool
	elapsed    time.Duration

	sentPose types.CameraPose
	hasSent  bool

	stats Stats
	now   func() time.Time
}

// Stats counts what the orchestrator did.
type Stats struct {
	FramesSent     int
	SkippedBusy    int
	SkippedNoFrame int
	Instructions   int
	Errors         int
	Discarded      int
}

type Option func(*Orchestrator)

// WithRaycaster sets the surface query used to place markers. Without one, instructions
// update the status text but markers are not placed.
func WithRaycaster(rc geometry.Raycaster) Option {
	return func(o *Orchestrator) { o.raycaster = rc }
}

// WithStatusSink sets where status text is shown. Without one, status text is dropped.
func WithStatusSink(s display.StatusSink) Option {
	return func(o *Orchestrator) { o.status = s }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func New(cfg Config, source FrameSource, sender Sender, disp display.Display, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		source:     source,
		sender:     sender,
		display:    disp,
		markers:    make(map[string]types.Marker),
		paused:     !cfg.StartRunning,
		sendFrames: true,
		now:        time.Now,
	}
	if rd, ok := disp.(display.RayDrawer); ok {
		o.rays = rd
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetIntrinsics replaces the camera model, e.g. when the capture device announces it.
func (o *Orchestrator) SetIntrinsics(in types.CameraIntrinsics) {
	o.cfg.Intrinsics = in
}

func (o *Orchestrator) Paused() bool { return o.paused }

// SetPaused stops or resumes sending. Results that arrive while paused are discarded.
func (o *Orchestrator) SetPaused(paused bool) {
	if o.paused == paused {
		return
	}
	o.paused = paused
	o.elapsed = 0
	if paused {
		o.logger.Info("paused")
		o.setStatus(StatusPaused)
		return
	}
	o.logger.Info("resumed")
	o.setStatus(StatusResumed)
}

// SetSendFrames toggles frame sending without pausing instruction handling.
func (o *Orchestrator) SetSendFrames(send bool) {
	o.sendFrames = send
}

func (o *Orchestrator) Stats() Stats { return o.stats }

// Markers returns a copy of the current marker map.
func (o *Orchestrator) Markers() map[string]types.Marker {
	out := make(map[string]types.Marker, len(o.markers))
	for k, v := range o.markers {
		out[k] = v
	}
	return out
}

// Tick advances the send cadence by dt and sends at most one frame per interval.
func (o *Orchestrator) Tick(dt time.Duration) {
	if o.closed || o.paused {
		return
	}
	o.elapsed += dt
	if o.elapsed < o.cfg.SendInterval {
		return
	}
	if !o.sendFrames {
		o.logger.Debug("not sending: frame sending is off")
		return
	}
	if o.sender == nil {
		o.logger.Warn("not sending: no transport")
		return
	}
	if o.sender.Busy() {
		o.stats.SkippedBusy++
		return
	}
	if o.source == nil {
		o.stats.SkippedNoFrame++
		return
	}
	frame, ok := o.source.Poll()
	if !ok {
		o.stats.SkippedNoFrame++
		return
	}
	pose := frame.Pose
	if !o.sender.Send(frame, pose) {
		o.stats.SkippedBusy++
		return
	}
	o.elapsed = 0
	o.sentPose = pose
	o.hasSent = true
	o.stats.FramesSent++
	o.logger.Debugw("frame sent", "width", frame.Width, "height", frame.Height)
	if o.recorder != nil {
		o.recorder.RecordFrame(frame, pose)
	}
}

// HandleInstruction applies one instruction body from either transport.
func (o *Orchestrator) HandleInstruction(body []byte) {
	if o.discard("instruction") {
		return
	}
	if o.recorder != nil {
		o.recorder.RecordInstruction(body)
	}
	instruction, err := transport.DecodeInstruction(body)
	if err != nil {
		o.stats.Errors++
		o.logger.Warnw("cannot parse instruction", "error", err)
		o.setStatus(fmt.Sprintf("Error: %v", err))
		return
	}
	o.stats.Instructions++
	o.setStatus(StatusText(instruction))

	if len(instruction.Detections) == 0 {
		o.logger.Debug("no objects in instruction, markers unchanged")
		return
	}
	if o.raycaster == nil {
		o.logger.Warn("no surface query configured, markers not placed")
		return
	}
	if o.display == nil {
		o.logger.Warn("no marker display configured, markers not placed")
		return
	}
	if err := geometry.CheckIntrinsics(o.cfg.Intrinsics); err != nil {
		o.logger.Warnw("cannot place markers", "error", err)
		return
	}

	pose := o.sentPose
	if !o.hasSent && o.source != nil {
		pose = o.source.Pose()
	}
	plan := reconcile.Reconcile(o.markers, instruction, func(u, v float64) geometry.Placement {
		return geometry.ResolvePlacement(u, v, o.cfg.Intrinsics, pose, o.raycaster)
	})
	o.apply(plan)
}

// HandleError reports an error body as status text.
func (o *Orchestrator) HandleError(body []byte) {
	if o.closed {
		return
	}
	o.stats.Errors++
	if o.recorder != nil {
		o.recorder.RecordError(body)
	}
	o.logger.Warnw("error received", "body", string(body))
	msg, err := transport.DecodeError(body)
	if err != nil {
		o.setStatus("HTTP Error (raw): " + preview(string(body), rawErrorPreview))
		return
	}
	o.setStatus("Error: " + msg)
}

// HandleStreamMessage routes an inbound stream message. Binary messages are ignored.
func (o *Orchestrator) HandleStreamMessage(m transport.Message) {
	if !m.IsText() {
		o.logger.Debugw("ignoring binary stream message", "bytes", len(m.Data))
		return
	}
	if isErrorDocument(m.Data) {
		o.HandleError(m.Data)
		return
	}
	o.HandleInstruction(m.Data)
}

// Recenter destroys every marker without reconciling.
func (o *Orchestrator) Recenter() {
	o.clearMarkers()
	o.setStatus(StatusRecenter)
	o.logger.Info("tracking recentered, markers cleared")
}

// Close removes every marker and ignores later results.
func (o *Orchestrator) Close() {
	if o.closed {
		return
	}
	o.clearMarkers()
	o.closed = true
}

func (o *Orchestrator) discard(what string) bool {
	if o.closed || o.paused {
		o.stats.Discarded++
		o.logger.Debugw("discarding late result", "kind", what, "paused", o.paused, "closed", o.closed)
		return true
	}
	return false
}

func (o *Orchestrator) apply(plan reconcile.Plan) {
	for _, m := range plan.Remove {
		o.removeVisual(m)
		delete(o.markers, m.Label)
	}
	for _, c := range plan.CreateOrUpdate {
		if o.rays != nil {
			o.rays.DrawRay(c.Label, c.Placement)
		}
		handle, err := o.display.Show(c.Label, c.Point)
		if err != nil {
			o.logger.Warnw("cannot show marker", "label", c.Label, "error", err)
			continue
		}
		o.markers[c.Label] = types.Marker{Label: c.Label, Position: c.Point, Handle: handle}
		o.OnPlaced.Emit(Placed{Label: c.Label, Placement: c.Placement, At: o.now()})
		o.logger.Debugw("marker placed", "label", c.Label, "hit", c.Placement.Hit, "distance", c.Placement.Distance)
	}
}

func (o *Orchestrator) clearMarkers() {
	for label, m := range o.markers {
		o.removeVisual(m)
		delete(o.markers, label)
	}
}

func (o *Orchestrator) removeVisual(m types.Marker) {
	if o.display == nil || m.Handle == "" {
		return
	}
	if err := o.display.Remove(m.Handle); err != nil {
		o.logger.Warnw("cannot remove marker", "label", m.Label, "error", err)
	}
}

func (o *Orchestrator) setStatus(text string) {
	if o.status != nil {
		o.status.SetStatus(text)
	}
}

// StatusText renders an instruction for the status display.
func StatusText(in types.Instruction) string {
	var b strings.Builder
	b.WriteString("Status: ")
	b.WriteString(in.Status)
	if in.Message != "" {
		b.WriteString("\nMsg: ")
		b.WriteString(in.Message)
	}
	if len(in.Detections) == 0 {
		b.WriteString("\nNo objects in instruction")
		return b.String()
	}
	labels := make([]string, 0, len(in.Detections))
	for _, d := range in.Detections {
		labels = append(labels, d.Label)
	}
	b.WriteString("\nObjects: ")
	b.WriteString(strings.Join(labels, ", "))
	return b.String()
}

func isErrorDocument(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if !bytes.Contains(trimmed, []byte(`"error"`)) || bytes.Contains(trimmed, []byte(`"current_task_status"`)) {
		return false
	}
	_, err := transport.DecodeError(trimmed)
	return err == nil
}

// preview returns at most n runes of s.
func preview(s string, n int) string {
	count := 0
	for pos := range s {
		if count == n {
			return s[:pos]
		}
		count++
	}
	return s
}
