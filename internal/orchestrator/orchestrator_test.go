package orchestrator

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"anchorstream/internal/display"
	"anchorstream/internal/geometry"
	"anchorstream/internal/transport"
	"anchorstream/internal/types"
)

var intrinsics = types.CameraIntrinsics{Width: 100, Height: 100, Fx: 100, Fy: 100, Cx: 50, Cy: 50}

type fakeSender struct {
	busy  bool
	sent  []types.CameraPose
	fails bool
}

func (s *fakeSender) Send(_ types.Frame, pose types.CameraPose) bool {
	if s.busy || s.fails {
		return false
	}
	s.sent = append(s.sent, pose)
	return true
}

func (s *fakeSender) Busy() bool { return s.busy }

type fakeSource struct {
	frames []types.Frame
	pose   types.CameraPose
}

func (s *fakeSource) Poll() (types.Frame, bool) {
	if len(s.frames) == 0 {
		return types.Frame{}, false
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true
}

func (s *fakeSource) Pose() types.CameraPose { return s.pose }

func (s *fakeSource) push(n int, pose types.CameraPose) {
	for i := 0; i < n; i++ {
		s.frames = append(s.frames, types.Frame{Width: 2, Height: 2, Pix: make([]byte, 16), Pose: pose})
	}
}

type missRaycaster struct{}

func (missRaycaster) Raycast(geometry.Ray, float64) (r3.Vector, bool, error) {
	return r3.Vector{}, false, nil
}

type recorder struct {
	frames, instructions, errors int
}

func (r *recorder) RecordFrame(types.Frame, types.CameraPose) { r.frames++ }
func (r *recorder) RecordInstruction([]byte)                  { r.instructions++ }
func (r *recorder) RecordError([]byte)                        { r.errors++ }

type fixture struct {
	o       *Orchestrator
	source  *fakeSource
	sender  *fakeSender
	display *display.LogDisplay
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	source := &fakeSource{pose: types.IdentityPose}
	sender := &fakeSender{}
	disp := display.NewLogDisplay(zaptest.NewLogger(t).Sugar(), true)
	opts = append([]Option{WithRaycaster(missRaycaster{}), WithStatusSink(disp)}, opts...)
	o := New(Config{SendInterval: time.Second, Intrinsics: intrinsics}, source, sender, disp, zaptest.NewLogger(t).Sugar(), opts...)
	return fixture{o: o, source: source, sender: sender, display: disp}
}

func running(t *testing.T, opts ...Option) fixture {
	t.Helper()
	f := newFixture(t, opts...)
	f.o.SetPaused(false)
	return f
}

func instruction(objects string) []byte {
	return []byte(`{"current_task_status":"tracking","objects":[` + objects + `]}`)
}

func TestStartsPaused(t *testing.T) {
	f := newFixture(t)
	f.source.push(3, types.IdentityPose)

	f.o.Tick(5 * time.Second)
	assert.True(t, f.o.Paused())
	assert.Empty(t, f.sender.sent)
}

func TestTickSendsOncePerInterval(t *testing.T) {
	f := running(t)
	f.source.push(5, types.IdentityPose)

	f.o.Tick(500 * time.Millisecond)
	assert.Len(t, f.sender.sent, 0)
	f.o.Tick(500 * time.Millisecond)
	assert.Len(t, f.sender.sent, 1)
	f.o.Tick(999 * time.Millisecond)
	assert.Len(t, f.sender.sent, 1)
	f.o.Tick(time.Millisecond)
	assert.Len(t, f.sender.sent, 2)
	f.o.Tick(10 * time.Second)
	assert.Len(t, f.sender.sent, 3, "a long tick still sends only once")
	assert.Equal(t, 3, f.o.Stats().FramesSent)
}

func TestTickSkipsWhenBusyOrNoFrame(t *testing.T) {
	f := running(t)

	f.o.Tick(time.Second)
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.o.Stats().SkippedNoFrame)

	f.source.push(1, types.IdentityPose)
	f.sender.busy = true
	f.o.Tick(time.Second)
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.o.Stats().SkippedBusy)
	assert.Len(t, f.source.frames, 1, "busy transport leaves the frame in place")

	f.sender.busy = false
	f.o.Tick(0)
	assert.Len(t, f.sender.sent, 1)
}

func TestTickRespectsSendFramesToggle(t *testing.T) {
	f := running(t)
	f.source.push(1, types.IdentityPose)
	f.o.SetSendFrames(false)

	f.o.Tick(2 * time.Second)
	assert.Empty(t, f.sender.sent)

	f.o.SetSendFrames(true)
	f.o.Tick(0)
	assert.Len(t, f.sender.sent, 1)
}

func TestPauseResetsCadenceAndStatus(t *testing.T) {
	f := running(t)
	assert.Equal(t, StatusResumed, f.display.Status())
	f.source.push(2, types.IdentityPose)
	f.o.Tick(900 * time.Millisecond)

	f.o.SetPaused(true)
	assert.Equal(t, StatusPaused, f.display.Status())
	f.o.SetPaused(false)
	f.o.Tick(500 * time.Millisecond)
	assert.Empty(t, f.sender.sent)
}

func TestInstructionCreatesMovesAndRemovesMarkers(t *testing.T) {
	rec := &recorder{}
	f := running(t, WithRecorder(rec))

	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}},{"title":"door","coordinates":{"x":0.1,"y":0.9}}`))
	markers := f.o.Markers()
	require.Len(t, markers, 2)
	assert.InDelta(t, 1.0, markers["cup"].Position.Z, 1e-9)
	assert.Equal(t, 2, f.display.Len())

	cupHandle := markers["cup"].Handle
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":1.0,"y":0.5}}`))
	markers = f.o.Markers()
	require.Len(t, markers, 1)
	assert.NotEqual(t, cupHandle, markers["cup"].Handle)
	assert.Greater(t, markers["cup"].Position.X, 0.0)
	assert.Equal(t, 1, f.display.Len())
	assert.Equal(t, 2, rec.instructions)
}

func TestEmptyInstructionKeepsMarkers(t *testing.T) {
	f := running(t)
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	before := f.o.Markers()

	f.o.HandleInstruction([]byte(`{"current_task_status":"thinking","objects":[]}`))
	f.o.HandleInstruction([]byte(`{"current_task_status":"thinking"}`))
	assert.Equal(t, before, f.o.Markers())
	assert.Equal(t, "Status: thinking\nNo objects in instruction", f.display.Status())
}

func TestMissingCoordinatesKeepMarker(t *testing.T) {
	f := running(t)
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}},{"title":"door","coordinates":{"x":0.2,"y":0.2}}`))
	cup := f.o.Markers()["cup"]

	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":null},{"title":"lamp","coordinates":{"x":0.5,"y":0.5}}`))
	markers := f.o.Markers()
	assert.Equal(t, cup, markers["cup"])
	assert.Contains(t, markers, "lamp")
	assert.NotContains(t, markers, "door")
	assert.Equal(t, 2, f.display.Len())
}

func TestDuplicateLabelsLeaveOneMarker(t *testing.T) {
	f := running(t)
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.0,"y":0.5}},{"title":"cup","coordinates":{"x":1.0,"y":0.5}}`))
	markers := f.o.Markers()
	require.Len(t, markers, 1)
	assert.Greater(t, markers["cup"].Position.X, 0.0)
	assert.Equal(t, 1, f.display.Len())
}

func TestInstructionUsesPoseSentWithFrame(t *testing.T) {
	f := running(t)
	sentPose := types.CameraPose{Position: r3.Vector{X: 5}, Rotation: types.IdentityQuaternion}
	f.source.push(1, sentPose)
	f.o.Tick(time.Second)
	require.Len(t, f.sender.sent, 1)

	f.source.pose = types.CameraPose{Position: r3.Vector{X: -5}, Rotation: types.IdentityQuaternion}
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	pos := f.o.Markers()["cup"].Position
	assert.InDelta(t, 5.0, pos.X, 1e-9)
	assert.InDelta(t, 1.0, pos.Z, 1e-9)
}

func TestInstructionBeforeAnySendUsesCurrentPose(t *testing.T) {
	f := running(t)
	f.source.pose = types.CameraPose{Position: r3.Vector{Y: 2}, Rotation: types.IdentityQuaternion}
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	assert.InDelta(t, 2.0, f.o.Markers()["cup"].Position.Y, 1e-9)
}

func TestInstructionWithSurfaceHit(t *testing.T) {
	f := running(t, WithRaycaster(&geometry.PlaneRaycaster{Point: r3.Vector{Z: 3}, Normal: r3.Vector{Z: -1}}))
	f.o.HandleInstruction(instruction(`{"title":"wall","coordinates":{"x":0.5,"y":0.5}}`))
	assert.InDelta(t, 3.0, f.o.Markers()["wall"].Position.Z, 1e-9)
}

func TestNoRaycasterSkipsMarkers(t *testing.T) {
	f := running(t, WithRaycaster(nil))
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	assert.Empty(t, f.o.Markers())
	assert.Equal(t, "Status: tracking\nObjects: cup", f.display.Status())
}

func TestInvalidIntrinsicsSkipMarkers(t *testing.T) {
	f := running(t)
	f.o.SetIntrinsics(types.CameraIntrinsics{})
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	assert.Empty(t, f.o.Markers())
}

func TestMalformedInstructionSetsStatus(t *testing.T) {
	f := running(t)
	f.o.HandleInstruction([]byte(`not json`))
	assert.True(t, strings.HasPrefix(f.display.Status(), "Error: "))
	assert.Equal(t, 1, f.o.Stats().Errors)
}

func TestResultsWhilePausedAreDiscarded(t *testing.T) {
	f := running(t)
	f.o.SetPaused(true)
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	assert.Empty(t, f.o.Markers())
	assert.Equal(t, 1, f.o.Stats().Discarded)
}

func TestHandleError(t *testing.T) {
	rec := &recorder{}
	f := running(t, WithRecorder(rec))

	f.o.HandleError([]byte(`{"error":"model offline"}`))
	assert.Equal(t, "Error: model offline", f.display.Status())

	raw := strings.Repeat("x", 150)
	f.o.HandleError([]byte(raw))
	assert.Equal(t, "HTTP Error (raw): "+strings.Repeat("x", 100), f.display.Status())
	assert.Equal(t, 2, rec.errors)
}

func TestHandleErrorPreviewKeepsRunesWhole(t *testing.T) {
	f := running(t)

	f.o.HandleError([]byte(strings.Repeat("é", 150)))
	shown := strings.TrimPrefix(f.display.Status(), "HTTP Error (raw): ")
	assert.True(t, utf8.ValidString(shown))
	assert.Equal(t, strings.Repeat("é", 100), shown)

	f.o.HandleError([]byte(strings.Repeat("x", 99) + "日本"))
	shown = strings.TrimPrefix(f.display.Status(), "HTTP Error (raw): ")
	assert.True(t, utf8.ValidString(shown))
	assert.Equal(t, strings.Repeat("x", 99)+"日", shown)
}

func TestStatusNeedsSink(t *testing.T) {
	disp := display.NewLogDisplay(zaptest.NewLogger(t).Sugar(), false)
	o := New(Config{Intrinsics: intrinsics}, &fakeSource{pose: types.IdentityPose}, &fakeSender{}, disp, zaptest.NewLogger(t).Sugar())
	o.SetPaused(false)
	assert.Empty(t, disp.Status())
}

func TestHandleStreamMessage(t *testing.T) {
	f := running(t)
	f.o.HandleStreamMessage(transport.Message{Type: websocket.TextMessage, Data: []byte(`{"error":"busy"}`)})
	assert.Equal(t, "Error: busy", f.display.Status())

	f.o.HandleStreamMessage(transport.Message{Type: websocket.BinaryMessage, Data: []byte{1, 2}})
	assert.Equal(t, "Error: busy", f.display.Status())

	f.o.HandleStreamMessage(transport.Message{Type: websocket.TextMessage, Data: instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`)})
	assert.Contains(t, f.o.Markers(), "cup")
}

func TestRecenterClearsEveryMarker(t *testing.T) {
	f := running(t)
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}},{"title":"door","coordinates":{"x":0.2,"y":0.2}}`))
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":null},{"title":"door","coordinates":{"x":0.3,"y":0.3}}`))
	require.Len(t, f.o.Markers(), 2)

	f.o.Recenter()
	assert.Empty(t, f.o.Markers())
	assert.Equal(t, 0, f.display.Len())
	assert.Equal(t, StatusRecenter, f.display.Status())
}

func TestCloseRemovesMarkersAndIgnoresLateResults(t *testing.T) {
	f := running(t)
	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}}`))
	f.o.Close()
	assert.Equal(t, 0, f.display.Len())

	f.o.HandleInstruction(instruction(`{"title":"door","coordinates":{"x":0.5,"y":0.5}}`))
	f.o.HandleError([]byte(`{"error":"late"}`))
	assert.Empty(t, f.o.Markers())
	f.source.push(1, types.IdentityPose)
	f.o.Tick(time.Minute)
	assert.Empty(t, f.sender.sent)
}

func TestStatusText(t *testing.T) {
	got := StatusText(types.Instruction{
		Status:     "find the cup",
		Message:    "look left",
		Detections: []types.Detection{{Label: "cup"}, {Label: "door"}},
	})
	assert.Equal(t, "Status: find the cup\nMsg: look left\nObjects: cup, door", got)
}

func TestOnPlacedReportsEveryShownMarker(t *testing.T) {
	f := running(t)
	var placed []Placed
	defer f.o.OnPlaced.Subscribe(func(p Placed) { placed = append(placed, p) })()

	f.o.HandleInstruction(instruction(`{"title":"cup","coordinates":{"x":0.5,"y":0.5}},{"title":"door","coordinates":null}`))
	require.Len(t, placed, 1)
	assert.Equal(t, "cup", placed[0].Label)
	assert.False(t, placed[0].Placement.Hit)
	assert.InDelta(t, 1.0, placed[0].Placement.Distance, 1e-9)
}
