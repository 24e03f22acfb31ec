package mockserver

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorstream/internal/types"
)

func postFrame(t *testing.T, url string, image []byte, metadata string) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if image != nil {
		part, err := writer.CreateFormFile("image", "frame.jpg")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, writer.WriteField("metadata", metadata))
	require.NoError(t, writer.Close())

	resp, err := http.Post(url+InstructionPath, writer.FormDataContentType(), body)
	require.NoError(t, err)
	return resp
}

func TestInstructionsEndpoint(t *testing.T) {
	var got Request
	srv := New(func(req Request) (int, []byte) {
		got = req
		return Static(types.InstructionResponse{CurrentTaskStatus: "ok"})(req)
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postFrame(t, ts.URL, []byte{1, 2, 3}, `{"timestamp":"t","width":4,"height":2,"camera_pose":{"position":{"x":1,"y":0,"z":0},"rotation":{"x":0,"y":0,"z":0,"w":1}}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded types.InstructionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "ok", decoded.CurrentTaskStatus)
	assert.Equal(t, []byte{1, 2, 3}, got.Image)
	assert.Equal(t, 4, got.Metadata.Width)
	assert.Equal(t, 1.0, got.Metadata.CameraPose.Position.X)
	assert.EqualValues(t, 1, srv.Frames())
}

func TestInstructionsEndpointRejectsMissingImage(t *testing.T) {
	ts := httptest.NewServer(New(nil, nil).Handler())
	defer ts.Close()

	resp := postFrame(t, ts.URL, nil, `{}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "missing image part")
}

func TestInstructionsEndpointRejectsGet(t *testing.T) {
	ts := httptest.NewServer(New(nil, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + InstructionPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndStatus(t *testing.T) {
	srv := New(nil, nil)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, float64(0), payload["ws_clients"])
	assert.Equal(t, float64(0), payload["frames"])
}

func TestSweepMovesLabels(t *testing.T) {
	sweep := Sweep("cup", "door")
	_, first := sweep(Request{})
	_, second := sweep(Request{})

	var a, b types.InstructionResponse
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	require.Len(t, a.Objects, 2)
	assert.Equal(t, "cup", a.Objects[0].Title)
	assert.NotEqual(t, a.Objects[0].Coordinates.X, b.Objects[0].Coordinates.X)
}
