package output

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"anchorstream/internal/processing"
	"anchorstream/internal/types"
)

func TestRecorderWritesReadableRecords(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "session", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	pose := types.CameraPose{Position: r3.Vector{X: 1}, Rotation: types.IdentityQuaternion}
	rec.RecordFrame(types.Frame{Width: 4, Height: 3, Timestamp: time.Unix(10, 0)}, pose)
	rec.RecordInstruction([]byte(`{"current_task_status":"ok"}`))
	rec.RecordError([]byte(`{"error":"x"}`))
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	assert.Error(t, rec.Record([]byte{1}))

	f, err := os.Open(rec.Path())
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	require.NoError(t, ReadRecords(f, func(e Entry) error {
		r, err := DecodeRecord(e.Payload)
		if err != nil {
			return err
		}
		records = append(records, r)
		return nil
	}))
	require.Len(t, records, 3)
	assert.Equal(t, KindFrame, records[0].Kind)
	assert.Equal(t, 4, records[0].Metadata.Width)
	assert.Equal(t, 1.0, records[0].Metadata.CameraPose.Position.X)
	assert.Equal(t, KindInstruction, records[1].Kind)
	assert.Equal(t, `{"error":"x"}`, string(records[2].Body))
}

func TestReadRecordsRejectsBadMagic(t *testing.T) {
	err := ReadRecords(strings.NewReader("NOTMAGIC"), func(Entry) error { return nil })
	assert.Error(t, err)
}

func TestReadRecordsRejectsOversizedRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(RecordMagic)
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], 1)
	binary.LittleEndian.PutUint32(header[8:12], 0xFFFFFFFF)
	buf.Write(header[:])

	called := false
	err := ReadRecords(&buf, func(Entry) error { called = true; return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
	assert.False(t, called)
}

func TestNormalizeJSONValue(t *testing.T) {
	payload, err := cbor.Marshal(Record{Kind: KindInstruction, Body: []byte(`{"a":1}`)})
	require.NoError(t, err)
	var decoded any
	require.NoError(t, cbor.Unmarshal(payload, &decoded))

	out, err := json.Marshal(NormalizeJSONValue(decoded))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"instruction","body":{"a":1}}`, string(out))

	assert.Equal(t, map[string]any{"bytes": 2}, NormalizeJSONValue([]byte{0xff, 0xd8}))
}

func TestWriteTracks(t *testing.T) {
	tracks := processing.NewTracks(0)
	tracks.Add("cup", processing.Sample{At: time.Unix(1, 500000000), Position: r3.Vector{X: 1, Y: 2, Z: 3}, Distance: 1, Hit: true})

	path, err := WriteTracks(t.TempDir(), "run", tracks.Snapshot())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "cup, 1.500000, 1.0000, 2.0000, 3.0000, 1.0000, true", lines[1])
}
