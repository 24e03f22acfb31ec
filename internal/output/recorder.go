// Package output persists session traffic and marker tracks.
package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"anchorstream/internal/types"
)

// RecordMagic starts every session recording.
const RecordMagic = "ANCHREC1"

const headerSize = 12

// MaxRecordBytes bounds a single record read back from a recording.
const MaxRecordBytes = 64 << 20

// Record kinds.
const (
	KindFrame       = "frame"
	KindInstruction = "instruction"
	KindError       = "error"
)

// Record is one entry of a session recording. Frames are stored as metadata only.
type Record struct {
	Kind     string               `cbor:"kind"`
	Metadata *types.ImageMetadata `cbor:"metadata,omitempty"`
	Body     []byte               `cbor:"body,omitempty"`
}

// Recorder appends length-prefixed CBOR records to a file:
// magic, then per record an 8 byte little-endian unix-nanosecond timestamp, a 4 byte
// payload length and the payload.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	path   string
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewRecorder(outputDir, prefix string, logger *zap.SugaredLogger) (*Recorder, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create record directory")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create recording")
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.WriteString(RecordMagic); err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	if err := w.Flush(); err != nil {
		return nil, multierr.Combine(err, f.Close())
	}
	logger.Infow("recording session", "path", filename)
	return &Recorder{
		f:      f,
		w:      w,
		path:   filename,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) RecordFrame(frame types.Frame, pose types.CameraPose) {
	at := frame.Timestamp
	if at.IsZero() {
		at = r.now()
	}
	meta := types.NewImageMetadata(at, frame.Width, frame.Height, pose)
	r.write(Record{Kind: KindFrame, Metadata: &meta})
}

func (r *Recorder) RecordInstruction(body []byte) {
	r.write(Record{Kind: KindInstruction, Body: body})
}

func (r *Recorder) RecordError(body []byte) {
	r.write(Record{Kind: KindError, Body: body})
}

func (r *Recorder) write(rec Record) {
	payload, err := cbor.Marshal(rec)
	if err == nil {
		err = r.Record(payload)
	}
	if err != nil {
		r.logger.Warnw("cannot record", "kind", rec.Kind, "error", err)
	}
}

// Record appends one raw payload.
func (r *Recorder) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("recorder is closed")
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(r.now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := multierr.Combine(r.w.Flush(), r.f.Close())
	r.w = nil
	return err
}

// Entry is a record read back with its write time.
type Entry struct {
	At      time.Time
	Payload []byte
}

// ReadRecords calls fn for every record in a recording until fn returns an error or the
// input ends.
func ReadRecords(in io.Reader, fn func(Entry) error) error {
	magic := make([]byte, len(RecordMagic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return errors.Wrap(err, "read magic")
	}
	if string(magic) != RecordMagic {
		return errors.Errorf("unexpected recording magic %q", string(magic))
	}
	for {
		var header [headerSize]byte
		if _, err := io.ReadFull(in, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "read record header")
		}
		ts := int64(binary.LittleEndian.Uint64(header[:8]))
		size := binary.LittleEndian.Uint32(header[8:12])
		if size > MaxRecordBytes {
			return errors.Errorf("record size %d exceeds %d bytes", size, MaxRecordBytes)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(in, payload); err != nil {
			return errors.Wrap(err, "read payload")
		}
		if err := fn(Entry{At: time.Unix(0, ts), Payload: payload}); err != nil {
			return err
		}
	}
}

// DecodeRecord parses an entry payload written by Recorder.
func DecodeRecord(payload []byte) (Record, error) {
	var rec Record
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return Record{}, errors.Wrap(err, "decode record")
	}
	return rec, nil
}
