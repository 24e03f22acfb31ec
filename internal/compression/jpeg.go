// Package compression encodes captured frames into the compressed image payload sent upstream.
package compression

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"anchorstream/internal/types"
)

const (
	DefaultHTTPQuality   = 75
	DefaultStreamQuality = 50
)

var ErrEmptyFrame = errors.New("frame has no pixels")

// Encoder owns a staging image that is reused across frames and only reallocated when the
// frame dimensions change. It is not safe for concurrent use: callers stage a frame and
// must not stage the next one until Encode has returned.
type Encoder struct {
	Quality  int
	MaxWidth int

	staged *image.RGBA
	allocs int
}

func NewEncoder(quality, maxWidth int) *Encoder {
	return &Encoder{Quality: quality, MaxWidth: maxWidth}
}

// Stage copies the frame pixels into the reusable buffer.
func (e *Encoder) Stage(frame types.Frame) error {
	if frame.Width <= 0 || frame.Height <= 0 {
		return errors.Wrapf(ErrEmptyFrame, "size %dx%d", frame.Width, frame.Height)
	}
	need := frame.Width * frame.Height * 4
	if len(frame.Pix) < need {
		return errors.Errorf("frame buffer too small: have %d bytes, need %d", len(frame.Pix), need)
	}
	if e.staged == nil || e.staged.Rect.Dx() != frame.Width || e.staged.Rect.Dy() != frame.Height {
		e.staged = image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
		e.allocs++
	}
	copy(e.staged.Pix, frame.Pix[:need])
	return nil
}

// Encode compresses the staged frame.
func (e *Encoder) Encode() ([]byte, error) {
	if e.staged == nil {
		return nil, ErrEmptyFrame
	}
	var img image.Image = e.staged
	if e.MaxWidth > 0 && e.staged.Rect.Dx() > e.MaxWidth {
		img = imaging.Resize(e.staged, e.MaxWidth, 0, imaging.Linear)
	}
	quality := e.Quality
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	return buf.Bytes(), nil
}

// EncodeFrame stages and encodes in one step.
func (e *Encoder) EncodeFrame(frame types.Frame) ([]byte, error) {
	if err := e.Stage(frame); err != nil {
		return nil, err
	}
	return e.Encode()
}

// Allocations reports how many times the staging buffer was (re)allocated.
func (e *Encoder) Allocations() int {
	return e.allocs
}
