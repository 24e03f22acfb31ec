// Package processing converts captured pixel payloads into frames and keeps per-label
// placement history for a session.
package processing

import (
	"strings"

	"github.com/pkg/errors"
)

// Pixel formats accepted from the capture device.
const (
	FormatRGBA8 = "rgba8"
	FormatBGRA8 = "bgra8"
	FormatRGB8  = "rgb8"
	FormatGray8 = "gray8"
)

// MaxDimension bounds frame width and height.
const MaxDimension = 1 << 15

var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// BytesPerPixel returns the payload stride for format.
func BytesPerPixel(format string) (int, error) {
	switch strings.ToLower(format) {
	case FormatRGBA8, FormatBGRA8:
		return 4, nil
	case FormatRGB8:
		return 3, nil
	case FormatGray8:
		return 1, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedFormat, "%q", format)
	}
}

// ToRGBA converts pix into RGBA rows with row 0 at the top, reusing dst when it is large
// enough. flipRows is set for sources that deliver the bottom row first.
func ToRGBA(format string, width, height int, pix []byte, flipRows bool, dst []byte) ([]byte, error) {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return nil, errors.Errorf("invalid frame size %dx%d", width, height)
	}
	bpp, err := BytesPerPixel(format)
	if err != nil {
		return nil, err
	}
	if len(pix) < width*height*bpp {
		return nil, errors.Errorf("pixel payload too small: have %d bytes, need %d", len(pix), width*height*bpp)
	}
	need := width * height * 4
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]

	format = strings.ToLower(format)
	for y := 0; y < height; y++ {
		srcRow := y
		if flipRows {
			srcRow = height - 1 - y
		}
		src := pix[srcRow*width*bpp : (srcRow+1)*width*bpp]
		out := dst[y*width*4 : (y+1)*width*4]
		switch format {
		case FormatRGBA8:
			copy(out, src)
		case FormatBGRA8:
			for x := 0; x < width; x++ {
				out[x*4+0] = src[x*4+2]
				out[x*4+1] = src[x*4+1]
				out[x*4+2] = src[x*4+0]
				out[x*4+3] = src[x*4+3]
			}
		case FormatRGB8:
			for x := 0; x < width; x++ {
				out[x*4+0] = src[x*3+0]
				out[x*4+1] = src[x*3+1]
				out[x*4+2] = src[x*3+2]
				out[x*4+3] = 0xFF
			}
		case FormatGray8:
			for x := 0; x < width; x++ {
				g := src[x]
				out[x*4+0] = g
				out[x*4+1] = g
				out[x*4+2] = g
				out[x*4+3] = 0xFF
			}
		}
	}
	return dst, nil
}
