package compression

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorstream/internal/types"
)

func solidFrame(w, h int) types.Frame {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i] = 200
		pix[i+1] = 100
		pix[i+2] = 50
		pix[i+3] = 255
	}
	return types.Frame{Width: w, Height: h, Pix: pix}
}

func TestEncodeProducesJPEG(t *testing.T) {
	enc := NewEncoder(DefaultHTTPQuality, 0)
	payload, err := enc.EncodeFrame(solidFrame(32, 16))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}

func TestStageReusesBufferUntilSizeChanges(t *testing.T) {
	enc := NewEncoder(DefaultStreamQuality, 0)
	require.NoError(t, enc.Stage(solidFrame(8, 8)))
	require.NoError(t, enc.Stage(solidFrame(8, 8)))
	assert.Equal(t, 1, enc.Allocations())

	require.NoError(t, enc.Stage(solidFrame(16, 8)))
	assert.Equal(t, 2, enc.Allocations())
}

func TestEncodeDownscalesWideFrames(t *testing.T) {
	enc := NewEncoder(DefaultHTTPQuality, 20)
	payload, err := enc.EncodeFrame(solidFrame(40, 20))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())
}

func TestStageRejectsBadFrames(t *testing.T) {
	enc := NewEncoder(DefaultHTTPQuality, 0)
	assert.ErrorIs(t, enc.Stage(types.Frame{}), ErrEmptyFrame)
	assert.Error(t, enc.Stage(types.Frame{Width: 4, Height: 4, Pix: make([]byte, 3)}))

	_, err := NewEncoder(0, 0).Encode()
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
