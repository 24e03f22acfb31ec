package ingest

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePixelsMultiDim(t *testing.T) {
	value := cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{uint64(2), uint64(1), uint64(2)},
			cbor.Tag{Number: tagUint8, Content: []byte{1, 2, 3, 4}},
		},
	}

	flat, dims, err := decodePixels(value)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, flat)
	assert.Equal(t, []int{2, 1, 2}, dims)
}

func TestDecodePixelsRejects(t *testing.T) {
	_, _, err := decodePixels(cbor.Tag{
		Number:  tagMultiDimArray,
		Content: []any{[]any{2, 2}, cbor.Tag{Number: tagUint8, Content: []byte{1, 2, 3}}},
	})
	assert.Error(t, err)

	_, _, err = decodePixels(cbor.Tag{Number: 69, Content: []byte{1, 2}})
	assert.Error(t, err)

	_, _, err = decodePixels(nil)
	assert.Error(t, err)

	_, _, err = decodePixels("pixels")
	assert.Error(t, err)

	flat, _, err := decodePixels(cbor.Tag{Number: tagUint8Clamped, Content: []byte{9}})
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, flat)
}

func TestDecodePixelsRejectsOverflowingDimensions(t *testing.T) {
	_, _, err := decodePixels(cbor.Tag{
		Number:  tagMultiDimArray,
		Content: []any{[]any{uint64(1) << 32, uint64(1) << 32}, cbor.Tag{Number: tagUint8, Content: []byte{}}},
	})
	assert.Error(t, err)
}
