package ingest

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"anchorstream/internal/processing"
)

// maxPixelBytes bounds a multi-dimensional pixel array: MaxDimension squared, four channels.
const maxPixelBytes = processing.MaxDimension * processing.MaxDimension * 4

// RFC 8746 tags used by capture pipelines that ship pixels as typed arrays.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint8Clamped  = 68
)

// decodePixels accepts a plain byte string, a uint8 typed array, or a row-major
// multi-dimensional array of uint8 and returns the flat pixel bytes with their dimensions.
func decodePixels(value any) ([]byte, []int, error) {
	switch v := value.(type) {
	case []byte:
		return v, []int{len(v)}, nil
	case cbor.Tag:
		if v.Number == tagMultiDimArray {
			return decodeMultiDimArray(v)
		}
		flat, err := decodeTypedArray(v)
		if err != nil {
			return nil, nil, err
		}
		return flat, []int{len(flat)}, nil
	case nil:
		return nil, nil, errors.New("missing pixels")
	default:
		return nil, nil, errors.Errorf("unsupported pixel payload %T", value)
	}
}

func decodeMultiDimArray(tag cbor.Tag) ([]byte, []int, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, nil, errors.New("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) < 2 || len(dimsRaw) > 3 {
		return nil, nil, errors.New("invalid multidim dimensions")
	}
	dims := make([]int, len(dimsRaw))
	total := 1
	for i, d := range dimsRaw {
		n, err := toInt(d)
		if err != nil {
			return nil, nil, err
		}
		if n <= 0 || n > maxPixelBytes/total {
			return nil, nil, errors.Errorf("invalid dimension %d", n)
		}
		dims[i] = n
		total *= n
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return nil, nil, err
	}
	if len(flat) != total {
		return nil, nil, errors.Errorf("dimension mismatch: %v needs %d bytes, have %d", dims, total, len(flat))
	}
	return flat, dims, nil
}

func decodeTypedArray(value any) ([]byte, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		if b, ok := value.([]byte); ok {
			return b, nil
		}
		return nil, errors.New("expected typed array tag")
	}
	switch tag.Number {
	case tagUint8, tagUint8Clamped:
	default:
		return nil, errors.Errorf("unsupported typed array tag %d", tag.Number)
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, errors.Errorf("unsupported typed array content %T", tag.Content)
	}
	return data, nil
}
