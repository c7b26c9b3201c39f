// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticRecord builds a valid record with a deterministic payload.
func syntheticRecord(label byte) []byte {
	record := make([]byte, RecordBytes)
	record[0] = label
	for ii := 1; ii < RecordBytes; ii++ {
		record[ii] = byte((ii*31 + 7) % 256)
	}
	return record
}

func TestDecodeRecord(t *testing.T) {
	record := syntheticRecord(7)
	example, err := DecodeRecord(record)
	require.NoError(t, err)
	assert.Equal(t, int64(7), example.Label)
	require.Len(t, example.Pixels, ImageBytes)

	// Spot-check the planar -> HWC transpose.
	image := record[1:]
	for _, hwd := range [][3]int{{0, 0, 0}, {0, 1, 2}, {17, 23, 1}, {31, 31, 2}} {
		h, w, d := hwd[0], hwd[1], hwd[2]
		want := float32(image[d*(Height*Width)+h*Width+w])
		got := example.Pixels[(h*Width+w)*Depth+d]
		assert.Equal(t, want, got, "pixel (h=%d, w=%d, d=%d)", h, w, d)
	}

	// Reversing the transpose must recover the original payload exactly.
	recovered := make([]byte, ImageBytes)
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				recovered[d*(Height*Width)+h*Width+w] = byte(example.Pixels[(h*Width+w)*Depth+d])
			}
		}
	}
	assert.Equal(t, image, recovered)
}

func TestDecodeRecordLabelRange(t *testing.T) {
	for label := byte(0); label < NumClasses; label++ {
		example, err := DecodeRecord(syntheticRecord(label))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, example.Label, int64(0))
		assert.Less(t, example.Label, int64(NumClasses))
	}
}

func TestDecodeRecordWrongSize(t *testing.T) {
	for _, size := range []int{0, 1, ImageBytes, RecordBytes - 1, RecordBytes + 1} {
		_, err := DecodeRecord(make([]byte, size))
		require.Error(t, err, "size=%d", size)
		assert.True(t, errors.Is(err, ErrRecordSize), "size=%d: got %v", size, err)
	}
}
