// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"github.com/pkg/errors"
)

// Example is one decoded record: the class label and the image pixels in
// HWC order (height-major, channels innermost), as raw byte values converted
// to float32. Standardization happens later, in the Augmenter.
type Example struct {
	Label  int64
	Pixels []float32
}

// DecodeRecord decodes one fixed-length binary record.
//
// The record stores a label byte followed by the image as 3 channel planes
// of Height*Width bytes each. The decoder transposes the planes to HWC
// order; the transpose is lossless, so mapping the pixels back to planar
// order recovers the original payload bytes exactly.
func DecodeRecord(record []byte) (*Example, error) {
	if len(record) != RecordBytes {
		return nil, errors.Wrapf(ErrRecordSize, "got %d bytes, want %d", len(record), RecordBytes)
	}
	example := &Example{
		Label:  int64(record[0]),
		Pixels: make([]float32, ImageBytes),
	}
	image := record[1:]
	pos := 0
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				example.Pixels[pos] = float32(image[d*(Height*Width)+h*Width+w])
				pos++
			}
		}
	}
	return example, nil
}
