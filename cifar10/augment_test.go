// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPixels(rng *rand.Rand) []float32 {
	pixels := make([]float32, ImageBytes)
	for ii := range pixels {
		pixels[ii] = float32(rng.Intn(256))
	}
	return pixels
}

func meanAndVariance(pixels []float32) (mean, variance float64) {
	var sum, sumSq float64
	for _, p := range pixels {
		sum += float64(p)
		sumSq += float64(p) * float64(p)
	}
	n := float64(len(pixels))
	mean = sum / n
	variance = sumSq/n - mean*mean
	return
}

func TestStandardize(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for ii := 0; ii < 10; ii++ {
		pixels := NewAugmenter(false, nil).Apply(randomPixels(rng))
		mean, variance := meanAndVariance(pixels)
		assert.InDelta(t, 0.0, mean, 1e-4)
		assert.InDelta(t, 1.0, variance, 1e-2)
	}
}

func TestStandardizeUniformImage(t *testing.T) {
	pixels := make([]float32, ImageBytes)
	for ii := range pixels {
		pixels[ii] = 128
	}
	pixels = NewAugmenter(false, nil).Apply(pixels)
	for ii, p := range pixels {
		require.False(t, math.IsNaN(float64(p)) || math.IsInf(float64(p), 0), "pixel %d", ii)
		require.Equal(t, float32(0), p, "pixel %d", ii)
	}
}

func TestPadCropCentered(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	pixels := randomPixels(rng)
	original := append([]float32(nil), pixels...)
	// Offsets equal to the padding select exactly the original image.
	padCrop(pixels, CropPadding, CropPadding)
	assert.Equal(t, original, pixels)
}

func TestPadCropShifted(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	pixels := randomPixels(rng)
	original := append([]float32(nil), pixels...)
	// Offset (0, 0) shifts the image down-right by CropPadding, filling the
	// top rows and left columns with the zero border.
	padCrop(pixels, 0, 0)
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			for d := 0; d < Depth; d++ {
				got := pixels[(h*Width+w)*Depth+d]
				if h < CropPadding || w < CropPadding {
					require.Equal(t, float32(0), got, "border pixel (h=%d, w=%d, d=%d)", h, w, d)
					continue
				}
				want := original[((h-CropPadding)*Width+(w-CropPadding))*Depth+d]
				require.Equal(t, want, got, "pixel (h=%d, w=%d, d=%d)", h, w, d)
			}
		}
	}
}

func TestAugmenterTrainingMode(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	augmenter := NewAugmenter(true, rng)
	for ii := 0; ii < 5; ii++ {
		pixels := augmenter.Apply(randomPixels(rng))
		mean, variance := meanAndVariance(pixels)
		// Cropping happens before standardization, so the output is still
		// standardized.
		assert.InDelta(t, 0.0, mean, 1e-4)
		assert.InDelta(t, 1.0, variance, 1e-2)
	}
}
