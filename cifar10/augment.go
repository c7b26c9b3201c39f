// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// minStddev is the lower bound used when standardizing an image, protecting
// against division by zero on uniform images. Same value TensorFlow's
// per_image_standardization uses: 1/sqrt(number of pixels).
var minStddev = float32(1.0 / math.Sqrt(float64(ImageBytes)))

// Augmenter applies the per-image preprocessing.
//
// In training mode each image is padded with a CropPadding-wide zero border
// and a random Height x Width crop is taken, then standardized. In
// evaluation mode only the standardization is applied: evaluation is
// deterministic, images are already at the target size and cropping them
// would only add noise to the reported metrics.
type Augmenter struct {
	training bool
	rng      *rand.Rand
}

// NewAugmenter creates an Augmenter. The rng is only used in training mode,
// for the crop offsets; it may be nil for evaluation-mode augmenters.
func NewAugmenter(training bool, rng *rand.Rand) *Augmenter {
	return &Augmenter{training: training, rng: rng}
}

// Apply transforms the HWC pixels of one image in place and returns them.
func (a *Augmenter) Apply(pixels []float32) []float32 {
	if a.training {
		offsetH := a.rng.Intn(2*CropPadding + 1)
		offsetW := a.rng.Intn(2*CropPadding + 1)
		padCrop(pixels, offsetH, offsetW)
	}
	standardize(pixels)
	return pixels
}

// padCrop implements the pad-to-40x40 + crop-back-to-32x32 augmentation in
// place: the image is pasted centered onto a black canvas CropPadding wider
// on each side, and a Height x Width window starting at (offsetH, offsetW)
// is cropped back out. Offsets are in [0, 2*CropPadding].
//
// It runs before standardization, so pixels still hold raw byte values and
// round-trip exactly through the 8-bit image channels.
func padCrop(pixels []float32, offsetH, offsetW int) {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			base := (h*Width + w) * Depth
			img.SetNRGBA(w, h, color.NRGBA{
				R: uint8(pixels[base]),
				G: uint8(pixels[base+1]),
				B: uint8(pixels[base+2]),
				A: 0xFF,
			})
		}
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, Width+2*CropPadding, Height+2*CropPadding))
	padded := imaging.PasteCenter(canvas, img)
	cropped := imaging.Crop(padded, image.Rect(offsetW, offsetH, offsetW+Width, offsetH+Height))
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			c := cropped.NRGBAAt(w, h)
			base := (h*Width + w) * Depth
			pixels[base] = float32(c.R)
			pixels[base+1] = float32(c.G)
			pixels[base+2] = float32(c.B)
		}
	}
}

// standardize shifts and scales the image in place to zero mean and
// (approximately) unit variance.
func standardize(pixels []float32) {
	var sum, sumSq float64
	for _, p := range pixels {
		sum += float64(p)
		sumSq += float64(p) * float64(p)
	}
	n := float64(len(pixels))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0 // Guard against rounding on uniform images.
	}
	stddev := float32(math.Sqrt(variance))
	if stddev < minStddev {
		stddev = minStddev
	}
	for ii := range pixels {
		pixels[ii] = (pixels[ii] - float32(mean)) / stddev
	}
}
