// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet builds residual network computation graphs for CIFAR-sized
// images, after "Deep Residual Learning for Image Recognition"
// (https://arxiv.org/abs/1512.03385) and the pre-activation variant of
// "Identity Mappings in Deep Residual Networks"
// (https://arxiv.org/abs/1603.05027).
package resnet

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/pkg/errors"
)

const (
	// initialFilters is the channel count of the first convolution; it
	// doubles at each of the 3 block groups.
	initialFilters = 16
	numGroups      = 3

	// ReadoutScope is the context scope holding the final dense layer's
	// variables. Fine-tuning and warm-starting key off this scope.
	ReadoutScope = "readout"

	batchNormMomentum = 0.997
	batchNormEpsilon  = 1e-5
)

var (
	// ErrInvalidSize is returned when the requested depth cannot be built
	// from the 3 groups of 2-convolution blocks.
	ErrInvalidSize = errors.New("resnet size must be 6n+2")

	// ErrInvalidVersion is returned for versions other than 1 or 2.
	ErrInvalidVersion = errors.New("resnet version must be 1 or 2")
)

// Config describes a residual network: its depth (number of layers), the
// block variant (version 1 is post-activation, version 2 pre-activation)
// and the number of output classes.
type Config struct {
	Size       int
	Version    int
	NumClasses int

	numBlocks int
}

// New validates size and version and returns the network configuration.
// The size must satisfy size = 6n+2 for n >= 1 (20, 32, 44, 56, ...): 2
// convolutions per block, n blocks per group, 3 groups, plus the initial
// convolution and the readout layer.
func New(size, version, numClasses int) (*Config, error) {
	if size < 8 || size%6 != 2 {
		return nil, errors.Wrapf(ErrInvalidSize, "got size %d", size)
	}
	if version != 1 && version != 2 {
		return nil, errors.Wrapf(ErrInvalidVersion, "got version %d", version)
	}
	return &Config{
		Size:       size,
		Version:    version,
		NumClasses: numClasses,
		numBlocks:  (size - 2) / 6,
	}, nil
}

// NumBlocks per block group.
func (c *Config) NumBlocks() int { return c.numBlocks }

// ModelGraph implements train.ModelFn: it returns the logits for a batch of
// images shaped [batch, height, width, depth].
func (c *Config) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	images := inputs[0]
	images.AssertRank(4)
	batchSize := images.Shape().Dimensions[0]

	x := conv2D(ctx.In("init_conv"), images, initialFilters, 3, 1)
	if c.Version == 1 {
		x = c.batchNorm(ctx.In("init_bn"), x)
		x = activations.Relu(x)
	}

	for group := 0; group < numGroups; group++ {
		filters := initialFilters << group
		for block := 0; block < c.numBlocks; block++ {
			stride := 1
			if group > 0 && block == 0 {
				stride = 2 // Down-sample at the entrance of groups 1 and 2.
			}
			blockCtx := ctx.Inf("group_%d_block_%d", group, block)
			if c.Version == 2 {
				x = c.blockV2(blockCtx, x, filters, stride)
			} else {
				x = c.blockV1(blockCtx, x, filters, stride)
			}
		}
	}

	if c.Version == 2 {
		// Pre-activation blocks leave the residual sum un-normalized.
		x = c.batchNorm(ctx.In("final_bn"), x)
		x = activations.Relu(x)
	}

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)
	logits := fnn.New(ctx.In(ReadoutScope), x, c.NumClasses).Done()
	logits.AssertDims(batchSize, c.NumClasses)
	return []*Node{logits}
}

// blockV1 is the original residual block: two 3x3 convolutions each
// followed by batch normalization, ReLU after the addition.
func (c *Config) blockV1(ctx *context.Context, x *Node, filters, stride int) *Node {
	shortcut := x
	if needsProjection(x, filters, stride) {
		shortcut = conv2D(ctx.In("shortcut"), x, filters, 1, stride)
		shortcut = c.batchNorm(ctx.In("shortcut_bn"), shortcut)
	}
	y := conv2D(ctx.In("conv1"), x, filters, 3, stride)
	y = c.batchNorm(ctx.In("bn1"), y)
	y = activations.Relu(y)
	y = conv2D(ctx.In("conv2"), y, filters, 3, 1)
	y = c.batchNorm(ctx.In("bn2"), y)
	return activations.Relu(Add(shortcut, y))
}

// blockV2 is the pre-activation block: batch normalization and ReLU before
// each convolution, identity on the shortcut path.
func (c *Config) blockV2(ctx *context.Context, x *Node, filters, stride int) *Node {
	y := c.batchNorm(ctx.In("bn1"), x)
	y = activations.Relu(y)
	shortcut := x
	if needsProjection(x, filters, stride) {
		// Projection taken from the pre-activated input.
		shortcut = conv2D(ctx.In("shortcut"), y, filters, 1, stride)
	}
	y = conv2D(ctx.In("conv1"), y, filters, 3, stride)
	y = c.batchNorm(ctx.In("bn2"), y)
	y = activations.Relu(y)
	y = conv2D(ctx.In("conv2"), y, filters, 3, 1)
	return Add(shortcut, y)
}

func needsProjection(x *Node, filters, stride int) bool {
	return stride != 1 || x.Shape().Dimensions[3] != filters
}

func conv2D(ctx *context.Context, x *Node, filters, kernelSize, stride int) *Node {
	return layers.Convolution(ctx, x).
		Channels(filters).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		UseBias(false). // Batch normalization provides the offset.
		Done()
}

func (c *Config) batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).
		Momentum(batchNormMomentum).
		Epsilon(batchNormEpsilon).
		Done()
}

// IsNormalizationParam reports whether the variable belongs to a batch
// normalization layer (its scale or offset). These are excluded from weight
// decay by default.
func IsNormalizationParam(v *context.Variable) bool {
	return strings.Contains(v.Scope(), "batch_normalization")
}

// IsReadoutParam reports whether the variable belongs to the final dense
// layer. Fine-tuning trains only these; warm-starting skips them.
func IsReadoutParam(v *context.Variable) bool {
	return strings.Contains(v.Scope(), context.ScopeSeparator+ReadoutScope)
}
