// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/resnet-cifar10/resnet"
)

const (
	// DefaultLARSEeta is the trust-ratio coefficient.
	DefaultLARSEeta = 0.001

	// LARSScope is the scope holding the LARS optimizer's velocity
	// variables.
	LARSScope = "LARSOptimizer"
)

// larsEpsilon guards the trust-ratio denominator.
const larsEpsilon = 1e-9

// LARSConfig builds a layer-wise adaptive rate scaling optimizer
// ("Large Batch Training of Convolutional Networks", You et al., 2017,
// https://arxiv.org/abs/1708.03888).
//
// Each layer's learning rate is scaled by the trust ratio
// eeta*||w|| / (||grad|| + weightDecay*||w||), which keeps the update
// magnitude proportional to the weight magnitude and makes very large
// batch sizes trainable. Weight decay is applied inside the update
// (grad += weightDecay*w) rather than through the loss.
//
// Variables matched by the skip predicate (by default normalization
// parameters and biases) take a plain momentum update without decay.
type LARSConfig struct {
	schedule     Schedule
	fixedRate    float64
	momentum     float64
	eeta         float64
	lossScale    float64
	weightDecay  float64
	skip         func(v *context.Variable) bool
	updateFilter func(v *context.Variable) bool
	scopeName    string
}

// LARS returns a new builder with momentum 0.9, eeta 0.001, loss scale 1
// and the default skip predicate.
func LARS() *LARSConfig {
	return &LARSConfig{
		momentum:  DefaultMomentum,
		eeta:      DefaultLARSEeta,
		fixedRate: DefaultBaseRate,
		lossScale: 1,
		skip:      larsDefaultSkip,
		scopeName: LARSScope,
	}
}

func larsDefaultSkip(v *context.Variable) bool {
	return resnet.IsNormalizationParam(v) || strings.Contains(v.Name(), "bias")
}

// WithSchedule drives the learning rate from the schedule instead of a
// fixed rate.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithSchedule(s Schedule) *LARSConfig {
	c.schedule = s
	return c
}

// WithLearningRate sets a fixed learning rate, used when no schedule is
// configured.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithLearningRate(rate float64) *LARSConfig {
	c.fixedRate = rate
	return c
}

// WithMomentum sets the momentum coefficient.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithMomentum(momentum float64) *LARSConfig {
	c.momentum = momentum
	return c
}

// WithEeta sets the trust-ratio coefficient.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithEeta(eeta float64) *LARSConfig {
	c.eeta = eeta
	return c
}

// WithLossScale multiplies the loss by scale before computing gradients and
// divides the gradients back afterward. See MomentumConfig.WithLossScale.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithLossScale(scale float64) *LARSConfig {
	c.lossScale = scale
	return c
}

// WithWeightDecay sets the decay folded into the scaled updates.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithWeightDecay(weightDecay float64) *LARSConfig {
	c.weightDecay = weightDecay
	return c
}

// WithSkip overrides the predicate selecting variables that take a plain
// momentum update without trust-ratio scaling or decay. nil skips nothing.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithSkip(skip func(v *context.Variable) bool) *LARSConfig {
	c.skip = skip
	return c
}

// WithUpdateFilter restricts gradient updates to the variables the filter
// accepts. See MomentumConfig.WithUpdateFilter.
//
// It returns itself to allow chaining.
func (c *LARSConfig) WithUpdateFilter(filter func(v *context.Variable) bool) *LARSConfig {
	c.updateFilter = filter
	return c
}

// Done returns the configured optimizer. The builder must not be changed
// afterward.
func (c *LARSConfig) Done() optimizers.Interface {
	return &lars{config: *c}
}

type lars struct {
	config LARSConfig
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *lars) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	cfg := &o.config
	// Weight decay is folded into the per-layer updates, not the loss.
	grads, learningRate := gradientStage(ctx, g, loss, cfg.schedule, cfg.fixedRate,
		cfg.lossScale, 0, nil)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable && (cfg.updateFilter == nil || cfg.updateFilter(v)) {
			o.applyLARSGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the optimizer sees %d variables -- were new variables created in between?",
			numTrainable, varIdx)
	}
}

// applyLARSGraph: scaledLR = lr * trustRatio; grad += weightDecay*w;
// velocity = momentum*velocity + scaledLR*grad; w = w - velocity.
// Skipped variables take velocity = momentum*velocity + lr*grad instead.
func (o *lars) applyLARSGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	cfg := &o.config
	dtype := grad.DType()
	velVar := slotVariable(ctx, cfg.scopeName, v, "velocity", dtype)
	velocity := velVar.ValueGraph(g)

	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}

	lr := learningRate
	if lr.DType() != dtype {
		lr = ConvertDType(lr, dtype)
	}
	if cfg.skip == nil || !cfg.skip(v) {
		wNorm := Sqrt(ReduceAllSum(Square(value)))
		gNorm := Sqrt(ReduceAllSum(Square(grad)))
		denominator := AddScalar(Add(gNorm, MulScalar(wNorm, cfg.weightDecay)), larsEpsilon)
		trust := Where(
			And(GreaterThan(wNorm, ScalarZero(g, dtype)), GreaterThan(gNorm, ScalarZero(g, dtype))),
			Div(MulScalar(wNorm, cfg.eeta), denominator),
			ScalarOne(g, dtype))
		lr = Mul(lr, trust)
		if cfg.weightDecay > 0 {
			grad = Add(grad, MulScalar(value, cfg.weightDecay))
		}
	}

	velocity = Add(MulScalar(velocity, cfg.momentum), Mul(lr, grad))
	velVar.SetValueGraph(velocity)

	step := optimizers.ClipStepByValue(ctx, velocity)
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// Clear all optimizer variables.
// It implements optimizers.Interface.
func (o *lars) Clear(ctx *context.Context) error {
	return ctx.In(o.config.scopeName).DeleteVariablesInScope()
}
