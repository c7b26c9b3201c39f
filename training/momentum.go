// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// DefaultMomentum coefficient for both optimizers.
	DefaultMomentum = 0.9

	// MomentumScope is the scope holding the momentum optimizer's velocity
	// variables.
	MomentumScope = "MomentumOptimizer"
)

// MomentumConfig builds an SGD-with-momentum optimizer that also owns the
// rest of the gradient stage: the weight-decay penalty added to the loss,
// loss scaling for low-precision gradients, the schedule-driven learning
// rate and the optional fine-tune filter restricting which variables are
// updated.
//
// Call Done when finished configuring to obtain the optimizers.Interface.
type MomentumConfig struct {
	schedule     Schedule
	fixedRate    float64
	momentum     float64
	lossScale    float64
	weightDecay  float64
	decayExclude func(v *context.Variable) bool
	updateFilter func(v *context.Variable) bool
	scopeName    string
}

// Momentum returns a new builder with momentum 0.9, no weight decay, loss
// scale 1 and a fixed learning rate of DefaultBaseRate (overridden by
// WithSchedule).
func Momentum() *MomentumConfig {
	return &MomentumConfig{
		momentum:  DefaultMomentum,
		fixedRate: DefaultBaseRate,
		lossScale: 1,
		scopeName: MomentumScope,
	}
}

// WithSchedule drives the learning rate from the schedule instead of a
// fixed rate.
//
// It returns itself to allow chaining.
func (c *MomentumConfig) WithSchedule(s Schedule) *MomentumConfig {
	c.schedule = s
	return c
}

// WithLearningRate sets a fixed learning rate, used when no schedule is
// configured.
//
// It returns itself to allow chaining.
func (c *MomentumConfig) WithLearningRate(rate float64) *MomentumConfig {
	c.fixedRate = rate
	return c
}

// WithMomentum sets the momentum coefficient.
//
// It returns itself to allow chaining.
func (c *MomentumConfig) WithMomentum(momentum float64) *MomentumConfig {
	c.momentum = momentum
	return c
}

// WithLossScale multiplies the loss by scale before computing gradients and
// divides the gradients back afterward. Aside from float rounding in the
// intermediate tensors -- the reason to use it with float16 models, where
// small gradient values underflow to zero -- the updates are unchanged.
//
// It returns itself to allow chaining.
func (c *MomentumConfig) WithLossScale(scale float64) *MomentumConfig {
	c.lossScale = scale
	return c
}

// WithWeightDecay adds weightDecay * sum over trainable variables of
// sum(v^2)/2 to the loss. Variables matched by exclude don't contribute;
// a nil exclude decays everything. Typically exclude is
// resnet.IsNormalizationParam.
//
// It returns itself to allow chaining.
func (c *MomentumConfig) WithWeightDecay(weightDecay float64, exclude func(v *context.Variable) bool) *MomentumConfig {
	c.weightDecay = weightDecay
	c.decayExclude = exclude
	return c
}

// WithUpdateFilter restricts gradient updates to the variables the filter
// accepts; all others keep their exact values. Used for fine-tuning with
// resnet.IsReadoutParam.
//
// It returns itself to allow chaining.
func (c *MomentumConfig) WithUpdateFilter(filter func(v *context.Variable) bool) *MomentumConfig {
	c.updateFilter = filter
	return c
}

// Done returns the configured optimizer. The builder must not be changed
// afterward.
func (c *MomentumConfig) Done() optimizers.Interface {
	return &momentum{config: *c}
}

type momentum struct {
	config MomentumConfig
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *momentum) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	cfg := &o.config
	grads, learningRate := gradientStage(ctx, g, loss, cfg.schedule, cfg.fixedRate,
		cfg.lossScale, cfg.weightDecay, cfg.decayExclude)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable && (cfg.updateFilter == nil || cfg.updateFilter(v)) {
			o.applyMomentumGraph(ctx, g, v, grads[varIdx], learningRate)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the optimizer sees %d variables -- were new variables created in between?",
			numTrainable, varIdx)
	}
}

// applyMomentumGraph: velocity = momentum*velocity + grad;
// value = value - learningRate*velocity.
func (o *momentum) applyMomentumGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	dtype := grad.DType()
	velVar := slotVariable(ctx, o.config.scopeName, v, "velocity", dtype)
	velocity := velVar.ValueGraph(g)

	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	velocity = Add(MulScalar(velocity, o.config.momentum), grad)
	velVar.SetValueGraph(velocity)

	lr := learningRate
	if lr.DType() != dtype {
		lr = ConvertDType(lr, dtype)
	}
	step := Mul(lr, velocity)
	step = optimizers.ClipStepByValue(ctx, step)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// Clear all optimizer variables.
// It implements optimizers.Interface.
func (o *momentum) Clear(ctx *context.Context) error {
	return ctx.In(o.config.scopeName).DeleteVariablesInScope()
}

// gradientStage implements the parts shared by the momentum and LARS
// optimizers: it adds the weight-decay penalty to the loss, computes the
// gradients with loss scaling, increments the global step and materializes
// the schedule's learning rate into the learning-rate variable.
//
// The returned gradients are already unscaled.
func gradientStage(ctx *context.Context, g *Graph, loss *Node, schedule Schedule, fixedRate,
	lossScale, weightDecay float64, decayExclude func(v *context.Variable) bool) (grads []*Node, learningRate *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()

	if weightDecay > 0 {
		loss = Add(loss, l2PenaltyGraph(ctx, g, weightDecay, decayExclude, dtype))
	}

	lossForGrads := loss
	if lossScale != 1 {
		lossForGrads = MulScalar(loss, lossScale)
	}
	grads = ctx.BuildTrainableVariablesGradientsGraph(lossForGrads)
	if len(grads) == 0 {
		Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables?")
	}
	if lossScale != 1 {
		for ii := range grads {
			grads[ii] = DivScalar(grads[ii], lossScale)
		}
	}

	// The schedules index steps from 0, the incremented global step from 1.
	globalStep := optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	step := MinusOne(globalStep)
	if schedule != nil {
		learningRate = schedule.LearningRateGraph(g, step)
		initialRate := schedule.RateAt(0)
		lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, initialRate)
		lrVar.SetValueGraph(learningRate)
	} else {
		lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, fixedRate)
		learningRate = lrVar.ValueGraph(g)
	}
	return
}

// l2PenaltyGraph computes weightDecay * sum(v^2)/2 over the trainable
// variables not excluded. Accumulated in float32 for numerical stability
// regardless of the model dtype.
func l2PenaltyGraph(ctx *context.Context, g *Graph, weightDecay float64, exclude func(v *context.Variable) bool, dtype dtypes.DType) *Node {
	penalty := ScalarZero(g, dtypes.Float32)
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if exclude != nil && exclude(v) {
			continue
		}
		value := v.ValueGraph(g)
		if value.DType() != dtypes.Float32 {
			value = ConvertDType(value, dtypes.Float32)
		}
		penalty = Add(penalty, DivScalar(ReduceAllSum(Square(value)), 2))
	}
	penalty = MulScalar(penalty, weightDecay)
	if dtype != dtypes.Float32 {
		penalty = ConvertDType(penalty, dtype)
	}
	return penalty
}

// slotVariable returns (creating if needed) a non-trainable, zero-initialized
// variable shadowing the trainable one under the optimizer's scope.
func slotVariable(ctx *context.Context, scopeName string, trainable *context.Variable, suffix string, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, scopeName, trainable.Scope())
	name := fmt.Sprintf("%s_%s", trainable.Name(), suffix)
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).
		InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, shape).
		SetTrainable(false)
}
