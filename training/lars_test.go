// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// larsStepExec builds an executor that takes one LARS step on the loss
// 0.5*w^2 with w initialized to 2, and returns the updated weight.
func larsStepExec(ctx *context.Context, optimizer *LARSConfig, varName string) *context.Exec {
	backend := graphtest.BuildTestBackend()
	opt := optimizer.Done()
	return context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		wVar := ctx.In("linear").VariableWithValue(varName, float32(2.0))
		loss := MulScalar(Square(wVar.ValueGraph(g)), 0.5)
		opt.UpdateGraph(ctx, g, loss)
		return wVar.ValueGraph(g)
	})
}

func TestLARSTrustRatio(t *testing.T) {
	ctx := context.New().Checked(false)
	exec := larsStepExec(ctx, LARS().WithLearningRate(1.0).WithSkip(nil), "w")

	// grad = w = 2; trust = eeta*|w| / |grad| = 0.001.
	// v1 = lr*trust*grad = 0.002; w1 = 2 - 0.002.
	w := tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, 2-0.002, w, 1e-6)

	// grad = 1.998; trust = 0.001; v2 = 0.9*0.002 + 0.001998 = 0.003798.
	w = tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, 1.998-0.003798, w, 1e-6)
}

func TestLARSWeightDecay(t *testing.T) {
	ctx := context.New().Checked(false)
	exec := larsStepExec(ctx, LARS().WithLearningRate(1.0).WithSkip(nil).WithWeightDecay(0.5), "w")

	// grad = 2; trust = eeta*2 / (2 + 0.5*2) = 2*eeta/3.
	// decayed grad = 2 + 0.5*2 = 3; v1 = trust*3 = 2*eeta = 0.002.
	w := tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, 2-0.002, w, 1e-6)
}

// Variables matched by the skip predicate take a plain momentum update,
// without trust-ratio scaling or decay.
func TestLARSSkipsBias(t *testing.T) {
	ctx := context.New().Checked(false)
	exec := larsStepExec(ctx, LARS().WithLearningRate(0.1).WithWeightDecay(0.5), "bias")

	// v1 = lr*grad = 0.2; w1 = 2 - 0.2 = 1.8.
	w := tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, 1.8, w, 1e-6)
}

// A zero weight must not blow up the trust ratio: it falls back to 1.
func TestLARSZeroWeight(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	opt := LARS().WithLearningRate(0.1).WithSkip(nil).Done()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		wVar := ctx.In("linear").VariableWithValue("w", float32(0.0))
		// Loss with a non-zero gradient at w=0.
		loss := AddScalar(MulScalar(wVar.ValueGraph(g), 2.0), 1.0)
		opt.UpdateGraph(ctx, g, loss)
		return wVar.ValueGraph(g)
	})

	// trust falls back to 1: v1 = lr*grad = 0.2; w1 = -0.2.
	w := tensors.ToScalar[float32](exec.Call()[0])
	assert.InDelta(t, -0.2, w, 1e-6)
	require.NoError(t, opt.Clear(ctx))
}
