// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTopFiveAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, labels, logits *Node) *Node {
		return TopFiveAccuracyGraph(ctx, []*Node{labels}, []*Node{logits})
	})

	// 10 classes, logits ranking classes 9, 8, 7, ... by descending score.
	logits := [][]float32{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	labels := [][]int64{
		{9}, // top-1, a hit.
		{5}, // exactly 5th highest, a hit.
		{4}, // 6th highest, a miss.
		{0}, // lowest, a miss.
	}
	got := tensors.ToScalar[float32](exec.Call(labels, logits)[0])
	assert.InDelta(t, 0.5, got, 1e-6)
}

// Ties at the top-5 boundary count as hits.
func TestTopFiveAccuracyGraphTies(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, labels, logits *Node) *Node {
		return TopFiveAccuracyGraph(ctx, []*Node{labels}, []*Node{logits})
	})

	// Classes 4..9 all share the 5th-highest logit: only 4 classes score
	// strictly higher than any of them.
	logits := [][]float32{{9, 8, 7, 6, 1, 1, 1, 1, 1, 1}}
	labels := [][]int64{{9}}
	got := tensors.ToScalar[float32](exec.Call(labels, logits)[0])
	assert.InDelta(t, 1.0, got, 1e-6)
}

// Streaming the mean metrics over several all-correct batches must
// aggregate to exactly 1.0, and Reset must clear the accumulators.
func TestAccuracyAggregationAllCorrect(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, metric := range []metrics.Interface{
		metrics.NewSparseCategoricalAccuracy("accuracy", "acc"),
		NewTopFiveAccuracy("top-5 accuracy", "acc5"),
	} {
		ctx := context.New().Checked(false)
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			labels := Const(g, [][]int64{{0}, {3}, {7}, {9}})
			logits := Const(g, [][]float32{
				{9, 0, 0, 0, 0, 0, 0, 0, 0, 0},
				{0, 0, 0, 9, 0, 0, 0, 0, 0, 0},
				{0, 0, 0, 0, 0, 0, 0, 9, 0, 0},
				{0, 0, 0, 0, 0, 0, 0, 0, 0, 9},
			})
			return metric.UpdateGraph(ctx, []*Node{labels}, []*Node{logits})
		})
		var got float32
		for ii := 0; ii < 5; ii++ {
			got = tensors.ToScalar[float32](exec.Call()[0])
		}
		assert.Equal(t, float32(1.0), got, "metric %q after 5 all-correct batches", metric.Name())

		// After a Reset the next batch starts a fresh mean.
		metric.Reset(ctx)
		got = tensors.ToScalar[float32](exec.Call()[0])
		assert.Equal(t, float32(1.0), got, "metric %q after Reset", metric.Name())
	}
}

func TestNewTopFiveAccuracy(t *testing.T) {
	m := NewTopFiveAccuracy("Mean Top-5 Accuracy", "#acc5")
	assert.Equal(t, "Mean Top-5 Accuracy", m.Name())
	assert.Equal(t, "#acc5", m.ShortName())
	assert.Equal(t, metrics.AccuracyMetricType, m.MetricType())
	assert.Equal(t, "25.00%", m.PrettyPrint(tensors.FromScalar(float32(0.25))))
}
