// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smoothedCrossEntropy computes the reference value of one example: the
// cross-entropy of the softmax against onehot*(1-s) + s/numClasses.
func smoothedCrossEntropy(logits []float64, label int, smoothing float64) float64 {
	var sumExp float64
	for _, l := range logits {
		sumExp += math.Exp(l)
	}
	logSumExp := math.Log(sumExp)
	numClasses := float64(len(logits))
	var loss float64
	for ii, l := range logits {
		q := smoothing / numClasses
		if ii == label {
			q += 1 - smoothing
		}
		loss += q * (logSumExp - l)
	}
	return loss
}

func TestCrossEntropyLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := [][]float32{
		{2, 0, -1, 0.5},
		{-0.5, 1, 3, 0},
	}
	labels := [][]int64{{0}, {2}}

	for _, smoothing := range []float64{0, 0.1} {
		lossFn := CrossEntropyLoss(smoothing)
		exec := MustNewExec(backend, func(labels, logits *Node) *Node {
			return lossFn([]*Node{labels}, []*Node{logits})
		})
		losses := tensors.MustConstFlatData[float32](exec.Call(labels, logits)[0])
		assert.Len(t, losses, 2)
		for exampleIdx, loss := range losses {
			logits64 := make([]float64, len(logits[exampleIdx]))
			for ii, l := range logits[exampleIdx] {
				logits64[ii] = float64(l)
			}
			want := smoothedCrossEntropy(logits64, int(labels[exampleIdx][0]), smoothing)
			assert.InDeltaf(t, want, loss, 1e-4, "smoothing %g, example %d", smoothing, exampleIdx)
		}
	}
}

// Smoothing must strictly increase the loss of a confident, correct
// prediction, since probability mass is moved to the wrong classes.
func TestCrossEntropyLossSmoothingOrdering(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := [][]float32{{10, 0, 0, 0}}
	labels := [][]int64{{0}}

	var values []float32
	for _, smoothing := range []float64{0, 0.05, 0.2} {
		lossFn := CrossEntropyLoss(smoothing)
		exec := MustNewExec(backend, func(labels, logits *Node) *Node {
			return ReduceAllMean(lossFn([]*Node{labels}, []*Node{logits}))
		})
		values = append(values, tensors.ToScalar[float32](exec.Call(labels, logits)[0]))
	}
	assert.Less(t, values[0], values[1])
	assert.Less(t, values[1], values[2])
}
