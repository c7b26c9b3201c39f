// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// CrossEntropyLoss returns the per-example loss function: sparse categorical
// cross-entropy on the logits, optionally with label smoothing.
//
// With smoothing s the one-hot target becomes onehot*(1-s) + s/numClasses
// and the dense cross-entropy is taken against it. The returned losses are
// per-example; the trainer reduces them.
func CrossEntropyLoss(labelSmoothing float64) train.LossFn {
	if labelSmoothing == 0 {
		return losses.SparseCategoricalCrossEntropyLogits
	}
	return func(labels, predictions []*Node) *Node {
		logits := predictions[0]
		labels0 := labels[0]
		numClasses := logits.Shape().Dimensions[logits.Rank()-1]

		// Labels come shaped [batch, 1]; drop the last axis, OneHot re-adds it.
		reducedLabels := Reshape(labels0, labels0.Shape().Dimensions[:labels0.Rank()-1]...)
		oneHot := OneHot(reducedLabels, numClasses, logits.DType())
		smoothed := AddScalar(MulScalar(oneHot, 1-labelSmoothing), labelSmoothing/float64(numClasses))
		return losses.CategoricalCrossEntropyLogits([]*Node{smoothed}, predictions)
	}
}
