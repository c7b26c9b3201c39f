// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// TopFiveAccuracyGraph returns the fraction of examples whose true label is
// among the 5 highest logits. An example counts as a hit when fewer than 5
// classes score strictly higher than the label's logit, so ties at the
// boundary favor inclusion. Labels must be integers shaped like the logits
// with the last dimension == 1.
func TopFiveAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	logits0 := logits[0]
	g := logits0.Graph()
	labels0 := labels[0]
	labelsShape := labels0.Shape()
	logitsDType := logits0.DType()
	if !labelsShape.DType.IsInt() {
		Panicf("labels indices dtype (%s), it must be integer", labelsShape.DType)
	}
	if labelsShape.Rank() != logits0.Rank() || labelsShape.Dimensions[labelsShape.Rank()-1] != 1 {
		Panicf("labels(%s) are expected to be shaped like the logits(%s) with the last dimension == 1",
			labelsShape, logits0.Shape())
	}
	numClasses := logits0.Shape().Dimensions[logits0.Rank()-1]

	// Pick each example's label logit through a one-hot mask, then count the
	// classes strictly above it.
	labelMask := OneHot(Squeeze(labels0, -1), numClasses, logitsDType)
	labelLogit := ReduceSum(Mul(logits0, labelMask), -1)
	numAbove := ReduceSum(
		ConvertDType(GreaterThan(logits0, ExpandAxes(labelLogit, -1)), logitsDType), -1)
	hits := ConvertDType(LessThan(numAbove, Scalar(g, logitsDType, 5)), logitsDType)
	return Div(ReduceAllSum(hits), Scalar(g, logitsDType, float64(hits.Shape().Size())))
}

// NewTopFiveAccuracy returns a mean top-5 accuracy metric with the given
// names.
func NewTopFiveAccuracy(name, shortName string) metrics.Interface {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, TopFiveAccuracyGraph, accuracyPPrint)
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}
