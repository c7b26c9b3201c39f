// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Schedule maps the training step to a learning rate. RateAt is the pure-Go
// form, LearningRateGraph the in-graph form used while building the update
// graph -- the two must agree.
//
// The step node passed to LearningRateGraph is a scalar already converted to
// the float dtype the schedule should compute in.
type Schedule interface {
	RateAt(step int64) float64
	LearningRateGraph(g *Graph, step *Node) *Node
}

// Learning-rate schedule defaults, matching the classic CIFAR-10 recipe:
// the base rate is linearly scaled by batchSize/BatchDenominator and decayed
// at fixed epoch boundaries.
const (
	DefaultBaseRate  = 0.1
	BatchDenominator = 32
	WarmupEpochs     = 5
	polyBudgetEpochs = 90
	polyMinDecayStep = 1
)

var (
	// DefaultBoundaryEpochs and DefaultDecayRates define the step-decay
	// schedule: rate decayRates[i] applies before boundaryEpochs[i] (and
	// the last rate after the final boundary).
	DefaultBoundaryEpochs = []int{91, 126, 182}
	DefaultDecayRates     = []float64{1, 0.1, 0.01, 0.001}
)

// StepDecay is a piecewise-constant learning-rate schedule with an optional
// linear warmup ramp: rate(0) is 0 and it grows linearly to the initial
// rate over the warmup steps.
type StepDecay struct {
	initialRate float64
	boundaries  []int64
	rates       []float64
	warmupSteps int64
}

// NewStepDecay builds a step-decay schedule. The initial rate is
// baseRate * batchSize / BatchDenominator, the epoch boundaries are
// converted to steps through numImages/batchSize, and each decay rate is a
// multiplier on the initial rate. warmupEpochs == 0 disables warmup.
//
// There must be exactly one more decay rate than boundaries.
func NewStepDecay(numImages, batchSize int, baseRate float64, boundaryEpochs []int, decayRates []float64, warmupEpochs int) (*StepDecay, error) {
	if len(decayRates) != len(boundaryEpochs)+1 {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"step decay needs len(decayRates) == len(boundaryEpochs)+1, got %d boundaries and %d rates",
			len(boundaryEpochs), len(decayRates))
	}
	if batchSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "step decay needs batchSize > 0, got %d", batchSize)
	}
	batchesPerEpoch := float64(numImages) / float64(batchSize)
	initialRate := baseRate * float64(batchSize) / BatchDenominator
	s := &StepDecay{
		initialRate: initialRate,
		boundaries:  make([]int64, 0, len(boundaryEpochs)),
		rates:       make([]float64, 0, len(decayRates)),
		warmupSteps: int64(batchesPerEpoch * float64(warmupEpochs)),
	}
	for _, epoch := range boundaryEpochs {
		s.boundaries = append(s.boundaries, int64(batchesPerEpoch*float64(epoch)))
	}
	for _, decay := range decayRates {
		s.rates = append(s.rates, initialRate*decay)
	}
	return s, nil
}

// InitialRate after batch-size scaling (and the warmup target).
func (s *StepDecay) InitialRate() float64 { return s.initialRate }

// RateAt implements Schedule.
func (s *StepDecay) RateAt(step int64) float64 {
	if s.warmupSteps > 0 && step < s.warmupSteps {
		return s.initialRate * float64(step) / float64(s.warmupSteps)
	}
	for ii, boundary := range s.boundaries {
		if step < boundary {
			return s.rates[ii]
		}
	}
	return s.rates[len(s.rates)-1]
}

// LearningRateGraph implements Schedule.
func (s *StepDecay) LearningRateGraph(g *Graph, step *Node) *Node {
	dtype := step.DType()
	lr := Scalar(g, dtype, s.rates[len(s.rates)-1])
	for ii := len(s.boundaries) - 1; ii >= 0; ii-- {
		boundary := Scalar(g, dtype, float64(s.boundaries[ii]))
		lr = Where(LessThan(step, boundary), Scalar(g, dtype, s.rates[ii]), lr)
	}
	if s.warmupSteps > 0 {
		warmupSteps := Scalar(g, dtype, float64(s.warmupSteps))
		warmupRate := MulScalar(Div(step, warmupSteps), s.initialRate)
		lr = Where(LessThan(step, warmupSteps), warmupRate, lr)
	}
	return lr
}

// PolynomialDecay is the LARS large-batch schedule: a linear warmup to a
// peak rate selected by batch-size bracket, then a polynomial (power 2)
// decay to zero over a fixed 90-epoch budget.
type PolynomialDecay struct {
	peak        float64
	warmupSteps int64
	totalSteps  int64
}

// NewPolynomialDecay builds the polynomial schedule for the given batch
// size. The peak rate and warmup length follow the published large-batch
// brackets.
func NewPolynomialDecay(numImages, batchSize int) (*PolynomialDecay, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "polynomial decay needs batchSize > 0, got %d", batchSize)
	}
	var peak float64
	var warmupEpochs int
	switch {
	case batchSize < 8192:
		peak, warmupEpochs = 5.0, 5
	case batchSize < 16384:
		peak, warmupEpochs = 10.0, 5
	case batchSize < 32768:
		peak, warmupEpochs = 25.0, 5
	default:
		peak, warmupEpochs = 32.0, 14
	}
	batchesPerEpoch := float64(numImages) / float64(batchSize)
	return &PolynomialDecay{
		peak:        peak,
		warmupSteps: int64(float64(warmupEpochs) * batchesPerEpoch),
		totalSteps:  int64(batchesPerEpoch * polyBudgetEpochs),
	}, nil
}

// Peak learning rate of the warmup ramp.
func (s *PolynomialDecay) Peak() float64 { return s.peak }

// RateAt implements Schedule.
func (s *PolynomialDecay) RateAt(step int64) float64 {
	if step <= s.warmupSteps {
		return s.peak * float64(step) / float64(s.warmupSteps)
	}
	decaySteps := max(step-s.warmupSteps, polyMinDecayStep)
	decayTotal := s.totalSteps - s.warmupSteps + 1
	decaySteps = min(decaySteps, decayTotal)
	remaining := 1.0 - float64(decaySteps)/float64(decayTotal)
	return s.peak * remaining * remaining
}

// LearningRateGraph implements Schedule.
func (s *PolynomialDecay) LearningRateGraph(g *Graph, step *Node) *Node {
	dtype := step.DType()
	warmupSteps := Scalar(g, dtype, float64(s.warmupSteps))
	warmupRate := MulScalar(Div(step, warmupSteps), s.peak)

	decayTotal := float64(s.totalSteps - s.warmupSteps + 1)
	decaySteps := MaxScalar(Sub(step, warmupSteps), polyMinDecayStep)
	decaySteps = MinScalar(decaySteps, decayTotal)
	remaining := OneMinus(DivScalar(decaySteps, decayTotal))
	polyRate := MulScalar(Mul(remaining, remaining), s.peak)

	return Where(LessOrEqual(step, warmupSteps), warmupRate, polyRate)
}
