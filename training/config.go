// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training wires the CIFAR-10 input pipeline and the ResNet model
// graphs into a full training application: learning-rate schedules, momentum
// and LARS optimizers, loss with label smoothing and weight decay, accuracy
// metrics, checkpointing and the train/evaluate entry points.
package training

import (
	"slices"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet-cifar10/cifar10"
	"github.com/gomlx/resnet-cifar10/resnet"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Execution modes.
const (
	ModeTrain    = "train"
	ModeEvaluate = "evaluate"
	ModeTest     = "test"
)

var validModes = map[string]bool{
	ModeTrain:    true,
	ModeEvaluate: true,
	ModeTest:     true,
}

var (
	// ErrInvalidConfig is wrapped by all configuration validation errors.
	ErrInvalidConfig = errors.New("invalid training configuration")

	// ErrNumericInstability is wrapped by the error that aborts training
	// when a batch loss becomes NaN or +/-Inf.
	ErrNumericInstability = errors.New("batch loss is NaN or infinite")
)

// Config holds every knob of a training (or evaluation) run. It is built
// once -- by the command line front-end or a test -- validated, and then
// treated as immutable.
type Config struct {
	// DataDir holds the binary shard files; ModelDir receives checkpoints.
	DataDir  string
	ModelDir string

	// Mode is one of ModeTrain, ModeEvaluate or ModeTest.
	Mode string

	ResNetSize    int
	ResNetVersion int

	TrainEpochs   int
	BatchSize     int
	EvalBatchSize int // Defaults to BatchSize if 0.
	ShuffleBuffer int
	PrefetchDepth int
	DType         dtypes.DType
	Seed          int64

	Momentum       float64
	WeightDecay    float64
	LabelSmoothing float64
	LossScale      float64
	EnableLARS     bool
	Warmup         bool

	// FineTune restricts gradient updates to the readout layer.
	FineTune bool
	// PretrainedCheckpoint warm-starts a fresh model from another model's
	// checkpoint directory, skipping the readout layer.
	PretrainedCheckpoint string

	// StopThreshold stops training early once the evaluation accuracy
	// reaches it. <= 0 disables it.
	StopThreshold float64

	// ExportDir, if set, receives a copy of the final weights.
	ExportDir string

	CheckpointKeep  int
	CheckpointEvery time.Duration

	EvaluateOnEnd bool

	// Verbosity of the progress output; negative silences it.
	Verbosity int
}

// Validate checks the configuration before any backend, dataset or model is
// built. All returned errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if !validModes[c.Mode] {
		modes := maps.Keys(validModes)
		slices.Sort(modes)
		return errors.Wrapf(ErrInvalidConfig, "mode %q, valid modes are %v", c.Mode, modes)
	}
	if c.DataDir == "" {
		return errors.Wrapf(ErrInvalidConfig, "data dir must be set")
	}
	if c.ModelDir == "" {
		return errors.Wrapf(ErrInvalidConfig, "model dir must be set")
	}
	if _, err := resnet.New(c.ResNetSize, c.ResNetVersion, cifar10.NumClasses); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "model architecture: %v", err)
	}
	if c.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "batch size must be > 0, got %d", c.BatchSize)
	}
	if c.EvalBatchSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "eval batch size must be >= 0, got %d", c.EvalBatchSize)
	}
	if c.Mode == ModeTrain && c.TrainEpochs <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "train epochs must be > 0, got %d", c.TrainEpochs)
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "label smoothing must be in [0, 1), got %g", c.LabelSmoothing)
	}
	if c.LossScale <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "loss scale must be > 0, got %g", c.LossScale)
	}
	if c.WeightDecay < 0 {
		return errors.Wrapf(ErrInvalidConfig, "weight decay must be >= 0, got %g", c.WeightDecay)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "momentum must be in [0, 1), got %g", c.Momentum)
	}
	if !c.DType.IsFloat() {
		return errors.Wrapf(ErrInvalidConfig, "images dtype must be a float type, got %s", c.DType)
	}
	if c.StopThreshold > 1 {
		return errors.Wrapf(ErrInvalidConfig, "stop threshold is an accuracy in [0, 1], got %g", c.StopThreshold)
	}
	return nil
}

// evalBatchSize resolves the default.
func (c *Config) evalBatchSize() int {
	if c.EvalBatchSize > 0 {
		return c.EvalBatchSize
	}
	return c.BatchSize
}

// batchesPerEpoch of the training partition, after drop-remainder.
func (c *Config) batchesPerEpoch() int {
	return cifar10.NumTrainImages / c.BatchSize
}
