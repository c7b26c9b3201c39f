// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/resnet-cifar10/cifar10"
	"github.com/gomlx/resnet-cifar10/resnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCheckpoint is wrapped by errors loading or saving model checkpoints.
var ErrCheckpoint = errors.New("checkpoint failure")

// errTargetAccuracyReached interrupts the training loop once the early-stop
// accuracy threshold is reached. It is converted back to a normal stop.
var errTargetAccuracyReached = errors.New("target evaluation accuracy reached")

// backend is created once and reused if Run is called multiple times.
var backend backends.Backend

// Run validates the configuration and dispatches to the mode's entry point.
func Run(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if backend == nil {
		backend = backends.MustNew()
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	switch cfg.Mode {
	case ModeTrain:
		return Train(cfg)
	default:
		return Evaluate(cfg)
	}
}

// Train runs the training loop: input pipeline, model, optimizer, metrics,
// checkpointing and the optional final evaluation.
func Train(cfg *Config) error {
	trainDS, trainEvalDS, validationEvalDS, err := createDatasets(cfg)
	if err != nil {
		return err
	}

	ctx := context.New()
	ctx.SetRNGStateFromSeed(cfg.Seed)
	ctx.SetParam(batchnorm.AveragesUpdatesTriggerParam, true)

	checkpoint, err := buildCheckpoint(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.PretrainedCheckpoint != "" {
		if err = warmStart(ctx, cfg.PretrainedCheckpoint); err != nil {
			return err
		}
	}

	trainer, err := newTrainer(ctx, cfg)
	if err != nil {
		return err
	}
	loop := train.NewLoop(trainer)
	if cfg.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Fail fast with a diagnosable error instead of letting NaNs corrupt the
	// weights and checkpoints.
	loop.OnStep("numeric stability guard", 50, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		batchLoss := shapes.ConvertTo[float64](stepMetrics[0].Value())
		if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
			return errors.Wrapf(ErrNumericInstability, "at step %d, batch loss=%f", loop.LoopStep, batchLoss)
		}
		return nil
	})

	if checkpoint != nil {
		train.PeriodicCallback(loop, cfg.CheckpointEvery, true, "saving checkpoint", 100,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}
	if cfg.StopThreshold > 0 {
		train.EveryNSteps(loop, cfg.batchesPerEpoch(), "early stopping", 100,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				accuracy, err := evalAccuracy(trainer, validationEvalDS)
				if err != nil {
					return err
				}
				klog.V(1).Infof("early stopping check at step %d: validation accuracy=%.2f%%",
					loop.LoopStep, 100*accuracy)
				if accuracy >= cfg.StopThreshold {
					return errors.Wrapf(errTargetAccuracyReached, "validation accuracy %.4f at step %d",
						accuracy, loop.LoopStep)
				}
				return nil
			})
	}

	// Resume from the checkpoint's global step, reusing its variables.
	numTrainSteps := cfg.TrainEpochs * cfg.batchesPerEpoch()
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_, err = loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if err != nil && errors.Is(err, errTargetAccuracyReached) {
			fmt.Printf("Stopping early: %v\n", err)
			err = nil
		}
		if err != nil {
			return err
		}
		trainDS.Done()
		if cfg.Verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Recompute the batch normalization averages over the training data,
		// they give better evaluation results than the moving averages.
		updated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			return err
		}
		if updated {
			if cfg.Verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				if err = checkpoint.Save(); err != nil {
					return errors.Wrapf(ErrCheckpoint, "saving to %q: %v", checkpoint.Dir(), err)
				}
			}
		}
	} else {
		fmt.Printf("\t - target train steps (%d) already reached. To train further, increase the number "+
			"of epochs.\n", numTrainSteps)
	}

	if cfg.ExportDir != "" {
		if err = exportWeights(ctx, cfg.ExportDir); err != nil {
			return err
		}
		if cfg.Verbosity >= 1 {
			fmt.Printf("\tExported final weights to %q\n", cfg.ExportDir)
		}
	}

	if cfg.EvaluateOnEnd {
		if cfg.Verbosity >= 1 {
			fmt.Println()
		}
		return commandline.ReportEval(trainer, validationEvalDS, trainEvalDS)
	}
	return nil
}

// Evaluate loads the latest checkpoint and reports the evaluation metrics:
// the validation partition only in ModeTest, both partitions in ModeEvaluate.
func Evaluate(cfg *Config) error {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(cfg.ModelDir).Done()
	if err != nil {
		return errors.Wrapf(ErrCheckpoint, "loading from %q: %v", cfg.ModelDir, err)
	}
	ctx = ctx.Reuse()

	trainer, err := newTrainer(ctx, cfg)
	if err != nil {
		return err
	}
	evalValidation, err := cifar10.NewDataset("validation", cifar10.ValidationFiles(cfg.DataDir), cfg.DType)
	if err != nil {
		return err
	}
	validationEvalDS := evalValidation.BatchSize(cfg.evalBatchSize(), false)
	if cfg.Mode == ModeTest {
		return commandline.ReportEval(trainer, validationEvalDS)
	}
	evalTrain, err := cifar10.NewDataset("training (eval)", cifar10.TrainingFiles(cfg.DataDir), cfg.DType)
	if err != nil {
		return err
	}
	trainEvalDS := evalTrain.BatchSize(cfg.evalBatchSize(), false)
	return commandline.ReportEval(trainer, validationEvalDS, trainEvalDS)
}

// createDatasets builds the shuffled+augmented training stream and the
// one-epoch evaluation datasets for both partitions.
func createDatasets(cfg *Config) (trainDS *cifar10.PrefetchDataset, trainEvalDS, validationEvalDS train.Dataset, err error) {
	trainFiles := cifar10.TrainingFiles(cfg.DataDir)
	validationFiles := cifar10.ValidationFiles(cfg.DataDir)

	baseTrain, err := cifar10.NewDataset("training", trainFiles, cfg.DType)
	if err != nil {
		return
	}
	baseTrain.WithSeed(cfg.Seed).
		BatchSize(cfg.BatchSize, true).
		Infinite().
		WithAugmentation()
	if cfg.ShuffleBuffer > 0 {
		baseTrain.Shuffle(cfg.ShuffleBuffer)
	}
	trainDS = cifar10.Prefetch(baseTrain, cfg.PrefetchDepth)

	evalTrain, err := cifar10.NewDataset("training (eval)", trainFiles, cfg.DType)
	if err != nil {
		return
	}
	trainEvalDS = evalTrain.BatchSize(cfg.evalBatchSize(), false)

	evalValidation, err := cifar10.NewDataset("validation", validationFiles, cfg.DType)
	if err != nil {
		return
	}
	validationEvalDS = evalValidation.BatchSize(cfg.evalBatchSize(), false)
	return
}

// newTrainer assembles the model graph, loss, optimizer and metrics.
func newTrainer(ctx *context.Context, cfg *Config) (*train.Trainer, error) {
	model, err := resnet.New(cfg.ResNetSize, cfg.ResNetVersion, cifar10.NumClasses)
	if err != nil {
		return nil, err
	}
	optimizer, err := newOptimizer(cfg)
	if err != nil {
		return nil, err
	}

	movingAccuracy := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAccuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	topFiveAccuracy := NewTopFiveAccuracy("Mean Top-5 Accuracy", "#acc5")

	trainer := train.NewTrainer(backend, ctx, model.ModelGraph,
		CrossEntropyLoss(cfg.LabelSmoothing),
		optimizer,
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy, topFiveAccuracy})
	return trainer, nil
}

// newOptimizer builds the LARS or momentum optimizer with the matching
// learning-rate schedule.
func newOptimizer(cfg *Config) (optimizers.Interface, error) {
	if cfg.EnableLARS {
		schedule, err := NewPolynomialDecay(cifar10.NumTrainImages, cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		lars := LARS().
			WithSchedule(schedule).
			WithMomentum(cfg.Momentum).
			WithLossScale(cfg.LossScale).
			WithWeightDecay(cfg.WeightDecay)
		if cfg.FineTune {
			lars.WithUpdateFilter(resnet.IsReadoutParam)
		}
		return lars.Done(), nil
	}

	warmupEpochs := 0
	if cfg.Warmup {
		warmupEpochs = WarmupEpochs
	}
	schedule, err := NewStepDecay(cifar10.NumTrainImages, cfg.BatchSize, DefaultBaseRate,
		DefaultBoundaryEpochs, DefaultDecayRates, warmupEpochs)
	if err != nil {
		return nil, err
	}
	momentum := Momentum().
		WithSchedule(schedule).
		WithMomentum(cfg.Momentum).
		WithLossScale(cfg.LossScale).
		WithWeightDecay(cfg.WeightDecay, resnet.IsNormalizationParam)
	if cfg.FineTune {
		momentum.WithUpdateFilter(resnet.IsReadoutParam)
	}
	return momentum.Done(), nil
}

// buildCheckpoint sets up periodic checkpoint saving to (and resuming from)
// the model directory.
func buildCheckpoint(ctx *context.Context, cfg *Config) (*checkpoints.Handler, error) {
	keep := cfg.CheckpointKeep
	if keep <= 0 {
		keep = 3
	}
	checkpoint, err := checkpoints.Build(ctx).
		Dir(cfg.ModelDir).
		Keep(keep).
		Done()
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpoint, "building handler for %q: %v", cfg.ModelDir, err)
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	return checkpoint, nil
}

// warmStart lazily loads a pretrained model's weights into the context,
// dropping the readout layer (so it is re-initialized for the new training)
// and the training state (global step, learning rate, optimizer slots). The
// kept weights are consumed as the model graph is built.
func warmStart(ctx *context.Context, pretrainedDir string) error {
	if optimizers.GetGlobalStep(ctx) > 0 {
		// Already resuming from this model's own checkpoint.
		klog.V(1).Infof("ignoring pretrained checkpoint %q, resuming instead", pretrainedDir)
		return nil
	}
	pretrained, err := checkpoints.Load(ctx).
		Dir(pretrainedDir).
		ExcludeAllParams().
		Done()
	if err != nil {
		return errors.Wrapf(ErrCheckpoint, "warm start from %q: %v", pretrainedDir, err)
	}

	type scopeAndName struct{ scope, name string }
	var toDelete []scopeAndName
	for paramName := range pretrained.LoadedVariables() {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		if isTrainingStateScope(scope) || name == optimizers.GlobalStepVariableName ||
			strings.Contains(scope, context.ScopeSeparator+resnet.ReadoutScope) {
			toDelete = append(toDelete, scopeAndName{scope, name})
		}
	}
	// The deletions cascade to the checkpoint loader.
	for _, sn := range toDelete {
		if err = ctx.DeleteVariable(sn.scope, sn.name); err != nil {
			return err
		}
	}
	return nil
}

// isTrainingStateScope reports whether the scope holds optimizer or loop
// state rather than model weights.
func isTrainingStateScope(scope string) bool {
	for _, stateScope := range []string{MomentumScope, LARSScope, optimizers.Scope} {
		if strings.Contains(scope, context.ScopeSeparator+stateScope) {
			return true
		}
	}
	return strings.HasPrefix(scope, train.TrainerAbsoluteScope)
}

// exportWeights saves a copy of the current variables to a separate
// directory, detached from the periodic checkpoint rotation.
func exportWeights(ctx *context.Context, exportDir string) error {
	exporter, err := checkpoints.Build(ctx).Dir(exportDir).Keep(1).Done()
	if err != nil {
		return errors.Wrapf(ErrCheckpoint, "building export handler for %q: %v", exportDir, err)
	}
	if err = exporter.Save(); err != nil {
		return errors.Wrapf(ErrCheckpoint, "exporting to %q: %v", exportDir, err)
	}
	return nil
}

// evalAccuracy evaluates the dataset and returns the mean accuracy in [0, 1].
func evalAccuracy(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	start := time.Now()
	values, err := trainer.Eval(ds)
	if err != nil {
		return 0, err
	}
	ds.Reset()
	klog.V(2).Infof("evaluated %s in %s", ds.Name(), time.Since(start))
	for metricIdx, metric := range trainer.EvalMetrics() {
		if metric.MetricType() == metrics.AccuracyMetricType {
			return shapes.ConvertTo[float64](values[metricIdx].Value()), nil
		}
	}
	return 0, errors.Errorf("no accuracy metric registered in trainer")
}
