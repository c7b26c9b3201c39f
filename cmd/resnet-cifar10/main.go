// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resnet-cifar10 trains and evaluates a ResNet image classifier on the
// CIFAR-10 binary dataset.
//
// The dataset shards ("data_batch_*.bin", "test_batch.bin") are expected
// under --data_dir. Checkpoints are saved to and resumed from --model_dir.
package main

import (
	"flag"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet-cifar10/training"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir  = flag.String("data_dir", "~/work/cifar10", "Directory with the CIFAR-10 binary shard files.")
	flagModelDir = flag.String("model_dir", "~/work/cifar10/resnet", "Directory to save and resume checkpoints from.")
	flagMode     = flag.String("mode", training.ModeTrain, "One of: train, evaluate, test.")

	// Model architecture.
	flagResNetSize    = flag.Int("resnet_size", 56, "Depth of the ResNet, must be of the form 6n+2 (e.g. 20, 32, 56, 110).")
	flagResNetVersion = flag.Int("resnet_version", 1, "ResNet variant: 1 (original) or 2 (pre-activation).")

	// Training hyperparameters.
	flagTrainEpochs    = flag.Int("train_epochs", 182, "Number of epochs to train for.")
	flagBatchSize      = flag.Int("batch_size", 128, "Batch size for training.")
	flagEvalBatchSize  = flag.Int("eval_batch_size", 0, "Batch size for evaluation. Defaults to --batch_size.")
	flagShuffleBuffer  = flag.Int("shuffle_buffer", 10000, "Size of the shuffling window of the training stream.")
	flagPrefetch       = flag.Int("prefetch", 4, "Number of batches decoded ahead of the training step.")
	flagDType          = flag.String("dtype", "float32", "DType of the images and model weights (float32, float16, ...).")
	flagSeed           = flag.Int64("seed", 42, "Seed of the shuffling, augmentation and initialization RNGs.")
	flagMomentum       = flag.Float64("momentum", 0.9, "Momentum coefficient of the optimizer.")
	flagWeightDecay    = flag.Float64("weight_decay", 2e-4, "L2 weight decay, skipping batch normalization parameters.")
	flagLabelSmoothing = flag.Float64("label_smoothing", 0, "Label smoothing factor in [0, 1).")
	flagLossScale      = flag.Float64("loss_scale", 1, "Loss scaling for low precision training. 128 is a good value for float16.")
	flagEnableLARS     = flag.Bool("enable_lars", false, "Use the LARS optimizer with its polynomial decay schedule, for large batch sizes.")
	flagWarmup         = flag.Bool("warmup", false, "Ramp the learning rate up linearly over the first 5 epochs.")

	// Transfer learning.
	flagFineTune   = flag.Bool("fine_tune", false, "Only update the readout (dense) layer.")
	flagPretrained = flag.String("pretrained_model_checkpoint_path", "",
		"Warm-start a fresh model from this checkpoint directory, re-initializing the readout layer. "+
			"Ignored when --model_dir already has a checkpoint.")

	// Run control.
	flagStopThreshold = flag.Float64("stop_threshold", 0, "Stop training once the validation accuracy reaches this value. <= 0 disables it.")
	flagExportDir     = flag.String("export_dir", "", "If set, a copy of the final weights is saved there.")
	flagEval          = flag.Bool("eval", true, "Whether to evaluate the model on both partitions after training.")
	flagVerbosity     = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	// Checkpointing.
	flagCheckpointKeep  = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep in --model_dir.")
	flagCheckpointEvery = flag.Duration("checkpoint_every", 3*time.Minute, "Period between checkpoint saves.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := &training.Config{
		DataDir:              fsutil.MustReplaceTildeInDir(*flagDataDir),
		ModelDir:             fsutil.MustReplaceTildeInDir(*flagModelDir),
		Mode:                 *flagMode,
		ResNetSize:           *flagResNetSize,
		ResNetVersion:        *flagResNetVersion,
		TrainEpochs:          *flagTrainEpochs,
		BatchSize:            *flagBatchSize,
		EvalBatchSize:        *flagEvalBatchSize,
		ShuffleBuffer:        *flagShuffleBuffer,
		PrefetchDepth:        *flagPrefetch,
		DType:                must.M1(dtypes.DTypeString(*flagDType)),
		Seed:                 *flagSeed,
		Momentum:             *flagMomentum,
		WeightDecay:          *flagWeightDecay,
		LabelSmoothing:       *flagLabelSmoothing,
		LossScale:            *flagLossScale,
		EnableLARS:           *flagEnableLARS,
		Warmup:               *flagWarmup,
		FineTune:             *flagFineTune,
		PretrainedCheckpoint: replaceTildeIfSet(*flagPretrained),
		StopThreshold:        *flagStopThreshold,
		ExportDir:            replaceTildeIfSet(*flagExportDir),
		CheckpointKeep:       *flagCheckpointKeep,
		CheckpointEvery:      *flagCheckpointEvery,
		EvaluateOnEnd:        *flagEval,
		Verbosity:            *flagVerbosity,
	}
	must.M(training.Run(cfg))
}

func replaceTildeIfSet(dir string) string {
	if dir == "" {
		return ""
	}
	return fsutil.MustReplaceTildeInDir(dir)
}
