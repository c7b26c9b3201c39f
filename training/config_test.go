// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		DataDir:       "/tmp/cifar10",
		ModelDir:      "/tmp/cifar10/model",
		Mode:          ModeTrain,
		ResNetSize:    56,
		ResNetVersion: 1,
		TrainEpochs:   182,
		BatchSize:     128,
		DType:         dtypes.Float32,
		Momentum:      0.9,
		WeightDecay:   2e-4,
		LossScale:     1,
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	for name, mutate := range map[string]func(c *Config){
		"bad mode":            func(c *Config) { c.Mode = "predict" },
		"empty data dir":      func(c *Config) { c.DataDir = "" },
		"empty model dir":     func(c *Config) { c.ModelDir = "" },
		"bad resnet size":     func(c *Config) { c.ResNetSize = 55 },
		"bad resnet version":  func(c *Config) { c.ResNetVersion = 3 },
		"zero batch size":     func(c *Config) { c.BatchSize = 0 },
		"zero epochs":         func(c *Config) { c.TrainEpochs = 0 },
		"smoothing too large": func(c *Config) { c.LabelSmoothing = 1 },
		"negative smoothing":  func(c *Config) { c.LabelSmoothing = -0.1 },
		"zero loss scale":     func(c *Config) { c.LossScale = 0 },
		"negative decay":      func(c *Config) { c.WeightDecay = -1e-4 },
		"momentum too large":  func(c *Config) { c.Momentum = 1 },
		"integer dtype":       func(c *Config) { c.DType = dtypes.Int32 },
		"threshold too large": func(c *Config) { c.StopThreshold = 1.5 },
	} {
		cfg := validConfig()
		mutate(cfg)
		err := cfg.Validate()
		assert.Errorf(t, err, "case %q", name)
		assert.Truef(t, errors.Is(err, ErrInvalidConfig), "case %q: got %v", name, err)
	}

	// Evaluation does not require a number of epochs.
	cfg := validConfig()
	cfg.Mode = ModeEvaluate
	cfg.TrainEpochs = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfigDefaults(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 128, cfg.evalBatchSize())
	cfg.EvalBatchSize = 1000
	assert.Equal(t, 1000, cfg.evalBatchSize())
	assert.Equal(t, 375, cfg.batchesPerEpoch())
}
