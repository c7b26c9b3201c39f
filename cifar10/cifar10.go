// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar10 reads the CIFAR-10 binary dataset and assembles the input
// pipeline used for training: record decoding, image augmentation, shuffled
// and batched streaming, and background prefetching.
// Information about the dataset in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar10

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Image dimensions of the CIFAR-10 examples.
const (
	Height int = 32
	Width  int = 32
	Depth  int = 3
)

const (
	// ImageBytes is the size of one image payload in a binary record: the
	// 3 channel planes stored one after another.
	ImageBytes = Height * Width * Depth

	// RecordBytes is the size of one record: a label byte followed by the
	// image payload.
	RecordBytes = 1 + ImageBytes

	// NumClasses of the dataset.
	NumClasses = 10

	// NumTrainImages and NumValidationImages are the sizes of the train and
	// validation partitions used to convert epochs to steps.
	NumTrainImages      = 48000
	NumValidationImages = 12000

	// CropPadding is the zero border added to each side of a training image
	// before taking a random crop back to Height x Width.
	CropPadding = 4

	numTrainFiles = 5
)

// Labels of the 10 classes, indexed by the label value stored in the records.
var Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

var (
	// ErrSourceNotFound is returned (wrapped) when a dataset shard file does
	// not exist.
	ErrSourceNotFound = errors.New("CIFAR-10 data source not found")

	// ErrRecordSize is returned (wrapped) when a record (or a trailing
	// fragment of a shard file) doesn't have exactly RecordBytes bytes.
	ErrRecordSize = errors.New("CIFAR-10 record has wrong size")
)

// TrainingFiles returns the paths of the 5 training shard files under dir.
func TrainingFiles(dir string) []string {
	files := make([]string, 0, numTrainFiles)
	for ii := 1; ii <= numTrainFiles; ii++ {
		files = append(files, filepath.Join(dir, fmt.Sprintf("data_batch_%d.bin", ii)))
	}
	return files
}

// ValidationFiles returns the path of the held-out shard file under dir.
func ValidationFiles(dir string) []string {
	return []string{filepath.Join(dir, "test_batch.bin")}
}

// checkFilesExist verifies every shard file is present, returning an error
// wrapping ErrSourceNotFound otherwise.
func checkFilesExist(paths []string) error {
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.Wrapf(ErrSourceNotFound, "shard file %q", p)
			}
			return errors.Wrapf(err, "stat-ing shard file %q", p)
		}
		if fi.IsDir() {
			return errors.Wrapf(ErrSourceNotFound, "shard file %q is a directory", p)
		}
	}
	return nil
}
