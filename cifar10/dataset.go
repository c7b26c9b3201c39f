// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Dataset streams CIFAR-10 records from binary shard files and yields them
// as batched tensors. It implements train.Dataset so it can be fed directly
// to train.Trainer and train.Loop.
//
// The pipeline is pull-based: each Yield reads just enough records (through
// the optional shuffle window) to assemble one batch. Configure it with the
// builder methods before the first Yield, e.g.:
//
//	ds, err := cifar10.NewDataset("train", cifar10.TrainingFiles(dir), dtypes.Float32)
//	...
//	ds.BatchSize(128, true).Shuffle(4096).Infinite().WithAugmentation()
//
// Yield is safe for concurrent use, which Prefetch relies on.
type Dataset struct {
	name          string
	paths         []string
	dtype         dtypes.DType
	batchSize     int
	dropRemainder bool
	numEpochs     int // <= 0 means repeat forever.
	shuffleWindow int
	augment       *Augmenter
	rng           *rand.Rand

	mu        sync.Mutex
	file      *os.File
	fileIdx   int
	epoch     int
	window    []*Example
	exhausted bool
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the given shard files, yielding image
// tensors of the given dtype (Float32, Float64, Float16 or BFloat16) and
// Int64 labels shaped [batch, 1].
//
// All shard files must exist: a missing one fails immediately with an error
// wrapping ErrSourceNotFound. The dataset defaults to one epoch, batch size
// 1, no shuffling and no augmentation.
func NewDataset(name string, paths []string, dtype dtypes.DType) (*Dataset, error) {
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrSourceNotFound, "dataset %q: no shard files given", name)
	}
	if err := checkFilesExist(paths); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	if !dtype.IsFloat() {
		return nil, errors.Errorf("dataset %q: images dtype must be a float type, got %s", name, dtype)
	}
	if klog.V(1).Enabled() {
		var totalBytes int64
		for _, p := range paths {
			if fi, err := os.Stat(p); err == nil {
				totalBytes += fi.Size()
			}
		}
		klog.Infof("dataset %q: %d shard files, %s, ~%d records",
			name, len(paths), humanize.Bytes(uint64(totalBytes)), totalBytes/int64(RecordBytes))
	}
	return &Dataset{
		name:      name,
		paths:     paths,
		dtype:     dtype,
		batchSize: 1,
		numEpochs: 1,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// BatchSize sets the number of examples per yielded batch. If dropRemainder
// is true a final incomplete batch is discarded, otherwise it is yielded
// with a smaller leading dimension.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) BatchSize(n int, dropRemainder bool) *Dataset {
	ds.batchSize = n
	ds.dropRemainder = dropRemainder
	return ds
}

// Shuffle enables shuffling through a bounded window of the given size:
// each yielded example is picked uniformly from the window, which is
// refilled from the record stream. Records of a following epoch may enter
// the window before the current epoch fully drains -- the window doesn't
// align with epoch boundaries.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) Shuffle(windowSize int) *Dataset {
	ds.shuffleWindow = windowSize
	return ds
}

// Epochs sets how many passes over the shard files to stream before
// reporting io.EOF. The default is 1.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.numEpochs = n
	return ds
}

// Infinite repeats the shard files forever; the loop's step budget becomes
// the only terminal condition.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) Infinite() *Dataset {
	ds.numEpochs = 0
	return ds
}

// WithAugmentation enables the training-time augmentation (pad + random
// crop + standardization). Without it, images are only standardized.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) WithAugmentation() *Dataset {
	ds.augment = NewAugmenter(true, ds.rng)
	return ds
}

// WithSeed makes shuffling and augmentation deterministic.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) WithSeed(seed int64) *Dataset {
	ds.rng = rand.New(rand.NewSource(seed))
	if ds.augment != nil {
		ds.augment = NewAugmenter(true, ds.rng)
	}
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Yield implements train.Dataset: it returns the next batch as one images
// tensor shaped [n, Height, Width, Depth] and one labels tensor shaped
// [n, 1], or io.EOF when the configured epochs are exhausted.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	batch := make([]*Example, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		example, nextErr := ds.next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return nil, nil, nil, nextErr
		}
		batch = append(batch, example)
	}
	if len(batch) == 0 || (ds.dropRemainder && len(batch) < ds.batchSize) {
		return nil, nil, nil, io.EOF
	}
	images, labelsT, err := ds.makeBatch(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	return ds, []*tensors.Tensor{images}, []*tensors.Tensor{labelsT}, nil
}

// Reset implements train.Dataset, restarting the stream from the first
// shard file.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.file != nil {
		_ = ds.file.Close()
		ds.file = nil
	}
	ds.fileIdx = 0
	ds.epoch = 0
	ds.window = ds.window[:0]
	ds.exhausted = false
}

// next returns one decoded (and augmented or standardized) example, picked
// through the shuffle window.
func (ds *Dataset) next() (*Example, error) {
	windowSize := max(ds.shuffleWindow, 1)
	for !ds.exhausted && len(ds.window) < windowSize {
		example, err := ds.readRecord()
		if err == io.EOF {
			ds.exhausted = true
			break
		}
		if err != nil {
			return nil, err
		}
		ds.window = append(ds.window, example)
	}
	if len(ds.window) == 0 {
		return nil, io.EOF
	}
	idx := 0
	if ds.shuffleWindow > 1 {
		idx = ds.rng.Intn(len(ds.window))
	}
	example := ds.window[idx]
	last := len(ds.window) - 1
	ds.window[idx] = ds.window[last]
	ds.window[last] = nil
	ds.window = ds.window[:last]
	if ds.augment != nil {
		ds.augment.Apply(example.Pixels)
	} else {
		standardize(example.Pixels)
	}
	return example, nil
}

// readRecord reads and decodes the next fixed-length record, advancing
// through shard files and epochs as they are exhausted.
func (ds *Dataset) readRecord() (*Example, error) {
	var buf [RecordBytes]byte
	for {
		if ds.file == nil {
			if ds.fileIdx >= len(ds.paths) {
				ds.epoch++
				if ds.numEpochs > 0 && ds.epoch >= ds.numEpochs {
					return nil, io.EOF
				}
				ds.fileIdx = 0
			}
			f, err := os.Open(ds.paths[ds.fileIdx])
			if err != nil {
				if os.IsNotExist(err) {
					return nil, errors.Wrapf(ErrSourceNotFound, "shard file %q", ds.paths[ds.fileIdx])
				}
				return nil, errors.Wrapf(err, "opening shard file %q", ds.paths[ds.fileIdx])
			}
			ds.file = f
		}
		_, err := io.ReadFull(ds.file, buf[:])
		if err == io.EOF {
			_ = ds.file.Close()
			ds.file = nil
			ds.fileIdx++
			continue
		}
		if err == io.ErrUnexpectedEOF {
			path := ds.paths[ds.fileIdx]
			_ = ds.file.Close()
			ds.file = nil
			return nil, errors.Wrapf(ErrRecordSize, "trailing fragment in shard file %q", path)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading shard file %q", ds.paths[ds.fileIdx])
		}
		return DecodeRecord(buf[:])
	}
}

// makeBatch assembles the examples into the images and labels tensors.
func (ds *Dataset) makeBatch(batch []*Example) (images, labels *tensors.Tensor, err error) {
	n := len(batch)
	labels = tensors.FromShape(shapes.Make(dtypes.Int64, n, 1))
	tensors.MustMutableFlatData[int64](labels, func(data []int64) {
		for ii, example := range batch {
			data[ii] = example.Label
		}
	})
	images = tensors.FromShape(shapes.Make(ds.dtype, n, Height, Width, Depth))
	switch ds.dtype {
	case dtypes.Float32:
		tensors.MustMutableFlatData[float32](images, func(data []float32) {
			for ii, example := range batch {
				copy(data[ii*ImageBytes:(ii+1)*ImageBytes], example.Pixels)
			}
		})
	case dtypes.Float64:
		tensors.MustMutableFlatData[float64](images, func(data []float64) {
			for ii, example := range batch {
				for jj, p := range example.Pixels {
					data[ii*ImageBytes+jj] = float64(p)
				}
			}
		})
	case dtypes.Float16:
		tensors.MustMutableFlatData[float16.Float16](images, func(data []float16.Float16) {
			for ii, example := range batch {
				for jj, p := range example.Pixels {
					data[ii*ImageBytes+jj] = float16.Fromfloat32(p)
				}
			}
		})
	case dtypes.BFloat16:
		tensors.MustMutableFlatData[bfloat16.BFloat16](images, func(data []bfloat16.BFloat16) {
			for ii, example := range batch {
				for jj, p := range example.Pixels {
					data[ii*ImageBytes+jj] = bfloat16.FromFloat32(p)
				}
			}
		})
	default:
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
		return nil, nil, errors.Errorf("images dtype %s not supported", ds.dtype)
	}
	return
}
