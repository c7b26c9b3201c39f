// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar10

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrefetchDataset wraps a train.Dataset with a background producer goroutine
// that decodes and batches ahead of the consumer, up to a bounded buffer.
// When the buffer is full the producer blocks, so a slow consumer applies
// backpressure instead of accumulating batches without limit. A single
// producer is used, so the order of the yields is preserved.
//
// To avoid leaking the producer goroutine, call Done when finished with the
// dataset.
type PrefetchDataset struct {
	// Dataset is the wrapped source.
	Dataset train.Dataset

	name, shortName string
	depth           int

	// impl is the actual implementation. It must not point back to the
	// PrefetchDataset, so garbage collecting the wrapper also stops the
	// producer.
	impl *prefetchImpl

	// keepAlive is used only to keep PrefetchDataset alive in the middle of
	// long calls.
	keepAlive int64
}

type prefetchUnit struct {
	spec   any
	inputs []*tensors.Tensor
	labels []*tensors.Tensor
}

type prefetchImpl struct {
	source train.Dataset

	err   error
	muErr sync.Mutex

	buffer                                chan prefetchUnit
	epochFinished, stopEpoch, stopDataset chan struct{}
	done                                  *xsync.Latch
}

var _ train.Dataset = (*PrefetchDataset)(nil)

// Prefetch wraps ds with a producer running depth batches ahead of the
// consumer. The underlying dataset's Yield must be safe for concurrent use
// with its Reset. A depth <= 0 disables buffering beyond the one batch the
// producer holds in hand.
func Prefetch(ds train.Dataset, depth int) *PrefetchDataset {
	if depth < 0 {
		depth = 0
	}
	pd := &PrefetchDataset{
		Dataset: ds,
		name:    ds.Name(),
		depth:   depth,
	}
	if sn, ok := ds.(train.HasShortName); ok {
		pd.shortName = sn.ShortName()
	} else {
		pd.shortName = pd.name[:min(3, len(pd.name))]
	}
	impl := &prefetchImpl{
		source:      ds,
		buffer:      make(chan prefetchUnit, depth),
		stopDataset: make(chan struct{}),
		done:        xsync.NewLatch(),
	}
	pd.impl = impl
	// If the PrefetchDataset is garbage collected, stop the producer.
	runtime.SetFinalizer(pd, func(pd *PrefetchDataset) {
		if pd.impl != nil {
			pd.impl.stop()
			pd.impl = nil
		}
	})
	impl.startProducer()
	return pd
}

// stop closes stopDataset unless the producer already closed it when
// recording an error.
func (impl *prefetchImpl) stop() {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	select {
	case <-impl.stopDataset:
		// Already stopped by the producer.
	default:
		close(impl.stopDataset)
	}
}

func (impl *prefetchImpl) startProducer() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	go func() {
		defer func() {
			impl.muErr.Lock()
			defer impl.muErr.Unlock()
			select {
			case <-impl.stopDataset:
				impl.done.Trigger()
				return
			default:
			}
			close(impl.epochFinished)
		}()
		for {
			select {
			case <-impl.stopEpoch:
				return
			case <-impl.stopDataset:
				return
			default:
				// Move forward and generate the next batch.
			}
			var unit prefetchUnit
			var err error
			unit.spec, unit.inputs, unit.labels, err = impl.source.Yield()
			if err == io.EOF {
				return
			}
			if err != nil {
				klog.Errorf("prefetch of dataset failed: %+v", err)
				impl.muErr.Lock()
				if impl.err == nil {
					impl.err = err
				}
				close(impl.stopEpoch)
				close(impl.stopDataset)
				impl.muErr.Unlock()
				return
			}
			select {
			case <-impl.stopEpoch:
				return
			case <-impl.stopDataset:
				return
			case impl.buffer <- unit:
				// Batch buffered, move to the next.
			}
		}
	}()
}

// Name implements train.Dataset.
func (pd *PrefetchDataset) Name() string { return pd.name }

// ShortName implements train.HasShortName.
func (pd *PrefetchDataset) ShortName() string { return pd.shortName }

// Done stops the producer and waits for it to finish. The dataset can no
// longer be used afterward.
func (pd *PrefetchDataset) Done() {
	if pd.impl == nil {
		return
	}
	impl := pd.impl
	pd.impl = nil
	impl.stop()
	select {
	case <-impl.epochFinished:
		// Producer had already exited on its own (io.EOF).
	default:
		impl.done.Wait()
	}
}

// Yield implements train.Dataset, taking the next batch from the buffer.
func (pd *PrefetchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	impl := pd.impl
	if impl == nil {
		err = errors.Errorf("PrefetchDataset.Yield called after Done")
		return
	}
	var unit prefetchUnit
	select {
	case <-impl.stopDataset:
		// An error occurred, dataset is closed.
		impl.muErr.Lock()
		err = impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = io.EOF
		}
		return
	case unit = <-impl.buffer:
		// We got a new batch.
	case <-impl.epochFinished:
		// No more batches being produced (until Reset), but the buffer may
		// still hold some.
		select {
		case unit = <-impl.buffer:
		default:
			err = io.EOF
			return
		}
	}
	spec, inputs, labels = unit.spec, unit.inputs, unit.labels

	// This no-op prevents pd from being garbage collected, and the producer
	// stopped, in the middle of the Yield. Leave this at the end.
	pd.keepAlive++
	return
}

// Reset implements train.Dataset: it stops the producer, drains the buffer,
// resets the underlying dataset and restarts the producer.
func (pd *PrefetchDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("PrefetchDataset.Reset called after Done")
		return
	}

	impl.muErr.Lock()
	select {
	case <-impl.stopEpoch:
		// Already stopped (e.g. after an error).
	default:
		close(impl.stopEpoch)
	}
	impl.muErr.Unlock()
drain:
	for {
		select {
		case <-impl.stopDataset:
			return
		case <-impl.epochFinished:
			break drain
		case <-impl.buffer:
			// Discard batches that were still buffered.
		}
	}

	impl.source.Reset()
	impl.startProducer()

	// This no-op prevents pd from being garbage collected, and the producer
	// stopped, in the middle of the Reset. Leave this at the end.
	pd.keepAlive++
}
