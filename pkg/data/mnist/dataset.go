// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

const (
	// Mean and StdDev of the MNIST pixels, scaled to [0, 1].
	Mean   = 0.1307
	StdDev = 0.3081
)

// normalizedPixel maps a raw pixel value to (x/255 - Mean) / StdDev.
var normalizedPixel = func() (table [256]float32) {
	for ii := range table {
		table[ii] = float32((float64(ii)/255.0 - Mean) / StdDev)
	}
	return
}()

// Normalize returns the normalized value of a raw pixel.
func Normalize(pixel byte) float32 {
	return normalizedPixel[pixel]
}

// examples holds the pixels and labels of the full (train+test) MNIST data.
type examples struct {
	pixels []byte
	labels []uint8
}

func (e *examples) Len() int { return len(e.labels) }

// Dataset yields batches of one split of MNIST: images shaped [batch_size, 28, 28, 1] (float32, normalized)
// and labels shaped [batch_size, 1] (int32). The last batch may be smaller.
//
// It implements train.Dataset, and is safe for concurrent use, so it can be read by a datasets.ParallelDataset.
type Dataset struct {
	name      string
	data      *examples
	indices   []int
	batchSize int

	mu       sync.Mutex
	order    []int
	shuffle  *rand.Rand
	position int
}

var _ train.Dataset = (*Dataset)(nil)

// newDataset creates a Dataset over the given indices. If shuffle is not nil, the order of the examples is
// shuffled on creation and at every Reset.
func newDataset(name string, data *examples, indices []int, batchSize int, shuffle *rand.Rand) *Dataset {
	ds := &Dataset{
		name:      name,
		data:      data,
		indices:   indices,
		batchSize: batchSize,
		order:     make([]int, len(indices)),
		shuffle:   shuffle,
	}
	copy(ds.order, indices)
	ds.reshuffle()
	return ds
}

func (ds *Dataset) reshuffle() {
	if ds.shuffle == nil {
		return
	}
	ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.name }

// Len is the number of examples in the split.
func (ds *Dataset) Len() int { return len(ds.indices) }

// NumBatches is the number of batches of an epoch, counting the last partial batch.
func (ds *Dataset) NumBatches() int {
	return (len(ds.indices) + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset. The training split is reshuffled.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	ds.reshuffle()
}

// Yield implements train.Dataset. It returns io.EOF once the epoch is exhausted.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.position >= len(ds.order) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	start := ds.position
	end := min(start+ds.batchSize, len(ds.order))
	ds.position = end
	// Reset reshuffles order in place, possibly while parallel readers are still building batches.
	batchIndices := slices.Clone(ds.order[start:end])
	ds.mu.Unlock()

	n := len(batchIndices)
	images := make([]float32, n*ImageSize)
	targets := make([]int32, n)
	for ii, idx := range batchIndices {
		src := ds.data.pixels[idx*ImageSize : (idx+1)*ImageSize]
		dst := images[ii*ImageSize : (ii+1)*ImageSize]
		for jj, pixel := range src {
			dst[jj] = normalizedPixel[pixel]
		}
		targets[ii] = int32(ds.data.labels[idx])
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(images, n, Height, Width, 1)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(targets, n, 1)}
	return nil, inputs, labels, nil
}

// Loader is the dataset given to the trainer for one split: the split's Dataset, possibly read in parallel
// or ahead of time, and the number of batches per epoch.
type Loader struct {
	train.Dataset
	numBatches int
	parallel   *datasets.ParallelDataset
}

// NumBatches is the number of batches of an epoch.
func (l *Loader) NumBatches() int { return l.numBatches }

// Close stops the goroutines reading the dataset in parallel, if any.
func (l *Loader) Close() {
	if l.parallel != nil {
		l.parallel.Done()
		l.parallel = nil
	}
}

// newLoader wraps ds: numWorkers > 0 reads it with as many goroutines, and readAhead > 0 keeps that many
// batches ready in a buffer.
func newLoader(ds *Dataset, numWorkers, readAhead int) *Loader {
	l := &Loader{Dataset: ds, numBatches: ds.NumBatches()}
	switch {
	case numWorkers > 0:
		buffer := max(readAhead, numWorkers)
		l.parallel = datasets.CustomParallel(ds).Parallelism(numWorkers).Buffer(buffer).Start()
		l.Dataset = l.parallel
	case readAhead > 0:
		l.Dataset = datasets.ReadAhead(ds, readAhead)
		l.parallel, _ = l.Dataset.(*datasets.ParallelDataset)
	}
	return l
}
