// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist implements the MNIST data module: it downloads the MNIST digits, splits the 70,000 examples
// (train and test files concatenated) into train, validation and test sets with a fixed seed, and serves
// normalized batches of each split.
package mnist

import (
	"math/rand"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// NumClasses of MNIST: the digits 0 to 9.
	NumClasses = 10

	// NumExamples in the train and test files together.
	NumExamples = 70000

	// DefaultSplitSeed is the seed of the train/validation/test partition.
	DefaultSplitSeed = 42
)

// Config of the DataModule.
type Config struct {
	// DataDir where the MNIST files are downloaded, under "MNIST/raw".
	DataDir string `yaml:"data_dir"`

	// TrainValTestSplit are the sizes of the train, validation and test sets. They must sum up to the total
	// number of examples.
	TrainValTestSplit []int `yaml:"train_val_test_split"`

	// BatchSize is the global batch size, divided across devices.
	BatchSize int `yaml:"batch_size"`

	// NumWorkers reading the training data in parallel. 0 reads it in the training loop, -1 uses one worker per
	// physical core.
	NumWorkers int `yaml:"num_workers"`

	// PinMemory keeps a few batches ready ahead of time.
	PinMemory bool `yaml:"pin_memory"`

	// SplitSeed is the seed of the train/validation/test partition.
	SplitSeed int64 `yaml:"split_seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:           "data",
		TrainValTestSplit: []int{55000, 5000, 10000},
		BatchSize:         64,
		SplitSeed:         DefaultSplitSeed,
	}
}

// readAheadBatches is the number of batches kept ready when PinMemory is set.
const readAheadBatches = 4

// DataModule serves the MNIST train, validation and test splits.
type DataModule struct {
	cfg Config

	mu                 sync.Mutex
	batchSizePerDevice int
	shuffleSeed        int64
	data               *examples
	splits             [3][]int
	loaders            []*Loader
}

// New creates a DataModule. No data is read until Setup.
func New(cfg Config) (*DataModule, error) {
	if len(cfg.TrainValTestSplit) != 3 {
		return nil, errors.Errorf("train_val_test_split must have 3 sizes (train, validation, test), got %v",
			cfg.TrainValTestSplit)
	}
	for _, size := range cfg.TrainValTestSplit {
		if size < 0 {
			return nil, errors.Errorf("train_val_test_split sizes must be non-negative, got %v", cfg.TrainValTestSplit)
		}
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	dataDir, err := fsutil.ReplaceTildeInDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	return &DataModule{
		cfg:                cfg,
		batchSizePerDevice: cfg.BatchSize,
		shuffleSeed:        cfg.SplitSeed,
	}, nil
}

// Config returns the configuration of the data module.
func (dm *DataModule) Config() Config { return dm.cfg }

// NumClasses returns the number of classes, 10.
func (dm *DataModule) NumClasses() int { return NumClasses }

// BatchSizePerDevice is the batch size after Setup divided it across devices.
func (dm *DataModule) BatchSizePerDevice() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.batchSizePerDevice
}

// SetSeed sets the seed of the per-epoch shuffling of the training data. It applies to loaders created afterward.
func (dm *DataModule) SetSeed(seed int64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.shuffleSeed = seed
}

// PrepareData downloads the data if needed. It should be called from only one process per machine.
func (dm *DataModule) PrepareData() error {
	return Download(dm.cfg.DataDir, true)
}

// Setup divides the batch size across the worldSize devices, and loads and splits the data on the first call.
// Later calls don't re-split the data.
func (dm *DataModule) Setup(stage string, worldSize int) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if worldSize <= 0 {
		worldSize = 1
	}
	if dm.cfg.BatchSize%worldSize != 0 {
		return errors.Errorf("Batch size (%d) is not divisible by the number of devices (%d).",
			dm.cfg.BatchSize, worldSize)
	}
	dm.batchSizePerDevice = dm.cfg.BatchSize / worldSize
	if dm.data != nil {
		return nil
	}

	data, err := loadExamples(RawDir(dm.cfg.DataDir))
	if err != nil {
		return err
	}
	splits, err := splitIndices(data.Len(), dm.cfg.TrainValTestSplit, dm.cfg.SplitSeed)
	if err != nil {
		return err
	}
	dm.data = data
	dm.splits = splits
	klog.V(1).Infof("MNIST setup (stage %q): %d train, %d validation and %d test examples, batch size %d per device",
		stage, len(splits[0]), len(splits[1]), len(splits[2]), dm.batchSizePerDevice)
	return nil
}

// loadExamples reads the train and test files and concatenates them.
func loadExamples(rawDir string) (*examples, error) {
	data := &examples{}
	for _, files := range [][2]string{{TrainImagesFile, TrainLabelsFile}, {TestImagesFile, TestLabelsFile}} {
		pixels, numImages, err := LoadImages(filepath.Join(rawDir, files[0]))
		if err != nil {
			return nil, err
		}
		labels, err := LoadLabels(filepath.Join(rawDir, files[1]))
		if err != nil {
			return nil, err
		}
		if len(labels) != numImages {
			return nil, errors.Errorf("MNIST files %q and %q have %d images and %d labels", files[0], files[1],
				numImages, len(labels))
		}
		for _, label := range labels {
			if int(label) >= NumClasses {
				return nil, errors.Errorf("invalid label %d in %q", label, files[1])
			}
		}
		data.pixels = append(data.pixels, pixels...)
		data.labels = append(data.labels, labels...)
	}
	return data, nil
}

// splitIndices randomly partitions the indices 0..total-1 into consecutive chunks of the given sizes, using a
// permutation generated with seed.
func splitIndices(total int, sizes []int, seed int64) (splits [3][]int, err error) {
	sum := 0
	for _, size := range sizes {
		sum += size
	}
	if sum != total {
		return splits, errors.Errorf("train_val_test_split %v sums to %d, but the dataset has %d examples",
			sizes, sum, total)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(total)
	start := 0
	for ii, size := range sizes {
		splits[ii] = perm[start : start+size : start+size]
		start += size
	}
	return splits, nil
}

// SplitIndices returns the indices (into the concatenated train+test examples) of the train, validation and
// test splits. They are nil before Setup.
func (dm *DataModule) SplitIndices() (trainIdx, valIdx, testIdx []int) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.splits[0], dm.splits[1], dm.splits[2]
}

func (dm *DataModule) numWorkers() int {
	switch {
	case dm.cfg.NumWorkers >= 0:
		return dm.cfg.NumWorkers
	case cpuid.CPU.PhysicalCores > 0:
		return cpuid.CPU.PhysicalCores
	default:
		return runtime.NumCPU()
	}
}

func (dm *DataModule) newLoader(name string, split int, shuffle bool) (*Loader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.data == nil {
		return nil, errors.Errorf("MNIST data module: Setup must be called before creating the %q loader", name)
	}
	var rng *rand.Rand
	numWorkers, readAhead := 0, 0
	if dm.cfg.PinMemory {
		readAhead = readAheadBatches
	}
	if shuffle {
		rng = rand.New(rand.NewSource(dm.shuffleSeed))
		numWorkers = dm.numWorkers()
	}
	ds := newDataset(name, dm.data, dm.splits[split], dm.batchSizePerDevice, rng)
	loader := newLoader(ds, numWorkers, readAhead)
	dm.loaders = append(dm.loaders, loader)
	return loader, nil
}

// loader avoids returning a typed nil.
func (dm *DataModule) loader(name string, split int, shuffle bool) (trainer.Loader, error) {
	l, err := dm.newLoader(name, split, shuffle)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// TrainDataLoader returns a loader over the training split, reshuffled at every epoch.
func (dm *DataModule) TrainDataLoader() (trainer.Loader, error) {
	return dm.loader("train", 0, true)
}

// ValDataLoader returns a loader over the validation split, in a fixed order.
func (dm *DataModule) ValDataLoader() (trainer.Loader, error) {
	return dm.loader("val", 1, false)
}

// TestDataLoader returns a loader over the test split, in a fixed order.
func (dm *DataModule) TestDataLoader() (trainer.Loader, error) {
	return dm.loader("test", 2, false)
}

var (
	_ trainer.DataModule = (*DataModule)(nil)
	_ trainer.Seedable   = (*DataModule)(nil)
)

// StateDict returns the state of the data module saved in checkpoints. It has none.
func (dm *DataModule) StateDict() map[string]any {
	return map[string]any{}
}

// LoadStateDict restores the state saved by StateDict.
func (dm *DataModule) LoadStateDict(state map[string]any) error {
	return nil
}

// Teardown stops the background readers of the loaders created so far.
func (dm *DataModule) Teardown(stage string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, loader := range dm.loaders {
		loader.Close()
	}
	dm.loaders = nil
}
