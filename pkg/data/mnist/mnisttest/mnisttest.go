// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnisttest writes small synthetic MNIST files, so tests can run without downloading the real data.
//
// Each synthetic digit is a bright vertical bar whose column depends on the label, plus a little noise: simple
// enough that a small model learns it in one epoch.
package mnisttest

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/mnist-template/pkg/data/mnist"
	"github.com/pkg/errors"
)

// Write synthetic MNIST files with numTrain and numTest examples into mnist.RawDir(dataDir).
func Write(dataDir string, numTrain, numTest int, seed int64) error {
	rawDir := mnist.RawDir(dataDir)
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", rawDir)
	}
	rng := rand.New(rand.NewSource(seed))
	for _, split := range []struct {
		imagesFile, labelsFile string
		n                      int
	}{
		{mnist.TrainImagesFile, mnist.TrainLabelsFile, numTrain},
		{mnist.TestImagesFile, mnist.TestLabelsFile, numTest},
	} {
		pixels, labels := Generate(rng, split.n)
		if err := mnist.WriteImages(filepath.Join(rawDir, split.imagesFile), pixels); err != nil {
			return err
		}
		if err := mnist.WriteLabels(filepath.Join(rawDir, split.labelsFile), labels); err != nil {
			return err
		}
	}
	return nil
}

// Generate n synthetic images (mnist.ImageSize bytes each) and their labels.
func Generate(rng *rand.Rand, n int) (pixels []byte, labels []uint8) {
	pixels = make([]byte, n*mnist.ImageSize)
	labels = make([]uint8, n)
	for ii := range n {
		label := uint8(rng.Intn(mnist.NumClasses))
		labels[ii] = label
		img := pixels[ii*mnist.ImageSize : (ii+1)*mnist.ImageSize]
		for jj := range img {
			img[jj] = uint8(rng.Intn(32))
		}
		col := 2 + 2*int(label)
		for row := 4; row < mnist.Height-4; row++ {
			img[row*mnist.Width+col] = 255
			img[row*mnist.Width+col+1] = 255
		}
	}
	return
}
