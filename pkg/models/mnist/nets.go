// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist implements the MNIST classifiers and the LitModule that trains them with the trainer package.
package mnist

// This file implements the networks: a fully connected one and a small CNN.

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

const (
	// NumClasses of MNIST.
	NumClasses = 10

	// Height and Width of the MNIST images.
	Height, Width = 28, 28
)

// Net builds the logits, shaped [batch_size, output_size], of a batch of images shaped [batch_size, 28, 28, 1].
type Net interface {
	Name() string
	Logits(ctx *context.Context, images *Node) *Node
	Hyperparameters() map[string]any
}

// SimpleDenseNet is a fully connected network: every hidden layer is a Dense layer followed by a batch
// normalization and a ReLU.
type SimpleDenseNet struct {
	InputSize  int `yaml:"input_size"`
	Lin1Size   int `yaml:"lin1_size"`
	Lin2Size   int `yaml:"lin2_size"`
	Lin3Size   int `yaml:"lin3_size"`
	OutputSize int `yaml:"output_size"`
}

// NewSimpleDenseNet returns the default 784 -> 64 -> 128 -> 64 -> 10 network.
func NewSimpleDenseNet() *SimpleDenseNet {
	return &SimpleDenseNet{InputSize: Height * Width, Lin1Size: 64, Lin2Size: 128, Lin3Size: 64, OutputSize: NumClasses}
}

// Validate the sizes of the layers.
func (n *SimpleDenseNet) Validate() error {
	for name, size := range map[string]int{"input_size": n.InputSize, "lin1_size": n.Lin1Size,
		"lin2_size": n.Lin2Size, "lin3_size": n.Lin3Size, "output_size": n.OutputSize} {
		if size <= 0 {
			return errors.Errorf("SimpleDenseNet: %s must be positive, got %d", name, size)
		}
	}
	return nil
}

// Name implements Net.
func (n *SimpleDenseNet) Name() string { return "SimpleDenseNet" }

// Logits implements Net.
func (n *SimpleDenseNet) Logits(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	x := Reshape(images, batchSize, -1)
	if x.Shape().Dimensions[1] != n.InputSize {
		Panicf("SimpleDenseNet: input_size=%d, but images have %d values (shape %s)", n.InputSize,
			x.Shape().Dimensions[1], images.Shape())
	}
	for ii, size := range []int{n.Lin1Size, n.Lin2Size, n.Lin3Size} {
		layerCtx := ctx.Inf("%03d_hidden", ii)
		x = layers.Dense(layerCtx, x, true, size)
		x = batchnorm.New(layerCtx.In("norm"), x, -1).Done()
		x = activations.Relu(x)
	}
	return layers.Dense(ctx.In("readout"), x, true, n.OutputSize)
}

// Hyperparameters implements Net.
func (n *SimpleDenseNet) Hyperparameters() map[string]any {
	return map[string]any{
		"_target_":    SimpleDenseNetTarget,
		"input_size":  n.InputSize,
		"lin1_size":   n.Lin1Size,
		"lin2_size":   n.Lin2Size,
		"lin3_size":   n.Lin3Size,
		"output_size": n.OutputSize,
	}
}

// CNN is two blocks of convolution, ReLU, normalization and max-pooling, followed by a hidden dense layer.
type CNN struct {
	Channels1 int `yaml:"channels1"`
	Channels2 int `yaml:"channels2"`
	// Normalization is "batch", "layer" or "none".
	Normalization string  `yaml:"normalization"`
	HiddenSize    int     `yaml:"hidden_size"`
	DropoutRate   float64 `yaml:"dropout_rate"`
	OutputSize    int     `yaml:"output_size"`
}

// NewCNN returns the default CNN, with 32 and 64 channels.
func NewCNN() *CNN {
	return &CNN{Channels1: 32, Channels2: 64, Normalization: "batch", HiddenSize: 128, OutputSize: NumClasses}
}

// Validate the configuration of the CNN.
func (n *CNN) Validate() error {
	if n.Channels1 <= 0 || n.Channels2 <= 0 || n.HiddenSize <= 0 || n.OutputSize <= 0 {
		return errors.Errorf("CNN: channels, hidden_size and output_size must be positive, got %+v", *n)
	}
	switch n.Normalization {
	case "batch", "layer", "none", "":
	default:
		return errors.Errorf("CNN: invalid normalization %q, valid values are \"batch\", \"layer\" or \"none\"",
			n.Normalization)
	}
	if n.DropoutRate < 0 || n.DropoutRate >= 1 {
		return errors.Errorf("CNN: dropout_rate must be in [0, 1), got %g", n.DropoutRate)
	}
	return nil
}

// Name implements Net.
func (n *CNN) Name() string { return "CNN" }

// Logits implements Net.
func (n *CNN) Logits(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := images
	for _, channels := range []int{n.Channels1, n.Channels2} {
		x = layers.Convolution(nextCtx("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = n.normalize(nextCtx("norm"), x)
		x = MaxPool(x).Window(2).Done()
	}
	x.AssertDims(batchSize, Height/4, Width/4, n.Channels2)
	x = Reshape(x, batchSize, -1)
	if n.DropoutRate > 0 {
		x = layers.DropoutNormalize(nextCtx("dropout"), x, Scalar(x.Graph(), x.DType(), n.DropoutRate), true)
	}
	x = activations.Relu(layers.Dense(nextCtx("hidden"), x, true, n.HiddenSize))
	return layers.Dense(nextCtx("readout"), x, true, n.OutputSize)
}

func (n *CNN) normalize(ctx *context.Context, x *Node) *Node {
	switch n.Normalization {
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2, 3).Done()
	default:
		return x
	}
}

// Hyperparameters implements Net.
func (n *CNN) Hyperparameters() map[string]any {
	return map[string]any{
		"_target_":      CNNTarget,
		"channels1":     n.Channels1,
		"channels2":     n.Channels2,
		"normalization": n.Normalization,
		"hidden_size":   n.HiddenSize,
		"dropout_rate":  n.DropoutRate,
		"output_size":   n.OutputSize,
	}
}

// describeNet is used in log messages.
func describeNet(net Net) string {
	return fmt.Sprintf("%s%v", net.Name(), net.Hyperparameters())
}
