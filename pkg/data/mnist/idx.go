// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	// Width and Height of the MNIST images.
	Width  = 28
	Height = 28

	// ImageSize is the number of pixels of one image.
	ImageSize = Width * Height

	// ImageMagic and LabelMagic are the magic numbers of the IDX image and label files.
	ImageMagic = 0x00000803
	LabelMagic = 0x00000801
)

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

func openGzip(filePath string) (io.Reader, func(), error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to decompress %q", filePath)
	}
	closeFn := func() {
		_ = gz.Close()
		_ = f.Close()
	}
	return gz, closeFn, nil
}

// LoadImages reads a gzipped IDX image file and returns its pixels, ImageSize bytes per image, in file order.
func LoadImages(filePath string) (pixels []byte, numImages int, err error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, 0, err
	}
	defer closeFn()

	var header imageFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != ImageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, 0, errors.Errorf("mnist: invalid image file format in %q (magic=0x%08x, %dx%d)",
			filePath, header.Magic, header.Height, header.Width)
	}
	numImages = int(header.NumImages)
	pixels = make([]byte, numImages*ImageSize)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read %d images from %q", numImages, filePath)
	}
	return pixels, numImages, nil
}

// LoadLabels reads a gzipped IDX label file and returns its labels in file order.
func LoadLabels(filePath string) ([]uint8, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != LabelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("mnist: invalid label file format in %q (magic=0x%08x)", filePath, header.Magic)
	}
	labels := make([]uint8, header.NumLabels)
	if _, err = io.ReadFull(reader, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filePath)
	}
	return labels, nil
}

// WriteImages writes pixels (ImageSize bytes per image) as a gzipped IDX image file.
func WriteImages(filePath string, pixels []byte) error {
	if len(pixels)%ImageSize != 0 {
		return errors.Errorf("pixels length %d is not a multiple of the image size %d", len(pixels), ImageSize)
	}
	header := imageFileHeader{
		Magic:     ImageMagic,
		NumImages: int32(len(pixels) / ImageSize),
		Height:    Height,
		Width:     Width,
	}
	return writeGzip(filePath, &header, pixels)
}

// WriteLabels writes labels as a gzipped IDX label file.
func WriteLabels(filePath string, labels []uint8) error {
	header := labelFileHeader{Magic: LabelMagic, NumLabels: int32(len(labels))}
	return writeGzip(filePath, &header, labels)
}

func writeGzip(filePath string, header any, body []byte) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	gz := gzip.NewWriter(f)
	if err = binary.Write(gz, binary.BigEndian, header); err == nil {
		_, err = gz.Write(body)
	}
	if closeErr := gz.Close(); err == nil {
		err = closeErr
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed to write %q", filePath)
}
