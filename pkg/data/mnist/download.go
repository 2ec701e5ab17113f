// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// DownloadURL is the base URL of the MNIST files.
	DownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	// RawSubdir is where the MNIST files are stored, relative to the data directory.
	RawSubdir = "MNIST/raw"

	TrainImagesFile = "train-images-idx3-ubyte.gz"
	TrainLabelsFile = "train-labels-idx1-ubyte.gz"
	TestImagesFile  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

// Files lists the four MNIST files, images and labels of the train and test sets.
var Files = []string{TrainImagesFile, TrainLabelsFile, TestImagesFile, TestLabelsFile}

// RawDir returns the directory where the MNIST files are stored for the given data directory.
func RawDir(dataDir string) string {
	return filepath.Join(dataDir, filepath.FromSlash(RawSubdir))
}

// Download the MNIST files that are missing in RawDir(dataDir). Files already present are not downloaded again.
func Download(dataDir string, showProgressBar bool) error {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return err
	}
	rawDir := RawDir(dataDir)
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create MNIST directory %q", rawDir)
	}
	for _, file := range Files {
		filePath := filepath.Join(rawDir, file)
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		fileURL, err := url.JoinPath(DownloadURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid MNIST URL for %q", file)
		}
		klog.Infof("Downloading %s ...", fileURL)
		size, err := downloadFile(fileURL, filePath, showProgressBar)
		if err != nil {
			_ = os.Remove(filePath)
			return err
		}
		klog.V(1).Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), filePath)
	}
	return nil
}

// downloadFile writes the contents of fileURL to a temporary file that is renamed to filePath once complete,
// so an interrupted download is not taken for a valid file.
func downloadFile(fileURL, filePath string, showProgressBar bool) (size int64, err error) {
	resp, err := http.Get(fileURL)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", fileURL, resp.Status)
	}

	tmpPath := filePath + ".partial"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	var w io.Writer = file
	var bar *progressbar.ProgressBar
	if showProgressBar {
		bar = progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(fmt.Sprintf("%-28s", filepath.Base(filePath))),
			progressbar.OptionShowBytes(true),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		w = io.MultiWriter(file, bar)
	}
	size, err = io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Close()
		fmt.Println()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", fileURL, tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	return size, nil
}
