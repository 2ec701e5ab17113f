// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train fits the MNIST classifier described by the configuration, and optionally tests it.
//
// Usage:
//
//	train [flags] [overrides...]
//
// Overrides are "key=value" (the key must exist), "+key=value" (the key must not exist), "++key=value",
// "~key" and "group=option", e.g.:
//
//	train trainer.max_epochs=20 model=cnn logger=csv
//	train experiment=example
//	train -m model.optimizer.lr=0.005,0.01 data.batch_size=64,128
//	train -m hparams_search=mnist_random experiment=example
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/gomlx/mnist-template/internal/tasks"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfigDir = flag.String("config_dir", "configs",
		"Directory with the configuration files. If relative, it is taken from the project root.")
	flagConfigName = flag.String("config_name", "train", "Primary configuration file in -config_dir.")
	flagMultirun   = flag.Bool("m", false,
		"Multirun: runs one job per combination of the comma separated override values, or the "+
			"trials of the sweeper configured in hydra.sweeper.")
	flagCfg = flag.Bool("cfg", false, "Prints the composed configuration and exits.")
)

func main() {
	klog.InitFlags(nil)
	// Logs go to the terminal and to the log file of each job.
	must.M(flag.Set("logtostderr", "false"))
	must.M(flag.Set("alsologtostderr", "true"))
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [overrides...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	klog.SetOutput(io.Discard)
	defer klog.Flush()

	if _, err := ranklog.InitFromEnv(); err != nil {
		klog.Exitf("Invalid rank: %v", err)
	}
	value, found, err := tasks.Main(tasks.Options{
		ConfigDir:   *flagConfigDir,
		ConfigName:  *flagConfigName,
		Overrides:   flag.Args(),
		Multirun:    *flagMultirun,
		PrintConfig: *flagCfg,
		Input:       os.Stdin,
		Output:      os.Stdout,
	}, tasks.Train)
	if err != nil {
		klog.Flush()
		klog.Exitf("Training failed: %v", err)
	}
	if found {
		fmt.Println(value)
	}
}
