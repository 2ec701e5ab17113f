// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// eval evaluates a checkpoint of the MNIST classifier on the test set.
//
// Usage:
//
//	eval [flags] ckpt_path=/path/to/checkpoint.ckpt [overrides...]
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
	flagConfigName = flag.String("config_name", "eval", "Primary configuration file in -config_dir.")
	flagCfg        = flag.Bool("cfg", false, "Prints the composed configuration and exits.")
)

func main() {
	klog.InitFlags(nil)
	must.M(flag.Set("logtostderr", "false"))
	must.M(flag.Set("alsologtostderr", "true"))
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] ckpt_path=<checkpoint> [overrides...]\n",
			os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	klog.SetOutput(io.Discard)
	defer klog.Flush()

	if _, err := ranklog.InitFromEnv(); err != nil {
		klog.Exitf("Invalid rank: %v", err)
	}
	_, _, err := tasks.Main(tasks.Options{
		ConfigDir:   *flagConfigDir,
		ConfigName:  *flagConfigName,
		Overrides:   flag.Args(),
		PrintConfig: *flagCfg,
		Input:       os.Stdin,
		Output:      os.Stdout,
	}, tasks.Evaluate)
	if err != nil {
		klog.Flush()
		klog.Exitf("Evaluation failed: %v", err)
	}
}
