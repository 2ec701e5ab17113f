// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ckpt_info reports the contents of checkpoints saved by train: the training state, the hyperparameters of the
// model and its variables. Given more than one checkpoint, it shows them side by side and highlights the
// differences.
//
// Usage:
//
//	ckpt_info [flags] logs/train/runs/<run>/checkpoints/last.ckpt [more checkpoints...]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/mnist-template/internal/ckptinfo"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the checkpoint to inspect. "+
		"The optimizer keeps its own variables, which are not counted as part of the model unless -scope=/.")
	flagSummary = flag.Bool("summary", false, "Display a summary: epoch, global step, best score and the size "+
		"of the variables under -scope. This is the default if no other report is selected.")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters of the module.")
	flagDiff   = flag.Bool("diff", false, "With -params, only list the hyperparameters that differ across checkpoints.")
	flagVars   = flag.Bool("vars", false, "Lists the variables under -scope of each checkpoint.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <checkpoint.ckpt> [more checkpoints...]\n",
			os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() == 0 {
		klog.Exitf("Missing checkpoint directory to read from. See '%s -help'", os.Args[0])
	}
	ckpts := make([]*ckptinfo.Checkpoint, 0, flag.NArg())
	for _, path := range flag.Args() {
		c, err := ckptinfo.Load(path)
		if err != nil {
			klog.Exitf("%+v", err)
		}
		ckpts = append(ckpts, c)
	}

	if !*flagParams && !*flagVars {
		*flagSummary = true
	}
	if *flagSummary {
		if err := ckptinfo.Summary(os.Stdout, ckpts, *flagScope); err != nil {
			klog.Exitf("%+v", err)
		}
	}
	if *flagParams {
		if err := ckptinfo.Hyperparameters(os.Stdout, ckpts, *flagDiff); err != nil {
			klog.Exitf("%+v", err)
		}
	}
	if *flagVars {
		backend, err := simplego.New("")
		if err != nil {
			klog.Exitf("Failed to create backend: %+v", err)
		}
		defer backend.Finalize()
		for _, c := range ckpts {
			if err := ckptinfo.Variables(os.Stdout, backend, c, *flagScope); err != nil {
				klog.Exitf("%+v", err)
			}
		}
	}
}
