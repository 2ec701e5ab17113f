// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ranklog is a rank-aware facade over klog for runs with multiple processes.
//
// Every message is prefixed with "[rank: N]". A Logger logs from every process by default; created with
// RankZeroOnly it only logs from the process of rank 0; and each call can also be restricted to one
// specific rank with OnRank.
//
// The global rank must be set (SetGlobalRank or InitFromEnv) before a Logger is used, otherwise it panics.
package ranklog

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Severity of a log message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Sink receives the formatted messages. depth is the number of stack frames to skip to reach the caller
// of the Logger method.
type Sink func(severity Severity, depth int, msg string)

// KlogSink sends the messages to klog.
func KlogSink(severity Severity, depth int, msg string) {
	depth++
	switch severity {
	case SeverityWarning:
		klog.WarningDepth(depth, msg)
	case SeverityError:
		klog.ErrorDepth(depth, msg)
	default:
		klog.InfoDepth(depth, msg)
	}
}

var warningsDisabled atomic.Bool

// DisableWarnings silences (or re-enables) all warnings logged through this package. It returns the
// previous setting.
func DisableWarnings(disabled bool) (previous bool) {
	return warningsDisabled.Swap(disabled)
}

// Logger logs messages prefixed with the rank of the process.
type Logger struct {
	rankZeroOnly bool
	onRank       int
	sink         Sink
}

// New creates a Logger that logs from every process.
func New() *Logger {
	return &Logger{onRank: -1, sink: KlogSink}
}

// RankZeroOnly creates a Logger that only logs from the process of rank 0.
func RankZeroOnly() *Logger {
	l := New()
	l.rankZeroOnly = true
	return l
}

// WithSink returns a copy of the Logger writing to sink.
func (l *Logger) WithSink(sink Sink) *Logger {
	l2 := *l
	l2.sink = sink
	return &l2
}

// OnRank returns a copy of the Logger that only logs from the process with the given rank.
// It has no effect on a RankZeroOnly logger.
func (l *Logger) OnRank(rank int) *Logger {
	l2 := *l
	l2.onRank = rank
	return &l2
}

// Log a message with the given severity.
func (l *Logger) Log(severity Severity, format string, args ...any) {
	l.log(severity, format, args...)
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...any) {
	l.log(SeverityInfo, format, args...)
}

// Warningf logs a warning, unless warnings were disabled with DisableWarnings.
func (l *Logger) Warningf(format string, args ...any) {
	l.log(SeverityWarning, format, args...)
}

// Errorf logs an error.
func (l *Logger) Errorf(format string, args ...any) {
	l.log(SeverityError, format, args...)
}

func (l *Logger) log(severity Severity, format string, args ...any) {
	rank, ok := GlobalRank()
	if !ok {
		panic(errors.New("ranklog: the global rank must be set (ranklog.SetGlobalRank or ranklog.InitFromEnv) " +
			"before using the logger"))
	}
	if severity == SeverityWarning && warningsDisabled.Load() {
		return
	}
	if l.rankZeroOnly {
		if rank != 0 {
			return
		}
	} else if l.onRank >= 0 && l.onRank != rank {
		return
	}
	msg := fmt.Sprintf("[rank: %d] %s", rank, fmt.Sprintf(format, args...))
	// Skip log, the exported method and the sink itself.
	l.sink(severity, 2, msg)
}
