// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// Event of the Trainer's lifecycle that hooks can be attached to.
type Event int

const (
	EventFitStart Event = iota
	EventSanityCheckStart
	EventSanityCheckEnd
	EventTrainStart
	EventTrainEpochStart
	EventTrainBatchEnd
	EventTrainEpochEnd
	EventValidationStart
	EventValidationBatchEnd
	EventValidationEnd
	EventTrainEnd
	EventFitEnd
	EventTestStart
	EventTestBatchEnd
	EventTestEnd
	EventSaveCheckpoint
	EventException
	numEvents
)

var eventNames = [numEvents]string{
	"OnFitStart", "OnSanityCheckStart", "OnSanityCheckEnd", "OnTrainStart", "OnTrainEpochStart",
	"OnTrainBatchEnd", "OnTrainEpochEnd", "OnValidationStart", "OnValidationBatchEnd", "OnValidationEnd",
	"OnTrainEnd", "OnFitEnd", "OnTestStart", "OnTestBatchEnd", "OnTestEnd", "OnSaveCheckpoint", "OnException",
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return "InvalidEvent"
	}
	return eventNames[e]
}

// HookFn is the type of the functions attached to the Trainer events.
//
// EventTrainBatchEnd, EventValidationBatchEnd and EventTestBatchEnd hooks can read the step results with
// Trainer.LastStepOutput and Trainer.BatchIdx.
type HookFn func(t *Trainer) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Len returns the number of hooks registered.
func (h *priorityHooks[H]) Len() int {
	n := 0
	for _, list := range h.hooks {
		n += len(list)
	}
	return n
}

// All returns an iterator over all registered hooks in priority order. Hooks of the same priority are
// iterated in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// eventHooks holds the hooks of every event.
type eventHooks [numEvents]*priorityHooks[*hookWithName[HookFn]]

func newEventHooks() *eventHooks {
	var hooks eventHooks
	for ii := range hooks {
		hooks[ii] = newPriorityHooks[*hookWithName[HookFn]]()
	}
	return &hooks
}

// On adds a hook with the given name (for error reporting) and priority to the event.
func (t *Trainer) On(event Event, name string, priority Priority, fn HookFn) {
	if event < 0 || event >= numEvents {
		panic(errors.Errorf("trainer: invalid event %d for hook %q", event, name))
	}
	t.hooks[event].Add(priority, &hookWithName[HookFn]{name: name, fn: fn})
}

// fire calls the hooks of the event in priority order, and stops at the first error.
func (t *Trainer) fire(event Event) error {
	for hook := range t.hooks[event].All() {
		if err := hook.fn(t); err != nil {
			return errors.WithMessagef(err, "%s(hook %q)", event, hook.name)
		}
	}
	return nil
}
