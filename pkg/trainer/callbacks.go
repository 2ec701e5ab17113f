// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

// Callback attaches hooks to the Trainer events (see Trainer.On) when the Trainer is created.
type Callback interface {
	// Name of the callback, used for error reporting and as the key of its state in the checkpoints.
	Name() string

	// Attach registers the hooks of the callback.
	Attach(t *Trainer) error
}

// StatefulCallback is a Callback whose state is saved in the checkpoints.
type StatefulCallback interface {
	Callback

	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// Priorities of the builtin callbacks: metrics are consumed by EarlyStopping before ModelCheckpoint saves,
// so the saved state reflects the current epoch.
const (
	PriorityEarlyStopping   Priority = -10
	PriorityModelCheckpoint Priority = 0
	PriorityProgressBar     Priority = 10
)

// findCallback returns the first callback of type T.
func findCallback[T Callback](callbacks []Callback) (T, bool) {
	for _, cb := range callbacks {
		if typed, ok := cb.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}
