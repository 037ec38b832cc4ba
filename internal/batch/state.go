package batch

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the current state.
var ErrInvalidTransition = errors.New("invalid status transition")

var batchTransitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusQueued:    {},
		StatusCancelled: {},
	},
	StatusQueued: {
		StatusProcessing: {},
		StatusCancelled:  {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

var itemTransitions = map[ItemStatus]map[ItemStatus]struct{}{
	ItemPending: {
		ItemQueued:    {},
		ItemCancelled: {},
	},
	ItemQueued: {
		ItemProcessing: {},
		ItemCancelled:  {},
	},
	ItemProcessing: {
		ItemQueued:    {},
		ItemCompleted: {},
		ItemFailed:    {},
		ItemCancelled: {},
	},
}

// CanTransitionBatch reports whether a batch may move from one status to another.
func CanTransitionBatch(from, to Status) bool {
	_, ok := batchTransitions[from][to]
	return ok
}

// CanTransitionItem reports whether an item may move from one status to another.
func CanTransitionItem(from, to ItemStatus) bool {
	_, ok := itemTransitions[from][to]
	return ok
}

// TransitionBatch validates and applies a batch status change.
func TransitionBatch(b *Batch, to Status) error {
	if !CanTransitionBatch(b.Status, to) {
		return fmt.Errorf("batch %s %s -> %s: %w", b.ID, b.Status, to, ErrInvalidTransition)
	}
	b.Status = to
	return nil
}

// TransitionItem validates and applies an item status change.
func TransitionItem(it *Item, to ItemStatus) error {
	if !CanTransitionItem(it.Status, to) {
		return fmt.Errorf("item %s %s -> %s: %w", it.ID, it.Status, to, ErrInvalidTransition)
	}
	it.Status = to
	return nil
}

// IsTerminal reports whether the batch status is final.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the batch counts against the owner's concurrency.
func IsActive(s Status) bool {
	return s == StatusQueued || s == StatusProcessing
}

// IsItemTerminal reports whether the item status is final.
func IsItemTerminal(s ItemStatus) bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// Cancellable lists the item states swept to cancelled when a batch is cancelled.
var Cancellable = []ItemStatus{ItemPending, ItemQueued, ItemProcessing}

// AllItemsTerminal reports whether every item reached a final state.
func AllItemsTerminal(items []Item) bool {
	for _, it := range items {
		if !IsItemTerminal(it.Status) {
			return false
		}
	}
	return true
}

// FinalStatus derives the terminal batch status from its items: completed
// when at least one item completed, failed otherwise.
func FinalStatus(items []Item) Status {
	for _, it := range items {
		if it.Status == ItemCompleted {
			return StatusCompleted
		}
	}
	return StatusFailed
}

// Successes returns the completed items that carry a resolved artifact.
func Successes(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.Status == ItemCompleted && (it.ArtifactRef != "" || it.ArtifactPath != "") {
			out = append(out, it)
		}
	}
	return out
}

func containsStatus[T comparable](set []T, s T) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// StatusIn reports whether s is one of set.
func StatusIn(s Status, set ...Status) bool { return containsStatus(set, s) }

// ItemStatusIn reports whether s is one of set.
func ItemStatusIn(s ItemStatus, set ...ItemStatus) bool { return containsStatus(set, s) }
