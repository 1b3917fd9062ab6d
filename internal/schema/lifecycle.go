// Run lifecycle state machine: transition validation and event ordering.
//
// Sinks use these helpers to interpret event sequences. The transport does
// not enforce ordering, so events are sorted by eventTime (not arrival time)
// before transitions are applied, and terminal states are immutable once
// reached.

package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for state transition validation.
var (
	// ErrInvalidTransition indicates an invalid state transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminalStateImmutable indicates an attempt to transition from a
	// terminal state. For a given run at most one terminal event may exist.
	ErrTerminalStateImmutable = errors.New("terminal state is immutable")

	// ErrDuplicateStart indicates a duplicate START event for the same run.
	ErrDuplicateStart = errors.New("duplicate START event")

	// ErrBackwardTransition indicates an attempt to transition backwards
	// (e.g., RUNNING → START).
	ErrBackwardTransition = errors.New("cannot transition backwards")
)

// ValidateStateTransition validates a state transition of the run cycle.
//
// Valid transitions:
//   - START → {RUNNING, COMPLETE, FAIL}
//   - RUNNING → {RUNNING, COMPLETE, FAIL}
//   - COMPLETE/FAIL → same state (idempotent redelivery)
//
// Invalid transitions:
//   - terminal states cannot transition to different states
//   - START → START (duplicate START)
//   - RUNNING → START (backwards)
func ValidateStateTransition(from, to EventType) error {
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
		}

		return nil // Idempotent terminal redelivery
	}

	if from == EventTypeStart && to == EventTypeStart {
		return fmt.Errorf("%w: run already has START state", ErrDuplicateStart)
	}

	if from == EventTypeRunning && to == EventTypeStart {
		return fmt.Errorf("%w: RUNNING → START", ErrBackwardTransition)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// SortEventsByTime returns a copy of events sorted by eventTime ascending.
//
// Events may arrive out of order through redelivery, retries, and network
// delays. Consumers must order by eventTime before interpreting a sequence.
func SortEventsByTime(events []LineageEvent) []LineageEvent {
	sorted := make([]LineageEvent, len(events))
	copy(sorted, events)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EventTime.Before(sorted[j].EventTime)
	})

	return sorted
}
