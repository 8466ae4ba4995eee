// SPDX-License-Identifier: MIT
package pipeline

import "fmt"

// State is the phase of the current cycle.
//
//	Idle -> Capturing -> Ready -> Analyzing -> Normalizing -> Displaying -> Capturing
//
// In batch mode the capture goroutine only touches the sample buffer while the
// state is Capturing, so the state is the sole synchronization between it and
// the consumer. In streaming mode the state is informational.
type State int32

const (
	Idle State = iota
	Capturing
	Ready
	Analyzing
	Normalizing
	Displaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Ready:
		return "ready"
	case Analyzing:
		return "analyzing"
	case Normalizing:
		return "normalizing"
	case Displaying:
		return "displaying"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
