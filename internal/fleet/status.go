// Package fleet defines the monitored printers and the status values
// the poller derives for them. Device definitions are immutable once
// loaded; runtime status lives in a [Board].
package fleet

import (
	"fmt"
	"math"
)

// Device is one printer in the fleet. Name is the fleet-unique identity.
type Device struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	APIKey string `json:"-"`
	Topic  string `json:"topic"`
}

// State classifies a printer.
type State int

const (
	// StateIdle means the printer answered but has no active job.
	StateIdle State = iota
	// StateOffline means the printer signalled it is powered down.
	StateOffline
	// StatePrinting means a job is running with known progress.
	StatePrinting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateIdle:
		return "idle"
	case StatePrinting:
		return "printing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "offline":
		*s = StateOffline
	case "idle":
		*s = StateIdle
	case "printing":
		*s = StatePrinting
	default:
		return fmt.Errorf("unknown printer state %q", b)
	}
	return nil
}

// JobStatus is the classified status of a printer. Completion and
// SecondsLeft are meaningful only when State is StatePrinting.
type JobStatus struct {
	State       State   `json:"state"`
	Completion  float64 `json:"completion"`
	SecondsLeft int     `json:"seconds_left"`
	// FileName is the job's file when the printer reports one.
	FileName string `json:"file_name,omitempty"`
}

// Offline returns the powered-down status.
func Offline() JobStatus { return JobStatus{State: StateOffline} }

// Idle returns the no-active-job status.
func Idle() JobStatus { return JobStatus{State: StateIdle} }

// Printing returns an active job status. It returns an error when
// completion is outside [0,100] or secondsLeft is negative.
func Printing(completion float64, secondsLeft int) (JobStatus, error) {
	if math.IsNaN(completion) || completion < 0 || completion > 100 {
		return JobStatus{}, fmt.Errorf("completion %v outside [0,100]", completion)
	}
	if secondsLeft < 0 {
		return JobStatus{}, fmt.Errorf("negative time left %d", secondsLeft)
	}
	return JobStatus{State: StatePrinting, Completion: completion, SecondsLeft: secondsLeft}, nil
}

// FormatPayload renders the broker payload for a device status.
func FormatPayload(name string, s JobStatus) string {
	switch s.State {
	case StateOffline:
		return name + ": is off"
	case StatePrinting:
		return fmt.Sprintf("%s: %d seconds (%.2f%%)", name, s.SecondsLeft, s.Completion)
	default:
		return name + ": is idle"
	}
}
