package domain

import "github.com/pkg/errors"

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusCreated means the job was submitted and waits for an admission slot.
	StatusCreated Status = "CREATED"
	// StatusStagingInputs means input data is being transferred onto the target system.
	StatusStagingInputs Status = "STAGING_INPUTS"
	// StatusRunning means the application's run script is executing.
	StatusRunning Status = "RUNNING"
	// StatusArchiving means results are being pushed back to the data store.
	StatusArchiving Status = "ARCHIVING"
	// StatusFinished means every step finished successfully.
	StatusFinished Status = "FINISHED"
	// StatusFailed means a step returned an error.
	StatusFailed Status = "FAILED"
	// StatusStopped means the job was abandoned by the recovery sweep after a restart.
	StatusStopped Status = "STOPPED"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusCreated,
	StatusStagingInputs,
	StatusRunning,
	StatusArchiving,
	StatusFinished,
	StatusFailed,
	StatusStopped,
}

var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusStagingInputs: true,
		StatusStopped:       true,
	},
	StatusStagingInputs: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusStopped: true,
	},
	StatusRunning: {
		StatusArchiving: true,
		StatusFailed:    true,
		StatusStopped:   true,
	},
	StatusArchiving: {
		StatusFinished: true,
		StatusFailed:   true,
		StatusStopped:  true,
	},
}

// ParseStatus validates a persisted status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", errors.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusStopped
}

// IsInFlight reports whether a pipeline step is running for s. In-flight jobs
// occupy admission slots.
func (s Status) IsInFlight() bool {
	return s == StatusStagingInputs || s == StatusRunning || s == StatusArchiving
}

// IsActive reports whether s is not terminal.
func (s Status) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// TerminalStatuses returns the statuses excluded from the active set.
func TerminalStatuses() []Status {
	return []Status{StatusFinished, StatusFailed, StatusStopped}
}

// CanTransition reports whether from -> to is a legal edge. Staying in the same
// status is allowed and means nothing happens.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	return validTransitions[from][to]
}
