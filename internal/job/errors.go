package job

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned by SetStatus for edges the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ConfigurationError means a job references an application, system, input
// slot or parameter the catalog cannot resolve. Such jobs are never scheduled.
type ConfigurationError struct {
	JobID string
	AppID string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("job %s (app %s): configuration: %v", e.JobID, e.AppID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
