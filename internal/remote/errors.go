package remote

import "fmt"

// ExecutionError reports a remote command that exited non-zero or could not be
// run at all. ExitCode is -1 when the transport failed before an exit status
// was known.
type ExecutionError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote command on %s failed: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("remote command on %s exited with status %d: %s", e.Host, e.ExitCode, e.Stderr)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Transport reports whether the failure happened before the remote process
// produced an exit status.
func (e *ExecutionError) Transport() bool { return e.ExitCode < 0 }
