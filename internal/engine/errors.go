package engine

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned by any control operation on an unknown job.
var ErrJobNotFound = errors.New("job not found")

// StateError reports that a control operation was attempted while the job
// was in a state that does not allow it, e.g. Stop on a job that is not
// processing. It never mutates any state.
type StateError struct {
	Op     string
	Status JobStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s job in status %q", e.Op, e.Status)
}

// IsInvalidState reports whether err is a StateError.
func IsInvalidState(err error) bool {
	var stateErr *StateError
	return errors.As(err, &stateErr)
}
