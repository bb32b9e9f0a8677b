package orchestrator

import (
	"errors"
	"fmt"

	"github.com/izavyalov-dev/testrun/state"
)

var (
	// ErrNotFound matches missing tests, drafts, projects and code templates.
	ErrNotFound = state.ErrNotFound

	// ErrPollingTimeout indicates no terminal status was observed before the
	// deadline. The build may still be running remotely.
	ErrPollingTimeout = errors.New("polling timed out before a terminal build status")

	// ErrPollCancelled indicates the caller stopped waiting for a build.
	ErrPollCancelled = errors.New("polling cancelled")
)

// ValidationError rejects caller input before anything is submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
