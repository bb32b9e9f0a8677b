package state

import (
	"errors"
	"fmt"

	"github.com/izavyalov-dev/testrun/protocol"
)

type BuildStatus = protocol.BuildStatus

// Terminal statuses only allow themselves, which keeps a finished build finished.
var buildTransitions = map[BuildStatus][]BuildStatus{
	protocol.BuildStatusCreated: {
		protocol.BuildStatusCreated,
		protocol.BuildStatusRunning,
		protocol.BuildStatusPassed,
		protocol.BuildStatusFailed,
		protocol.BuildStatusManualReviewRequired,
	},
	protocol.BuildStatusRunning: {
		protocol.BuildStatusRunning,
		protocol.BuildStatusPassed,
		protocol.BuildStatusFailed,
		protocol.BuildStatusManualReviewRequired,
	},
	protocol.BuildStatusPassed:               {protocol.BuildStatusPassed},
	protocol.BuildStatusFailed:               {protocol.BuildStatusFailed},
	protocol.BuildStatusManualReviewRequired: {protocol.BuildStatusManualReviewRequired},
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

// ValidateBuildTransition reports whether a build may move from one status to another.
func ValidateBuildTransition(id string, from, to BuildStatus) error {
	allowed, ok := buildTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "build", State: string(from)}
	}
	if _, ok := buildTransitions[to]; !ok {
		return UnknownStateError{Entity: "build", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "build", ID: id, From: string(from), To: string(to)}
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
