package state

import (
	"testing"

	"github.com/izavyalov-dev/testrun/protocol"
)

func TestBuildTransitionsAreMonotonic(t *testing.T) {
	terminal := []BuildStatus{
		protocol.BuildStatusPassed,
		protocol.BuildStatusFailed,
		protocol.BuildStatusManualReviewRequired,
	}
	for _, from := range terminal {
		for _, to := range []BuildStatus{protocol.BuildStatusCreated, protocol.BuildStatusRunning} {
			if err := ValidateBuildTransition("b1", from, to); !IsTransitionError(err) {
				t.Fatalf("%s -> %s: expected transition error, got %v", from, to, err)
			}
		}
		for _, to := range terminal {
			err := ValidateBuildTransition("b1", from, to)
			if from == to && err != nil {
				t.Fatalf("%s -> %s: expected no error, got %v", from, to, err)
			}
			if from != to && !IsTransitionError(err) {
				t.Fatalf("%s -> %s: expected transition error, got %v", from, to, err)
			}
		}
	}
}

func TestBuildTransitionsForward(t *testing.T) {
	steps := [][2]BuildStatus{
		{protocol.BuildStatusCreated, protocol.BuildStatusRunning},
		{protocol.BuildStatusRunning, protocol.BuildStatusRunning},
		{protocol.BuildStatusRunning, protocol.BuildStatusPassed},
		{protocol.BuildStatusCreated, protocol.BuildStatusFailed},
	}
	for _, step := range steps {
		if err := ValidateBuildTransition("b1", step[0], step[1]); err != nil {
			t.Fatalf("%s -> %s: %v", step[0], step[1], err)
		}
	}
	if err := ValidateBuildTransition("b1", protocol.BuildStatusRunning, protocol.BuildStatusCreated); !IsTransitionError(err) {
		t.Fatalf("expected RUNNING -> CREATED to be rejected, got %v", err)
	}
}

func TestBuildTransitionUnknownState(t *testing.T) {
	if err := ValidateBuildTransition("b1", "QUEUED", protocol.BuildStatusRunning); !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
	if err := ValidateBuildTransition("b1", protocol.BuildStatusRunning, "DONE"); !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}
