package protocol

type BuildStatus string

const (
	BuildStatusCreated              BuildStatus = "CREATED"
	BuildStatusRunning              BuildStatus = "RUNNING"
	BuildStatusPassed               BuildStatus = "PASSED"
	BuildStatusFailed               BuildStatus = "FAILED"
	BuildStatusManualReviewRequired BuildStatus = "MANUAL_REVIEW_REQUIRED"
)

// Terminal reports whether no further transition can follow the status.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusPassed, BuildStatusFailed, BuildStatusManualReviewRequired:
		return true
	default:
		return false
	}
}

func (s BuildStatus) Known() bool {
	switch s {
	case BuildStatusCreated, BuildStatusRunning, BuildStatusPassed, BuildStatusFailed, BuildStatusManualReviewRequired:
		return true
	default:
		return false
	}
}
