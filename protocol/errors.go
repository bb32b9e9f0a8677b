package protocol

import (
	"errors"
	"fmt"
)

// SubmissionError signals that the Runner rejected a build request.
type SubmissionError struct {
	StatusCode int
	Reason     string
}

func (e SubmissionError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("build submission rejected: %s", e.Reason)
	}
	return fmt.Sprintf("build submission rejected: status=%d reason=%s", e.StatusCode, e.Reason)
}

func IsSubmissionError(err error) bool {
	var se SubmissionError
	return errors.As(err, &se)
}
