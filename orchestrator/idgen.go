package orchestrator

import "github.com/google/uuid"

// IDGenerator produces identifiers for tests created by the control plane.
type IDGenerator interface {
	TestID() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) TestID() string { return uuid.NewString() }
