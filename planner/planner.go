package planner

import (
	"context"
	"errors"

	"github.com/izavyalov-dev/testrun/protocol"
)

// Planner turns the tests a caller asked for into the tests the Runner receives.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// PlanRequest contains the seed tests of a run.
type PlanRequest struct {
	Seeds []protocol.Test
}

// PlanResult is the resolved test set. TestIDs always matches Tests.
type PlanResult struct {
	Tests   []protocol.Test
	TestIDs []string
}

// ClosurePlanner resolves run-after dependencies and inlines code templates.
type ClosurePlanner struct {
	Tests     TestLookup
	Templates TemplateLookup
}

func (p ClosurePlanner) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	if len(req.Seeds) == 0 {
		return PlanResult{}, errors.New("plan requires at least one seed test")
	}

	closure, err := ResolveClosure(ctx, req.Seeds, p.Tests)
	if err != nil {
		return PlanResult{}, err
	}

	tests, err := ExpandTemplates(ctx, closure.Tests(), p.Templates)
	if err != nil {
		return PlanResult{}, err
	}

	return PlanResult{
		Tests:   tests,
		TestIDs: closure.IDs(),
	}, nil
}
