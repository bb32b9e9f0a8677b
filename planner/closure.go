package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/testrun/protocol"
)

// TestLookup loads a test by id. Missing tests must be reported with an error
// wrapping state.ErrNotFound.
type TestLookup func(ctx context.Context, testID string) (protocol.Test, error)

// Closure holds every test reachable from a seed set, keyed by id and kept in
// discovery order.
type Closure struct {
	order []string
	tests map[string]protocol.Test
}

func newClosure(capacity int) *Closure {
	return &Closure{
		order: make([]string, 0, capacity),
		tests: make(map[string]protocol.Test, capacity),
	}
}

func (c *Closure) add(test protocol.Test) {
	if _, ok := c.tests[test.ID]; ok {
		return
	}
	c.order = append(c.order, test.ID)
	c.tests[test.ID] = test
}

func (c Closure) Len() int { return len(c.order) }

func (c Closure) Contains(testID string) bool {
	_, ok := c.tests[testID]
	return ok
}

func (c Closure) Get(testID string) (protocol.Test, bool) {
	test, ok := c.tests[testID]
	return test, ok
}

// IDs returns the test ids in discovery order.
func (c Closure) IDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

// Tests returns the tests in discovery order.
func (c Closure) Tests() []protocol.Test {
	tests := make([]protocol.Test, 0, len(c.order))
	for _, id := range c.order {
		tests = append(tests, c.tests[id])
	}
	return tests
}

// ResolveClosure expands the seed tests with every test they must run after.
//
// Only the first RUN_AFTER_TEST action of a test is honored. A target that is
// already part of the closure is never fetched or expanded again, which is
// also what stops cycles such as A -> B -> A. A lookup failure aborts the
// whole resolution.
func ResolveClosure(ctx context.Context, seeds []protocol.Test, lookup TestLookup) (Closure, error) {
	closure := newClosure(len(seeds))
	for _, seed := range seeds {
		if seed.ID == "" {
			return Closure{}, errors.New("seed test without id")
		}
		closure.add(seed)
	}

	for _, seed := range seeds {
		current := seed
		for {
			target, ok := RunAfterTarget(current)
			if !ok || closure.Contains(target) {
				break
			}
			if err := ctx.Err(); err != nil {
				return Closure{}, err
			}
			if lookup == nil {
				return Closure{}, fmt.Errorf("test %s runs after %s but no test lookup is configured", current.ID, target)
			}

			dependency, err := lookup(ctx, target)
			if err != nil {
				return Closure{}, fmt.Errorf("resolve run-after test %s of %s: %w", target, current.ID, err)
			}
			if dependency.ID == "" {
				dependency.ID = target
			}
			if dependency.ID != target {
				return Closure{}, fmt.Errorf("lookup for test %s returned test %s", target, dependency.ID)
			}

			closure.add(dependency)
			current = dependency
		}
	}

	return *closure, nil
}

// RunAfterTarget returns the target of the first RUN_AFTER_TEST action of a test.
func RunAfterTarget(test protocol.Test) (string, bool) {
	for _, action := range test.Events {
		if action.Type != protocol.ActionRunAfterTest {
			continue
		}
		return action.RunAfterTarget()
	}
	return "", false
}
