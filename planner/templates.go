package planner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/testrun/protocol"
)

const templateFetchConcurrency = 8

// TemplateLookup returns the code of a stored custom-code template.
type TemplateLookup func(ctx context.Context, templateID string) (string, error)

// ExpandTemplates inlines template code into every CUSTOM_CODE action that
// references a template. The input tests are not modified.
func ExpandTemplates(ctx context.Context, tests []protocol.Test, lookup TemplateLookup) ([]protocol.Test, error) {
	ids := referencedTemplates(tests)
	if len(ids) == 0 {
		return tests, nil
	}
	if lookup == nil {
		return nil, fmt.Errorf("tests reference %d code templates but no template lookup is configured", len(ids))
	}

	var mu sync.Mutex
	code := make(map[string]string, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(templateFetchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			script, err := lookup(gctx, id)
			if err != nil {
				return fmt.Errorf("code template %s: %w", id, err)
			}
			mu.Lock()
			code[id] = script
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	expanded := make([]protocol.Test, len(tests))
	for i, test := range tests {
		events := make([]protocol.Action, len(test.Events))
		for j, action := range test.Events {
			custom, ok := action.CustomCode()
			if !ok || custom.TemplateID == "" {
				events[j] = action
				continue
			}
			updated, err := action.WithScript(code[custom.TemplateID])
			if err != nil {
				return nil, fmt.Errorf("test %s: %w", test.ID, err)
			}
			events[j] = updated
		}
		test.Events = events
		expanded[i] = test
	}
	return expanded, nil
}

func referencedTemplates(tests []protocol.Test) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, test := range tests {
		for _, action := range test.Events {
			custom, ok := action.CustomCode()
			if !ok || custom.TemplateID == "" {
				continue
			}
			if _, dup := seen[custom.TemplateID]; dup {
				continue
			}
			seen[custom.TemplateID] = struct{}{}
			ids = append(ids, custom.TemplateID)
		}
	}
	return ids
}
