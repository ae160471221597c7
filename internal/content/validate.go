package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/p-n-ai/pai-study/internal/srs"
)

// Validate checks a catalog as a whole: theme titles present, subject keys
// unique, (theme, title) pairs unique, every requirement resolvable with a
// percent in 0..100, and no dependency cycles. All problems are returned
// together.
func Validate(c Catalog) error {
	var errs []error
	keys := make(map[string]bool)
	var order []string
	edges := make(map[string][]string)

	for _, th := range c.Themes {
		if th.Title == "" {
			errs = append(errs, fmt.Errorf("theme with empty title"))
		}
		titles := make(map[string]bool)
		for _, sub := range th.Subjects {
			switch {
			case sub.Key == "":
				errs = append(errs, fmt.Errorf("theme %q: subject %q has no key", th.Title, sub.Title))
				continue
			case keys[sub.Key]:
				errs = append(errs, fmt.Errorf("duplicate subject key %q", sub.Key))
				continue
			}
			keys[sub.Key] = true
			order = append(order, sub.Key)

			if sub.Title == "" {
				errs = append(errs, fmt.Errorf("subject %q has no title", sub.Key))
			} else if titles[sub.Title] {
				errs = append(errs, fmt.Errorf("theme %q: duplicate subject title %q", th.Title, sub.Title))
			}
			titles[sub.Title] = true
		}
	}

	for _, th := range c.Themes {
		for _, sub := range th.Subjects {
			for _, req := range sub.Requires {
				switch {
				case req.Key == sub.Key:
					errs = append(errs, fmt.Errorf("subject %q: %w", sub.Key, srs.ErrSelfDependency))
				case !keys[req.Key]:
					errs = append(errs, fmt.Errorf("subject %q requires unknown key %q", sub.Key, req.Key))
				case !srs.ValidPercent(req.Percent):
					errs = append(errs, fmt.Errorf("subject %q requires %q at %d%%: %w", sub.Key, req.Key, req.Percent, srs.ErrInvalidPercent))
				default:
					edges[sub.Key] = append(edges[sub.Key], req.Key)
				}
			}
		}
	}

	if cycle := srs.FindCycle(order, edges); cycle != nil {
		errs = append(errs, fmt.Errorf("%w: %s", srs.ErrCycle, strings.Join(cycle, " -> ")))
	}
	return errors.Join(errs...)
}
