package content

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-study/internal/srs"
	"github.com/p-n-ai/pai-study/internal/study"
)

// Target receives an import. *study.Service satisfies it.
type Target interface {
	EnsureTheme(ctx context.Context, title string) (study.Theme, error)
	EnsureSubject(ctx context.Context, themeID int64, title string) (study.Subject, error)
	AddDependency(ctx context.Context, subjectID int64, dep srs.Dependency) error
}

// Result counts what an import touched. Existing rows are counted too.
type Result struct {
	Themes       int `json:"themes"`
	Subjects     int `json:"subjects"`
	Dependencies int `json:"dependencies"`
}

// Import validates c and writes it theme by theme, then all dependencies.
// Every write is an upsert, so importing the same catalog twice is a no-op
// and a failed import can be re-run.
func Import(ctx context.Context, t Target, c Catalog) (Result, error) {
	var res Result
	if err := Validate(c); err != nil {
		return res, fmt.Errorf("invalid catalog: %w", err)
	}

	ids := make(map[string]int64, c.Subjects())
	for _, th := range c.Themes {
		theme, err := t.EnsureTheme(ctx, th.Title)
		if err != nil {
			return res, fmt.Errorf("import theme %q: %w", th.Title, err)
		}
		res.Themes++

		for _, sub := range th.Subjects {
			s, err := t.EnsureSubject(ctx, theme.ID, sub.Title)
			if err != nil {
				return res, fmt.Errorf("import subject %q: %w", sub.Key, err)
			}
			ids[sub.Key] = s.ID
			res.Subjects++
		}
	}

	for _, th := range c.Themes {
		for _, sub := range th.Subjects {
			for _, req := range sub.Requires {
				dep := srs.Dependency{DependencyID: ids[req.Key], Percent: req.Percent}
				if err := t.AddDependency(ctx, ids[sub.Key], dep); err != nil {
					return res, fmt.Errorf("import dependency %q -> %q: %w", sub.Key, req.Key, err)
				}
				res.Dependencies++
			}
		}
	}

	slog.Info("catalog imported",
		"themes", res.Themes,
		"subjects", res.Subjects,
		"dependencies", res.Dependencies,
	)
	return res, nil
}
