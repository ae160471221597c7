// Package study runs the spaced-repetition ledger: applying answers,
// unlocking subjects whose prerequisites are passed, and building each
// user's review and lesson schedule.
package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/pai-study/internal/srs"
)

// ServiceConfig holds dependencies for the study service.
type ServiceConfig struct {
	Store  Store
	Flags  UnlockFlags
	Scheme srs.Scheme       // DefaultScheme when Intervals is empty
	Now    func() time.Time // time.Now when nil
}

// Service is the scheduler, unlock engine, and aggregator over one store.
type Service struct {
	store  Store
	flags  UnlockFlags
	scheme srs.Scheme
	now    func() time.Time

	// edgeMu serializes dependency writes so the cycle check and the
	// insert see the same graph.
	edgeMu sync.Mutex
}

// NewService creates a study service.
func NewService(cfg ServiceConfig) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	flags := cfg.Flags
	if flags == nil {
		flags = NewMemoryFlags()
	}
	scheme := cfg.Scheme
	if len(scheme.Intervals) == 0 {
		scheme = srs.DefaultScheme()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  store,
		flags:  flags,
		scheme: scheme,
		now:    now,
	}
}

// Scheme returns the scheme the service schedules with.
func (s *Service) Scheme() srs.Scheme {
	return s.scheme
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Answer applies one answer for (userID, subjectID) recorded at at. It
// returns srs.ErrNotFound for a locked subject and srs.ErrNotEligible when
// the review is early; neither mutates anything.
func (s *Service) Answer(ctx context.Context, userID, subjectID int64, correct bool, at time.Time) (Progress, error) {
	hour := srs.UnixHour(at)
	var passed bool

	p, err := s.store.UpdateProgress(ctx, userID, subjectID, func(p *Progress) error {
		next, err := s.scheme.Apply(p.State(), correct, hour)
		if err != nil {
			return err
		}
		p.Stage = next.Stage
		p.NextReview = next.NextReview
		passed = s.scheme.Passed(correct, next)
		return nil
	})
	if err != nil {
		return p, err
	}

	slog.Debug("answer applied",
		"user_id", userID,
		"subject_id", subjectID,
		"correct", correct,
		"stage", p.Stage,
	)

	if passed {
		if err := s.flags.Mark(ctx, userID); err != nil {
			// The answer is committed; the next passed answer marks again.
			slog.Warn("failed to mark user for unlock", "user_id", userID, "error", err)
		}
	}
	return p, nil
}

// RecordAnswer appends an accepted answer to the answer log.
func (s *Service) RecordAnswer(ctx context.Context, rec AnswerRecord) (AnswerRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.AnsweredAt.IsZero() {
		rec.AnsweredAt = s.now()
	}
	if err := s.store.RecordAnswer(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// EnsureTheme returns the theme with title, creating it when missing.
func (s *Service) EnsureTheme(ctx context.Context, title string) (Theme, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return Theme{}, err
	}
	return s.store.EnsureTheme(ctx, title)
}

// EnsureSubject returns the subject with title in themeID, creating it when
// missing.
func (s *Service) EnsureSubject(ctx context.Context, themeID int64, title string) (Subject, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return Subject{}, err
	}
	return s.store.EnsureSubject(ctx, themeID, title)
}

// RenameSubject changes a subject's title, the only mutable attribute.
func (s *Service) RenameSubject(ctx context.Context, subjectID int64, title string) error {
	title, err := normalizeTitle(title)
	if err != nil {
		return err
	}
	return s.store.RenameSubject(ctx, subjectID, title)
}

// AddDependency records that subjectID requires dep. Self loops, percents
// outside 0..100, and edges closing a cycle are rejected.
func (s *Service) AddDependency(ctx context.Context, subjectID int64, dep srs.Dependency) error {
	if subjectID == dep.DependencyID {
		return srs.ErrSelfDependency
	}
	if !srs.ValidPercent(dep.Percent) {
		return srs.ErrInvalidPercent
	}

	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	cyclic, err := srs.Reachable(dep.DependencyID, subjectID, func(id int64) ([]int64, error) {
		deps, err := s.store.SubjectDependencies(ctx, id)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(deps))
		for i, d := range deps {
			ids[i] = d.DependencyID
		}
		return ids, nil
	})
	if err != nil {
		return fmt.Errorf("check dependency cycle: %w", err)
	}
	if cyclic {
		return srs.ErrCycle
	}
	return s.store.AddDependency(ctx, subjectID, dep)
}

// JoinTheme opts the user into a theme and marks them for an unlock scan.
func (s *Service) JoinTheme(ctx context.Context, userID, themeID int64) error {
	if err := s.store.JoinTheme(ctx, userID, themeID); err != nil {
		return err
	}
	if err := s.flags.Mark(ctx, userID); err != nil {
		slog.Warn("failed to mark user for unlock", "user_id", userID, "error", err)
	}
	return nil
}

// LeaveTheme opts the user out of a theme. Progress rows are kept.
func (s *Service) LeaveTheme(ctx context.Context, userID, themeID int64) error {
	return s.store.LeaveTheme(ctx, userID, themeID)
}

// ErrEmptyTitle is returned for a theme or subject title that is blank.
var ErrEmptyTitle = errors.New("title is empty")

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(norm.NFC.String(title))
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}
