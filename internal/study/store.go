package study

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-study/internal/srs"
)

var (
	// ErrUnknownTheme is returned when a write references a missing theme.
	ErrUnknownTheme = errors.New("theme not found")
	// ErrUnknownSubject is returned when a write references a missing subject.
	ErrUnknownSubject = errors.New("subject not found")
)

// Theme is a named collection of subjects users opt into.
type Theme struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Subject is a learnable unit owned by exactly one theme.
type Subject struct {
	ID        int64     `json:"id"`
	ThemeID   int64     `json:"theme_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is a user's state for one unlocked subject.
type Progress struct {
	UserID     int64  `json:"user_id"`
	SubjectID  int64  `json:"subject_id"`
	ThemeID    int64  `json:"theme_id"`
	Stage      int    `json:"stage"`
	NextReview *int64 `json:"next_review"`
}

// State returns the scheduler view of the row.
func (p Progress) State() srs.State {
	return srs.State{Stage: p.Stage, NextReview: p.NextReview}
}

// AnswerRecord is one entry of the append-only answer log.
type AnswerRecord struct {
	ID         uuid.UUID     `json:"id"`
	UserID     int64         `json:"user_id"`
	SubjectID  int64         `json:"subject_id"`
	Correct    bool          `json:"correct"`
	Answers    []string      `json:"answers"`
	Duration   time.Duration `json:"duration"`
	AnsweredAt time.Time     `json:"answered_at"`
}

// Catalog stores themes, subjects, dependency edges, and theme membership.
type Catalog interface {
	EnsureTheme(ctx context.Context, title string) (Theme, error)
	EnsureSubject(ctx context.Context, themeID int64, title string) (Subject, error)
	RenameSubject(ctx context.Context, subjectID int64, title string) error
	AddDependency(ctx context.Context, subjectID int64, dep srs.Dependency) error
	SubjectDependencies(ctx context.Context, subjectID int64) ([]srs.Dependency, error)
	SubjectsInTheme(ctx context.Context, themeID int64) ([]int64, error)
	JoinTheme(ctx context.Context, userID, themeID int64) error
	LeaveTheme(ctx context.Context, userID, themeID int64) error
	JoinedThemes(ctx context.Context, userID int64) ([]int64, error)
}

// Ledger stores per-user progress and the answer log.
type Ledger interface {
	// GetProgress returns srs.ErrNotFound when the subject is locked.
	GetProgress(ctx context.Context, userID, subjectID int64) (Progress, error)
	ListProgress(ctx context.Context, userID int64) ([]Progress, error)
	UnlockedSubjects(ctx context.Context, userID int64) ([]int64, error)
	// CreateProgress inserts the row unless it exists and reports whether
	// a row was written.
	CreateProgress(ctx context.Context, p Progress) (bool, error)
	// UpdateProgress runs fn against the current row inside one
	// transaction that holds the row until commit. If fn returns an error
	// nothing is written.
	UpdateProgress(ctx context.Context, userID, subjectID int64, fn func(*Progress) error) (Progress, error)
	RecordAnswer(ctx context.Context, rec AnswerRecord) error
	CountAnswers(ctx context.Context, userID int64) (total, correct int, err error)
}

// Store is the persistent store the study service runs on.
type Store interface {
	Catalog
	Ledger
	Ping(ctx context.Context) error
}

type pairKey struct{ user, subject int64 }

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu           sync.RWMutex
	nextID       int64
	themes       map[int64]*Theme
	themeByTitle map[string]int64
	subjects     map[int64]*Subject
	deps         map[int64][]srs.Dependency
	members      map[int64]map[int64]bool
	progress     map[pairKey]*Progress
	answers      []AnswerRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		themes:       make(map[int64]*Theme),
		themeByTitle: make(map[string]int64),
		subjects:     make(map[int64]*Subject),
		deps:         make(map[int64][]srs.Dependency),
		members:      make(map[int64]map[int64]bool),
		progress:     make(map[pairKey]*Progress),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) EnsureTheme(_ context.Context, title string) (Theme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.themeByTitle[title]; ok {
		return *s.themes[id], nil
	}
	s.nextID++
	th := &Theme{ID: s.nextID, Title: title, CreatedAt: time.Now()}
	s.themes[th.ID] = th
	s.themeByTitle[title] = th.ID
	return *th, nil
}

func (s *MemoryStore) EnsureSubject(_ context.Context, themeID int64, title string) (Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.themes[themeID]; !ok {
		return Subject{}, fmt.Errorf("ensure subject %q: %w", title, ErrUnknownTheme)
	}
	for _, sub := range s.subjects {
		if sub.ThemeID == themeID && sub.Title == title {
			return *sub, nil
		}
	}
	s.nextID++
	now := time.Now()
	sub := &Subject{ID: s.nextID, ThemeID: themeID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.subjects[sub.ID] = sub
	return *sub, nil
}

func (s *MemoryStore) RenameSubject(_ context.Context, subjectID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subjects[subjectID]
	if !ok {
		return fmt.Errorf("rename subject %d: %w", subjectID, ErrUnknownSubject)
	}
	sub.Title = title
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddDependency(_ context.Context, subjectID int64, dep srs.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[subjectID]; !ok {
		return fmt.Errorf("add dependency: subject %d: %w", subjectID, ErrUnknownSubject)
	}
	if _, ok := s.subjects[dep.DependencyID]; !ok {
		return fmt.Errorf("add dependency: subject %d: %w", dep.DependencyID, ErrUnknownSubject)
	}
	deps := s.deps[subjectID]
	for i, d := range deps {
		if d.DependencyID == dep.DependencyID {
			deps[i].Percent = dep.Percent
			return nil
		}
	}
	s.deps[subjectID] = append(deps, dep)
	return nil
}

func (s *MemoryStore) SubjectDependencies(_ context.Context, subjectID int64) ([]srs.Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.deps[subjectID]), nil
}

func (s *MemoryStore) SubjectsInTheme(_ context.Context, themeID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, sub := range s.subjects {
		if sub.ThemeID == themeID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) JoinTheme(_ context.Context, userID, themeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.themes[themeID]; !ok {
		return fmt.Errorf("join theme %d: %w", themeID, ErrUnknownTheme)
	}
	if s.members[userID] == nil {
		s.members[userID] = make(map[int64]bool)
	}
	s.members[userID][themeID] = true
	return nil
}

func (s *MemoryStore) LeaveTheme(_ context.Context, userID, themeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[userID], themeID)
	return nil
}

func (s *MemoryStore) JoinedThemes(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id := range s.members[userID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) GetProgress(_ context.Context, userID, subjectID int64) (Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[pairKey{userID, subjectID}]
	if !ok {
		return Progress{}, srs.ErrNotFound
	}
	return copyProgress(p), nil
}

func (s *MemoryStore) ListProgress(_ context.Context, userID int64) ([]Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Progress
	for k, p := range s.progress {
		if k.user == userID {
			out = append(out, copyProgress(p))
		}
	}
	slices.SortFunc(out, func(a, b Progress) int { return cmp.Compare(a.SubjectID, b.SubjectID) })
	return out, nil
}

func (s *MemoryStore) UnlockedSubjects(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.ListProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rows))
	for i, p := range rows {
		ids[i] = p.SubjectID
	}
	return ids, nil
}

func (s *MemoryStore) CreateProgress(_ context.Context, p Progress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subjects[p.SubjectID]
	if !ok {
		return false, fmt.Errorf("create progress: subject %d: %w", p.SubjectID, ErrUnknownSubject)
	}
	k := pairKey{p.UserID, p.SubjectID}
	if _, exists := s.progress[k]; exists {
		return false, nil
	}
	p.ThemeID = sub.ThemeID
	cp := copyProgress(&p)
	s.progress[k] = &cp
	return true, nil
}

// UpdateProgress holds the store lock for the whole read-check-write, so
// concurrent answers on any pair serialize.
func (s *MemoryStore) UpdateProgress(_ context.Context, userID, subjectID int64, fn func(*Progress) error) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.progress[pairKey{userID, subjectID}]
	if !ok {
		return Progress{}, srs.ErrNotFound
	}
	next := copyProgress(cur)
	if err := fn(&next); err != nil {
		return copyProgress(cur), err
	}
	*cur = copyProgress(&next)
	return next, nil
}

func (s *MemoryStore) RecordAnswer(_ context.Context, rec AnswerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[rec.SubjectID]; !ok {
		return fmt.Errorf("record answer: subject %d: %w", rec.SubjectID, ErrUnknownSubject)
	}
	rec.Answers = slices.Clone(rec.Answers)
	s.answers = append(s.answers, rec)
	return nil
}

func (s *MemoryStore) CountAnswers(_ context.Context, userID int64) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, correct int
	for _, a := range s.answers {
		if a.UserID != userID {
			continue
		}
		total++
		if a.Correct {
			correct++
		}
	}
	return total, correct, nil
}

func copyProgress(p *Progress) Progress {
	cp := *p
	if p.NextReview != nil {
		h := *p.NextReview
		cp.NextReview = &h
	}
	return cp
}
