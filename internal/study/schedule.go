package study

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// ThemeSchedule is what a user can study in one theme.
type ThemeSchedule struct {
	// Reviews maps a next-review unix hour to the subjects due then.
	Reviews map[int64][]int64 `json:"reviews"`
	// Lessons are unlocked subjects that were never reviewed.
	Lessons []int64 `json:"lessons"`
}

// ReviewHours returns the review hours in ascending order.
func (t ThemeSchedule) ReviewHours() []int64 {
	return slices.Sorted(maps.Keys(t.Reviews))
}

// Schedule groups a user's reviews and lessons by theme id.
type Schedule map[int64]ThemeSchedule

// ReviewsAndLessons returns the user's schedule for every joined theme,
// running a pending unlock scan first.
func (s *Service) ReviewsAndLessons(ctx context.Context, userID int64) (Schedule, error) {
	if err := s.unlockIfFlagged(ctx, userID); err != nil {
		return nil, err
	}

	themes, err := s.store.JoinedThemes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load joined themes: %w", err)
	}
	out := make(Schedule, len(themes))
	for _, id := range themes {
		out[id] = ThemeSchedule{Reviews: map[int64][]int64{}, Lessons: []int64{}}
	}

	rows, err := s.store.ListProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	for _, p := range rows {
		ts, ok := out[p.ThemeID]
		if !ok {
			continue
		}
		switch {
		case p.NextReview != nil:
			ts.Reviews[*p.NextReview] = append(ts.Reviews[*p.NextReview], p.SubjectID)
		case s.scheme.IsLesson(p.State()):
			ts.Lessons = append(ts.Lessons, p.SubjectID)
		}
		out[p.ThemeID] = ts
	}

	for id, ts := range out {
		slices.Sort(ts.Lessons)
		for _, subjects := range ts.Reviews {
			slices.Sort(subjects)
		}
		out[id] = ts
	}
	return out, nil
}

// AnswerStats summarises a user's answer log and stage distribution.
type AnswerStats struct {
	Total       int         `json:"total"`
	Correct     int         `json:"correct"`
	Accuracy    float64     `json:"accuracy"`
	StageCounts map[int]int `json:"stage_counts"`
}

// Stats returns the user's answer statistics.
func (s *Service) Stats(ctx context.Context, userID int64) (AnswerStats, error) {
	total, correct, err := s.store.CountAnswers(ctx, userID)
	if err != nil {
		return AnswerStats{}, fmt.Errorf("count answers: %w", err)
	}
	rows, err := s.store.ListProgress(ctx, userID)
	if err != nil {
		return AnswerStats{}, fmt.Errorf("load progress: %w", err)
	}

	st := AnswerStats{Total: total, Correct: correct, StageCounts: make(map[int]int)}
	if total > 0 {
		st.Accuracy = float64(correct) / float64(total)
	}
	for _, p := range rows {
		st.StageCounts[p.Stage]++
	}
	return st, nil
}
