// Package srs holds the staged-interval review rules: stage transitions,
// next-review computation, and prerequisite evaluation. Everything here is
// pure; persistence lives in the study package.
package srs

import (
	"fmt"
	"time"
)

const (
	// DefaultPassedStage is the stage at which a subject counts as passed
	// for dependency unlocking.
	DefaultPassedStage = 5

	// DefaultInitialStage is the stage of a freshly unlocked subject. The
	// first correct answer moves it to stage 1 with Intervals[0], so with
	// the default table it takes five correct answers to reach
	// DefaultPassedStage.
	DefaultInitialStage = 0
)

// DefaultIntervals are the review offsets in hours, indexed by stage-1.
var DefaultIntervals = []int64{4, 8, 23, 47, 167, 335, 719, 2879}

// Scheme is one spaced-repetition configuration.
type Scheme struct {
	Intervals    []int64
	PassedStage  int
	InitialStage int
}

// State is the mutable part of a progress row. A nil NextReview means the
// subject is either a lesson (never reviewed) or mastered.
type State struct {
	Stage      int
	NextReview *int64
}

// DefaultScheme returns the standard eight-interval scheme.
func DefaultScheme() Scheme {
	intervals := make([]int64, len(DefaultIntervals))
	copy(intervals, DefaultIntervals)
	return Scheme{
		Intervals:    intervals,
		PassedStage:  DefaultPassedStage,
		InitialStage: DefaultInitialStage,
	}
}

// MaxStage is the length of the interval table. Stages at or above it are
// mastered and have no further reviews.
func (s Scheme) MaxStage() int {
	return len(s.Intervals)
}

// Validate checks that the scheme can drive the scheduler.
func (s Scheme) Validate() error {
	if len(s.Intervals) == 0 {
		return fmt.Errorf("interval table is empty")
	}
	for i, h := range s.Intervals {
		if h <= 0 {
			return fmt.Errorf("interval %d must be positive, got %d", i, h)
		}
	}
	if s.PassedStage < 1 || s.PassedStage > s.MaxStage()+1 {
		return fmt.Errorf("passed stage must be in [1, %d], got %d", s.MaxStage()+1, s.PassedStage)
	}
	if s.InitialStage < 0 || s.InitialStage >= s.PassedStage {
		return fmt.Errorf("initial stage must be in [0, %d), got %d", s.PassedStage, s.InitialStage)
	}
	return nil
}

// Eligible reports whether an answer recorded at hour may be applied.
func (s Scheme) Eligible(cur State, hour int64) bool {
	return cur.NextReview == nil || hour >= *cur.NextReview
}

// NextStage applies the asymmetric step: +1 when correct, -2 when not,
// clamped to [1, MaxStage+1].
func (s Scheme) NextStage(stage int, correct bool) int {
	if correct {
		stage++
	} else {
		stage -= 2
	}
	return min(max(stage, 1), s.MaxStage()+1)
}

// NextReview returns the review hour for a subject that just reached stage,
// or nil once the stage is mastered.
func (s Scheme) NextReview(stage int, hour int64) *int64 {
	if stage >= s.MaxStage() {
		return nil
	}
	next := hour + s.Intervals[stage-1]
	return &next
}

// Apply computes the state after one answer. It fails with ErrNotEligible
// when the answer is early and leaves cur untouched.
func (s Scheme) Apply(cur State, correct bool, hour int64) (State, error) {
	if !s.Eligible(cur, hour) {
		return cur, ErrNotEligible
	}
	stage := s.NextStage(cur.Stage, correct)
	return State{Stage: stage, NextReview: s.NextReview(stage, hour)}, nil
}

// Passed reports whether a transition just crossed into the passed stage.
func (s Scheme) Passed(correct bool, next State) bool {
	return correct && next.Stage == s.PassedStage
}

// IsLesson reports whether the state is unlocked but never reviewed.
func (s Scheme) IsLesson(st State) bool {
	return st.NextReview == nil && st.Stage < s.MaxStage()
}

// UnixHour floors t to whole hours since the Unix epoch.
func UnixHour(t time.Time) int64 {
	sec := t.Unix()
	h := sec / 3600
	if sec%3600 < 0 {
		h--
	}
	return h
}
