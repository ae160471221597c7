package srs

import "errors"

var (
	// ErrNotFound is returned when an answer targets a subject that has no
	// progress row for the user (never unlocked, or removed).
	ErrNotFound = errors.New("progress not found")

	// ErrNotEligible is returned when an answer arrives before the subject's
	// next review hour.
	ErrNotEligible = errors.New("review not yet eligible")

	// ErrCycle is returned when a dependency edge would close a cycle.
	ErrCycle = errors.New("dependency would create a cycle")

	// ErrSelfDependency is returned for an edge from a subject to itself.
	ErrSelfDependency = errors.New("subject cannot depend on itself")

	// ErrInvalidPercent is returned for a dependency percent outside 0..100.
	ErrInvalidPercent = errors.New("dependency percent must be between 0 and 100")
)
