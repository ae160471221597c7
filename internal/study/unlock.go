package study

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-study/internal/srs"
)

// Unlock creates a progress row for every subject in the user's joined
// themes whose prerequisites are satisfied and returns how many rows were
// created. Running it again without new passes creates nothing.
func (s *Service) Unlock(ctx context.Context, userID int64) (int, error) {
	themes, err := s.store.JoinedThemes(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load joined themes: %w", err)
	}
	if len(themes) == 0 {
		return 0, nil
	}

	rows, err := s.store.ListProgress(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load progress: %w", err)
	}
	stages := make(map[int64]int, len(rows))
	for _, p := range rows {
		stages[p.SubjectID] = p.Stage
	}

	unlocked := 0
	for _, themeID := range themes {
		subjects, err := s.store.SubjectsInTheme(ctx, themeID)
		if err != nil {
			return unlocked, fmt.Errorf("load subjects of theme %d: %w", themeID, err)
		}
		for _, subjectID := range subjects {
			if _, ok := stages[subjectID]; ok {
				continue
			}
			ok, err := s.eligible(ctx, subjectID, stages)
			if err != nil {
				return unlocked, err
			}
			if !ok {
				continue
			}
			created, err := s.store.CreateProgress(ctx, Progress{
				UserID:    userID,
				SubjectID: subjectID,
				ThemeID:   themeID,
				Stage:     s.scheme.InitialStage,
			})
			if err != nil {
				return unlocked, fmt.Errorf("unlock subject %d: %w", subjectID, err)
			}
			if created {
				unlocked++
			}
		}
	}

	if unlocked > 0 {
		slog.Info("subjects unlocked", "user_id", userID, "count", unlocked)
	}
	return unlocked, nil
}

func (s *Service) eligible(ctx context.Context, subjectID int64, stages map[int64]int) (bool, error) {
	deps, err := s.store.SubjectDependencies(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("load dependencies of subject %d: %w", subjectID, err)
	}
	return !srs.Locked(deps, stages, s.scheme.PassedStage), nil
}

// unlockIfFlagged runs Unlock when the user's flag is set. The flag is
// taken before the scan and put back if the scan fails, so a mark that
// lands during the scan is kept for the next read.
func (s *Service) unlockIfFlagged(ctx context.Context, userID int64) error {
	flagged, err := s.flags.Take(ctx, userID)
	if err != nil {
		// Without the flag we cannot tell, so scan anyway.
		slog.Warn("unlock flag unavailable, scanning", "user_id", userID, "error", err)
		flagged = true
	}
	if !flagged {
		return nil
	}
	if _, err := s.Unlock(ctx, userID); err != nil {
		if markErr := s.flags.Mark(ctx, userID); markErr != nil {
			slog.Warn("failed to restore unlock flag", "user_id", userID, "error", markErr)
		}
		return err
	}
	return nil
}

// UnlockPending drains every flagged user and returns the number of users
// processed. Failures are logged and leave the user flagged.
func (s *Service) UnlockPending(ctx context.Context) (int, error) {
	users, err := s.flags.Pending(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := s.unlockIfFlagged(ctx, userID); err != nil {
			slog.Error("pending unlock failed", "user_id", userID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
