package study

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-study/internal/srs"
)

const (
	dbTimeout = 5 * time.Second

	pgForeignKeyViolation = "23503"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on pool and applies the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) EnsureTheme(ctx context.Context, title string) (Theme, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var th Theme
	err := s.pool.QueryRow(ctx,
		`INSERT INTO themes (title) VALUES ($1)
		 ON CONFLICT (title) DO UPDATE SET title = EXCLUDED.title
		 RETURNING id, title, created_at`,
		title,
	).Scan(&th.ID, &th.Title, &th.CreatedAt)
	if err != nil {
		return Theme{}, fmt.Errorf("ensure theme: %w", err)
	}
	return th, nil
}

func (s *PostgresStore) EnsureSubject(ctx context.Context, themeID int64, title string) (Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var sub Subject
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subjects (theme_id, title) VALUES ($1, $2)
		 ON CONFLICT (theme_id, title) DO UPDATE SET title = EXCLUDED.title
		 RETURNING id, theme_id, title, created_at, updated_at`,
		themeID,
		title,
	).Scan(&sub.ID, &sub.ThemeID, &sub.Title, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subject{}, fmt.Errorf("ensure subject: %w", translatePgError(err, ErrUnknownTheme))
	}
	return sub, nil
}

func (s *PostgresStore) RenameSubject(ctx context.Context, subjectID int64, title string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`UPDATE subjects SET title = $2, updated_at = NOW() WHERE id = $1`,
		subjectID,
		title,
	)
	if err != nil {
		return fmt.Errorf("rename subject: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("rename subject %d: %w", subjectID, ErrUnknownSubject)
	}
	return nil
}

func (s *PostgresStore) AddDependency(ctx context.Context, subjectID int64, dep srs.Dependency) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subject_dependencies (subject_id, dependency_id, percent)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (subject_id, dependency_id) DO UPDATE SET percent = EXCLUDED.percent`,
		subjectID,
		dep.DependencyID,
		dep.Percent,
	)
	if err != nil {
		return fmt.Errorf("add dependency: %w", translatePgError(err, ErrUnknownSubject))
	}
	return nil
}

func (s *PostgresStore) SubjectDependencies(ctx context.Context, subjectID int64) ([]srs.Dependency, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT dependency_id, percent
		 FROM subject_dependencies
		 WHERE subject_id = $1
		 ORDER BY dependency_id`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	deps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (srs.Dependency, error) {
		var d srs.Dependency
		err := row.Scan(&d.DependencyID, &d.Percent)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan dependencies: %w", err)
	}
	return deps, nil
}

func (s *PostgresStore) SubjectsInTheme(ctx context.Context, themeID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM subjects WHERE theme_id = $1 ORDER BY id`,
		themeID,
	)
}

func (s *PostgresStore) JoinTheme(ctx context.Context, userID, themeID int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_theme_membership (user_id, theme_id)
		 VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		userID,
		themeID,
	)
	if err != nil {
		return fmt.Errorf("join theme: %w", translatePgError(err, ErrUnknownTheme))
	}
	return nil
}

func (s *PostgresStore) LeaveTheme(ctx context.Context, userID, themeID int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM user_theme_membership WHERE user_id = $1 AND theme_id = $2`,
		userID,
		themeID,
	); err != nil {
		return fmt.Errorf("leave theme: %w", err)
	}
	return nil
}

func (s *PostgresStore) JoinedThemes(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT theme_id FROM user_theme_membership WHERE user_id = $1 ORDER BY theme_id`,
		userID,
	)
}

func (s *PostgresStore) GetProgress(ctx context.Context, userID, subjectID int64) (Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	p, err := scanProgress(s.pool.QueryRow(ctx,
		`SELECT p.user_id, p.subject_id, s.theme_id, p.stage, p.next_review
		 FROM user_subject_progress p
		 JOIN subjects s ON s.id = p.subject_id
		 WHERE p.user_id = $1 AND p.subject_id = $2`,
		userID,
		subjectID,
	))
	if err != nil {
		return Progress{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListProgress(ctx context.Context, userID int64) ([]Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT p.user_id, p.subject_id, s.theme_id, p.stage, p.next_review
		 FROM user_subject_progress p
		 JOIN subjects s ON s.id = p.subject_id
		 WHERE p.user_id = $1
		 ORDER BY p.subject_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Progress, error) {
		return scanProgress(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UnlockedSubjects(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT subject_id FROM user_subject_progress WHERE user_id = $1 ORDER BY subject_id`,
		userID,
	)
}

func (s *PostgresStore) CreateProgress(ctx context.Context, p Progress) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO user_subject_progress (user_id, subject_id, stage, next_review)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, subject_id) DO NOTHING`,
		p.UserID,
		p.SubjectID,
		p.Stage,
		p.NextReview,
	)
	if err != nil {
		return false, fmt.Errorf("create progress: %w", translatePgError(err, ErrUnknownSubject))
	}
	return cmd.RowsAffected() == 1, nil
}

// UpdateProgress locks the progress row with SELECT ... FOR UPDATE so a
// concurrent answer on the same pair waits and then reads the committed
// state.
func (s *PostgresStore) UpdateProgress(ctx context.Context, userID, subjectID int64, fn func(*Progress) error) (Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("begin answer: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanProgress(tx.QueryRow(ctx,
		`SELECT p.user_id, p.subject_id, s.theme_id, p.stage, p.next_review
		 FROM user_subject_progress p
		 JOIN subjects s ON s.id = p.subject_id
		 WHERE p.user_id = $1 AND p.subject_id = $2
		 FOR UPDATE OF p`,
		userID,
		subjectID,
	))
	if err != nil {
		return Progress{}, err
	}

	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_subject_progress
		 SET stage = $3, next_review = $4
		 WHERE user_id = $1 AND subject_id = $2`,
		userID,
		subjectID,
		next.Stage,
		next.NextReview,
	); err != nil {
		return cur, fmt.Errorf("update progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, fmt.Errorf("commit answer: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) RecordAnswer(ctx context.Context, rec AnswerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	answers := rec.Answers
	if answers == nil {
		answers = []string{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO answers (id, user_id, subject_id, correct, answers, duration_ms, answered_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		rec.ID,
		rec.UserID,
		rec.SubjectID,
		rec.Correct,
		string(data),
		rec.Duration.Milliseconds(),
		rec.AnsweredAt,
	)
	if err != nil {
		return fmt.Errorf("insert answer: %w", translatePgError(err, ErrUnknownSubject))
	}
	return nil
}

func (s *PostgresStore) CountAnswers(ctx context.Context, userID int64) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var total, correct int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE correct)
		 FROM answers
		 WHERE user_id = $1`,
		userID,
	).Scan(&total, &correct)
	if err != nil {
		return 0, 0, fmt.Errorf("count answers: %w", err)
	}
	return total, correct, nil
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan ids: %w", err)
	}
	return ids, nil
}

func scanProgress(row pgx.Row) (Progress, error) {
	var p Progress
	err := row.Scan(&p.UserID, &p.SubjectID, &p.ThemeID, &p.Stage, &p.NextReview)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Progress{}, srs.ErrNotFound
		}
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// translatePgError maps a foreign key violation to missing.
func translatePgError(err error, missing error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return missing
	}
	return err
}
