package study

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/p-n-ai/pai-study/internal/srs"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore is an embedded single-file Store for personal deployments.
// It runs on one connection with immediate transactions, so every write
// is serialized.
type SQLiteStore struct {
	db *sqlx.DB
}

type progressRow struct {
	UserID     int64         `db:"user_id"`
	SubjectID  int64         `db:"subject_id"`
	ThemeID    int64         `db:"theme_id"`
	Stage      int           `db:"stage"`
	NextReview sql.NullInt64 `db:"next_review"`
}

func (r progressRow) progress() Progress {
	p := Progress{UserID: r.UserID, SubjectID: r.SubjectID, ThemeID: r.ThemeID, Stage: r.Stage}
	if r.NextReview.Valid {
		h := r.NextReview.Int64
		p.NextReview = &h
	}
	return p
}

// SQLiteDSN turns a file path into a DSN with foreign keys and immediate
// transactions enabled.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

// OpenSQLite opens the database file at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database file.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) EnsureTheme(ctx context.Context, title string) (Theme, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO themes (title) VALUES (?) ON CONFLICT (title) DO NOTHING`,
		title,
	); err != nil {
		return Theme{}, fmt.Errorf("ensure theme: %w", err)
	}

	var row struct {
		ID        int64     `db:"id"`
		Title     string    `db:"title"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT id, title, created_at FROM themes WHERE title = ?`,
		title,
	); err != nil {
		return Theme{}, fmt.Errorf("ensure theme: %w", err)
	}
	return Theme{ID: row.ID, Title: row.Title, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLiteStore) EnsureSubject(ctx context.Context, themeID int64, title string) (Subject, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM themes WHERE id = ?)`, themeID); err != nil {
		return Subject{}, fmt.Errorf("ensure subject: %w", err)
	}
	if !exists {
		return Subject{}, fmt.Errorf("ensure subject %q: %w", title, ErrUnknownTheme)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (theme_id, title) VALUES (?, ?)
		 ON CONFLICT (theme_id, title) DO NOTHING`,
		themeID,
		title,
	); err != nil {
		return Subject{}, fmt.Errorf("ensure subject: %w", err)
	}

	var row struct {
		ID        int64     `db:"id"`
		ThemeID   int64     `db:"theme_id"`
		Title     string    `db:"title"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT id, theme_id, title, created_at, updated_at
		 FROM subjects
		 WHERE theme_id = ? AND title = ?`,
		themeID,
		title,
	); err != nil {
		return Subject{}, fmt.Errorf("ensure subject: %w", err)
	}
	return Subject{
		ID:        row.ID,
		ThemeID:   row.ThemeID,
		Title:     row.Title,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) RenameSubject(ctx context.Context, subjectID int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		title,
		subjectID,
	)
	if err != nil {
		return fmt.Errorf("rename subject: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rename subject %d: %w", subjectID, ErrUnknownSubject)
	}
	return nil
}

func (s *SQLiteStore) AddDependency(ctx context.Context, subjectID int64, dep srs.Dependency) error {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM subjects WHERE id IN (?, ?)`,
		subjectID,
		dep.DependencyID,
	); err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("add dependency %d -> %d: %w", subjectID, dep.DependencyID, ErrUnknownSubject)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subject_dependencies (subject_id, dependency_id, percent)
		 VALUES (?, ?, ?)
		 ON CONFLICT (subject_id, dependency_id) DO UPDATE SET percent = excluded.percent`,
		subjectID,
		dep.DependencyID,
		dep.Percent,
	)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SubjectDependencies(ctx context.Context, subjectID int64) ([]srs.Dependency, error) {
	var rows []struct {
		DependencyID int64 `db:"dependency_id"`
		Percent      int   `db:"percent"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT dependency_id, percent
		 FROM subject_dependencies
		 WHERE subject_id = ?
		 ORDER BY dependency_id`,
		subjectID,
	); err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	deps := make([]srs.Dependency, len(rows))
	for i, r := range rows {
		deps[i] = srs.Dependency{DependencyID: r.DependencyID, Percent: r.Percent}
	}
	return deps, nil
}

func (s *SQLiteStore) SubjectsInTheme(ctx context.Context, themeID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM subjects WHERE theme_id = ? ORDER BY id`,
		themeID,
	); err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) JoinTheme(ctx context.Context, userID, themeID int64) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM themes WHERE id = ?)`, themeID); err != nil {
		return fmt.Errorf("join theme: %w", err)
	}
	if !exists {
		return fmt.Errorf("join theme %d: %w", themeID, ErrUnknownTheme)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_theme_membership (user_id, theme_id)
		 VALUES (?, ?)
		 ON CONFLICT DO NOTHING`,
		userID,
		themeID,
	); err != nil {
		return fmt.Errorf("join theme: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LeaveTheme(ctx context.Context, userID, themeID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_theme_membership WHERE user_id = ? AND theme_id = ?`,
		userID,
		themeID,
	); err != nil {
		return fmt.Errorf("leave theme: %w", err)
	}
	return nil
}

func (s *SQLiteStore) JoinedThemes(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT theme_id FROM user_theme_membership WHERE user_id = ? ORDER BY theme_id`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("query joined themes: %w", err)
	}
	return ids, nil
}

const sqliteProgressQuery = `SELECT p.user_id, p.subject_id, s.theme_id, p.stage, p.next_review
	FROM user_subject_progress p
	JOIN subjects s ON s.id = p.subject_id`

func (s *SQLiteStore) GetProgress(ctx context.Context, userID, subjectID int64) (Progress, error) {
	return getSQLiteProgress(ctx, s.db, userID, subjectID)
}

func (s *SQLiteStore) ListProgress(ctx context.Context, userID int64) ([]Progress, error) {
	var rows []progressRow
	if err := s.db.SelectContext(ctx, &rows,
		sqliteProgressQuery+` WHERE p.user_id = ? ORDER BY p.subject_id`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	out := make([]Progress, len(rows))
	for i, r := range rows {
		out[i] = r.progress()
	}
	return out, nil
}

func (s *SQLiteStore) UnlockedSubjects(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT subject_id FROM user_subject_progress WHERE user_id = ? ORDER BY subject_id`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("query unlocked subjects: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) CreateProgress(ctx context.Context, p Progress) (bool, error) {
	var next sql.NullInt64
	if p.NextReview != nil {
		next = sql.NullInt64{Int64: *p.NextReview, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_subject_progress (user_id, subject_id, stage, next_review)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, subject_id) DO NOTHING`,
		p.UserID,
		p.SubjectID,
		p.Stage,
		next,
	)
	if err != nil {
		return false, fmt.Errorf("create progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create progress: %w", err)
	}
	return n == 1, nil
}

// UpdateProgress runs in a BEGIN IMMEDIATE transaction, which takes the
// database write lock before the read.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, userID, subjectID int64, fn func(*Progress) error) (Progress, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Progress{}, fmt.Errorf("begin answer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getSQLiteProgress(ctx, tx, userID, subjectID)
	if err != nil {
		return Progress{}, err
	}

	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}

	var nextReview sql.NullInt64
	if next.NextReview != nil {
		nextReview = sql.NullInt64{Int64: *next.NextReview, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_subject_progress
		 SET stage = ?, next_review = ?
		 WHERE user_id = ? AND subject_id = ?`,
		next.Stage,
		nextReview,
		userID,
		subjectID,
	); err != nil {
		return cur, fmt.Errorf("update progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("commit answer: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) RecordAnswer(ctx context.Context, rec AnswerRecord) error {
	answers := rec.Answers
	if answers == nil {
		answers = []string{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM subjects WHERE id = ?)`, rec.SubjectID); err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	if !exists {
		return fmt.Errorf("insert answer: subject %d: %w", rec.SubjectID, ErrUnknownSubject)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO answers (id, user_id, subject_id, correct, answers, duration_ms, answered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.UserID,
		rec.SubjectID,
		rec.Correct,
		string(data),
		rec.Duration.Milliseconds(),
		rec.AnsweredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountAnswers(ctx context.Context, userID int64) (int, int, error) {
	var row struct {
		Total   int `db:"total"`
		Correct int `db:"correct"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS total, COALESCE(SUM(correct), 0) AS correct
		 FROM answers
		 WHERE user_id = ?`,
		userID,
	); err != nil {
		return 0, 0, fmt.Errorf("count answers: %w", err)
	}
	return row.Total, row.Correct, nil
}

func getSQLiteProgress(ctx context.Context, q sqlx.QueryerContext, userID, subjectID int64) (Progress, error) {
	var row progressRow
	err := sqlx.GetContext(ctx, q, &row,
		sqliteProgressQuery+` WHERE p.user_id = ? AND p.subject_id = ?`,
		userID,
		subjectID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Progress{}, srs.ErrNotFound
		}
		return Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return row.progress(), nil
}
