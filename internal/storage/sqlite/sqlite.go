package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/crucible/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateEvaluation(ctx context.Context, e *storage.Evaluation) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = storage.StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, runtime_id, container, code, status, value, error, elapsed_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuntimeID, e.Container, e.Code, e.Status, e.Value, e.Error, e.ElapsedMS,
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting evaluation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, id string) (*storage.Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, runtime_id, container, code, status, value, error, elapsed_ms, created_at, updated_at
		FROM evaluations WHERE id = ?`, id)
	e, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("evaluation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying evaluation: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, opts storage.EvaluationListOptions) ([]storage.Evaluation, error) {
	query := `
		SELECT id, runtime_id, container, code, status, value, error, elapsed_ms, created_at, updated_at
		FROM evaluations`
	var conds []string
	var args []any
	if opts.RuntimeID != "" {
		conds = append(conds, "runtime_id = ?")
		args = append(args, opts.RuntimeID)
	}
	if opts.Container != "" {
		conds = append(conds, "container = ?")
		args = append(args, opts.Container)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	defer rows.Close()

	var evals []storage.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, *e)
	}
	return evals, rows.Err()
}

func (s *SQLiteStore) UpdateEvaluation(ctx context.Context, e *storage.Evaluation) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations SET status = ?, value = ?, error = ?, elapsed_ms = ?, updated_at = ?
		WHERE id = ?`,
		e.Status, e.Value, e.Error, e.ElapsedMS, e.UpdatedAt.Format(time.RFC3339Nano), e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating evaluation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("evaluation not found: %s", e.ID)
	}
	return nil
}

func (s *SQLiteStore) MarkContainerCrashed(ctx context.Context, runtimeID, container, cause string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations SET status = ?, error = ?, updated_at = ?
		WHERE runtime_id = ? AND container = ? AND status = ?`,
		storage.StatusCrashed, cause, time.Now().UTC().Format(time.RFC3339Nano),
		runtimeID, container, storage.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("marking container crashed: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) MarkRuntimeGone(ctx context.Context, runtimeID, cause string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations SET status = ?, error = ?, updated_at = ?
		WHERE runtime_id = ? AND status = ?`,
		storage.StatusFailed, cause, time.Now().UTC().Format(time.RFC3339Nano),
		runtimeID, storage.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("marking runtime gone: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvaluation(row scannable) (*storage.Evaluation, error) {
	var e storage.Evaluation
	var created, updated string
	err := row.Scan(&e.ID, &e.RuntimeID, &e.Container, &e.Code, &e.Status,
		&e.Value, &e.Error, &e.ElapsedMS, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &e, nil
}
