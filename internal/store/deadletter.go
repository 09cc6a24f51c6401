package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/p-blackswan/chatlink/internal/queue"
)

// ErrNotFound is returned when no dead letter has the requested ID.
var ErrNotFound = errors.New("dead letter not found")

// DeadLetter is a message the queue abandoned. Times are unix milliseconds.
type DeadLetter struct {
	ID         string          `json:"id"`
	Message    json.RawMessage `json:"message"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error"`
	QueuedAt   int64           `json:"queued_at"`
	CreatedAt  int64           `json:"created_at"`
	ResolvedAt int64           `json:"resolved_at,omitempty"` // 0 = unresolved
}

// FromQueued builds a dead letter from a dropped queue item.
func FromQueued(m queue.QueuedMessage, cause error) *DeadLetter {
	dl := &DeadLetter{
		ID:       m.ID,
		Message:  append(json.RawMessage(nil), m.Message...),
		Priority: m.Options.Priority,
		Attempts: m.Attempts,
		Error:    m.LastError,
		QueuedAt: m.Timestamp.UnixMilli(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl
}

// SaveDeadLetter saves a dead letter, replacing any previous row with the same ID.
func (s *Store) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.CreatedAt == 0 {
		dl.CreatedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO dead_letters (
		id, message, priority, attempts, error, queued_at, created_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	resolved := sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0}
	_, err := s.db.ExecContext(ctx, query,
		dl.ID, string(dl.Message), dl.Priority, dl.Attempts, dl.Error,
		dl.QueuedAt, dl.CreatedAt, resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters newest first. Resolved rows are
// skipped unless includeResolved is set; limit <= 0 means no limit.
func (s *Store) ListDeadLetters(ctx context.Context, limit int, includeResolved bool) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, message, priority, attempts, error, queued_at, created_at, resolved_at
	FROM dead_letters
	`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id ASC`

	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return dls, nil
}

// GetDeadLetter returns one dead letter by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, message, priority, attempts, error, queued_at, created_at, resolved_at
	FROM dead_letters WHERE id = ?
	`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return dl, err
}

// ResolveDeadLetter marks a dead letter as resolved
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// CountUnresolved returns how many dead letters still await attention.
func (s *Store) CountUnresolved(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row scanner) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var message string
	var resolved sql.NullInt64
	err := row.Scan(
		&dl.ID, &message, &dl.Priority, &dl.Attempts, &dl.Error,
		&dl.QueuedAt, &dl.CreatedAt, &resolved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	dl.Message = json.RawMessage(message)
	if resolved.Valid {
		dl.ResolvedAt = resolved.Int64
	}
	return dl, nil
}
