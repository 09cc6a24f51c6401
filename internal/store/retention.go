package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeResolved deletes resolved dead letters older than maxAge and returns
// how many rows went away.
func (s *Store) PurgeResolved(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE resolved_at IS NOT NULL AND resolved_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged resolved dead letters", map[string]any{"count": n})
	}
	return n, nil
}
