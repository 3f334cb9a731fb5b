package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table. Defined in the
// postgres package so it can reach the unexported db field; exported so
// the postgres_test package can call it between tests.
func (s *Store) TruncateForTest(ctx context.Context) error {
	for _, table := range []string{"memories", "decisions", "lessons", "trajectories"} {
		if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+table); err != nil {
			return fmt.Errorf("postgres: truncate %s: %w", table, err)
		}
	}
	return nil
}
