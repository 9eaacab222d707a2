package store

import (
	"context"
	"fmt"
)

// Statistics aggregates account counts by lifecycle status and by Health
// Monitor verdict (spec.md §4.2, list_statistics).
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ByStatus: map[Status]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: statistics by status: %w", err)
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan statistics: %w", err)
		}
		stats.ByStatus[st] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	row := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE healthy = 1),
		COUNT(*) FILTER (WHERE healthy = 0),
		COUNT(*) FILTER (WHERE healthy IS NULL)
		FROM health_snapshots`)
	if err := row.Scan(&stats.HealthyCount, &stats.UnhealthyCount, &stats.UnknownHealth); err != nil {
		return nil, fmt.Errorf("store: statistics by health: %w", err)
	}

	// Accounts with no health_snapshots row at all are also unknown.
	accountsWithSnapshot := stats.HealthyCount + stats.UnhealthyCount + stats.UnknownHealth
	stats.UnknownHealth += stats.Total - accountsWithSnapshot

	return stats, nil
}
