// ABOUTME: Turn usage records: per-turn token counts and dollar cost.
// ABOUTME: Provides save, per-session history, and aggregate statistics.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TurnUsage is one completed turn's token consumption and cost.
type TurnUsage struct {
	ID               string
	SessionID        string
	Turn             int
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	CreatedAt        time.Time
}

// UsageFilter narrows aggregate queries. Nil fields match everything.
type UsageFilter struct {
	SessionID *string
	Since     *time.Time
	Until     *time.Time
}

// UsageStats is the aggregate over all matching turn records.
type UsageStats struct {
	TotalInput      int64   `json:"total_input_tokens"`
	TotalOutput     int64   `json:"total_output_tokens"`
	TotalCacheRead  int64   `json:"total_cache_read_tokens"`
	TotalCacheWrite int64   `json:"total_cache_write_tokens"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	TurnCount       int64   `json:"turn_count"`
}

// SaveTurnUsage stores one turn's usage record.
func (s *SQLiteStore) SaveTurnUsage(ctx context.Context, usage *TurnUsage) error {
	query := `
		INSERT INTO turn_usage (
			id, session_id, turn,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.SessionID,
		usage.Turn,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CacheReadTokens,
		usage.CacheWriteTokens,
		usage.CostUSD,
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting turn usage: %w", err)
	}

	s.logger.Debug("saved turn usage",
		"session_id", usage.SessionID,
		"turn", usage.Turn,
		"cost_usd", usage.CostUSD,
	)
	return nil
}

// GetSessionUsage retrieves all usage records for a session in turn order.
func (s *SQLiteStore) GetSessionUsage(ctx context.Context, sessionID string) ([]*TurnUsage, error) {
	query := `
		SELECT id, session_id, turn,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       cost_usd, created_at
		FROM turn_usage
		WHERE session_id = ?
		ORDER BY turn ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TurnUsage
	for rows.Next() {
		usage, err := scanTurnUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0) as total_input,
			COALESCE(SUM(output_tokens), 0) as total_output,
			COALESCE(SUM(cache_read_tokens), 0) as total_cache_read,
			COALESCE(SUM(cache_write_tokens), 0) as total_cache_write,
			COALESCE(SUM(cost_usd), 0) as total_cost,
			COUNT(*) as turn_count
		FROM turn_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalCacheRead,
		&stats.TotalCacheWrite,
		&stats.TotalCostUSD,
		&stats.TurnCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	return &stats, nil
}

// scanTurnUsage scans a single row into a TurnUsage.
func scanTurnUsage(rows *sql.Rows) (*TurnUsage, error) {
	var usage TurnUsage
	var createdAtStr string

	err := rows.Scan(
		&usage.ID,
		&usage.SessionID,
		&usage.Turn,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.CacheReadTokens,
		&usage.CacheWriteTokens,
		&usage.CostUSD,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	usage.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &usage, nil
}
