package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StatsRepository persists per-(job, provider) fetch accounting and the
// append-only missing-article log UsenetClient records on 430/423.
type StatsRepository struct {
	db *sql.DB
}

// UpsertProviderStat applies the delta from one article fetch to the
// running (job, provider) totals, recomputing the EMA of bytes/ms.
func (r *StatsRepository) UpsertProviderStat(ctx context.Context, jobName string, providerIndex int, success bool, bytes int64, elapsedMs int64, now time.Time) error {
	return WithTransaction(r.db, func(tx *sql.Tx) error {
		var existing NzbProviderStat
		err := tx.QueryRowContext(ctx, `
			SELECT successful_segments, failed_segments, total_bytes, total_time_ms, recent_avg_speed_bps
			FROM nzb_provider_stats WHERE job_name = ? AND provider_index = ?`, jobName, providerIndex).
			Scan(&existing.SuccessfulSegments, &existing.FailedSegments, &existing.TotalBytes,
				&existing.TotalTimeMs, &existing.RecentAvgSpeedBps)

		found := true
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("read provider stat: %w", err)
		}

		if success {
			existing.SuccessfulSegments++
			existing.TotalBytes += bytes
			existing.TotalTimeMs += elapsedMs
		} else {
			existing.FailedSegments++
		}

		if success && elapsedMs > 0 {
			instant := float64(bytes) / float64(elapsedMs) * 1000
			const alpha = 0.3
			if existing.RecentAvgSpeedBps == 0 {
				existing.RecentAvgSpeedBps = instant
			} else {
				existing.RecentAvgSpeedBps = alpha*instant + (1-alpha)*existing.RecentAvgSpeedBps
			}
		}

		if found {
			_, err = tx.ExecContext(ctx, `
				UPDATE nzb_provider_stats
				SET successful_segments = ?, failed_segments = ?, total_bytes = ?, total_time_ms = ?,
				    last_used = ?, recent_avg_speed_bps = ?
				WHERE job_name = ? AND provider_index = ?`,
				existing.SuccessfulSegments, existing.FailedSegments, existing.TotalBytes, existing.TotalTimeMs,
				now, existing.RecentAvgSpeedBps, jobName, providerIndex)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO nzb_provider_stats
				(job_name, provider_index, successful_segments, failed_segments, total_bytes, total_time_ms, last_used, recent_avg_speed_bps)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				jobName, providerIndex, existing.SuccessfulSegments, existing.FailedSegments,
				existing.TotalBytes, existing.TotalTimeMs, now, existing.RecentAvgSpeedBps)
		}
		if err != nil {
			return fmt.Errorf("upsert provider stat: %w", err)
		}
		return nil
	})
}

// GetProviderStat returns the recent average throughput recorded for
// (jobName, providerIndex), used by UsenetClient's weighted-choice among
// equal-priority providers.
func (r *StatsRepository) GetProviderStat(ctx context.Context, jobName string, providerIndex int) (*NzbProviderStat, error) {
	var s NzbProviderStat
	s.JobName = jobName
	s.ProviderIndex = providerIndex
	err := r.db.QueryRowContext(ctx, `
		SELECT successful_segments, failed_segments, total_bytes, total_time_ms, last_used, recent_avg_speed_bps
		FROM nzb_provider_stats WHERE job_name = ? AND provider_index = ?`, jobName, providerIndex).
		Scan(&s.SuccessfulSegments, &s.FailedSegments, &s.TotalBytes, &s.TotalTimeMs, &s.LastUsed, &s.RecentAvgSpeedBps)
	if errors.Is(err, sql.ErrNoRows) {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider stat: %w", err)
	}
	return &s, nil
}

// RecordMissingArticleEvent appends one row per failing provider, as
// UsenetClient does on a permanent 430/423 response.
func (r *StatsRepository) RecordMissingArticleEvent(ctx context.Context, e MissingArticleEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO missing_article_events (filename, message_id, provider_index, timestamp, operation)
		VALUES (?, ?, ?, ?, ?)`,
		e.Filename, e.MessageID, e.ProviderIndex, e.Timestamp, e.Operation)
	if err != nil {
		return fmt.Errorf("record missing article event: %w", err)
	}
	return nil
}

// ListMissingArticleEventsForMessage returns the missing-article log rows
// for one message id, letting a test assert one row per failing provider.
func (r *StatsRepository) ListMissingArticleEventsForMessage(ctx context.Context, messageID string) ([]MissingArticleEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, filename, message_id, provider_index, timestamp, operation
		FROM missing_article_events WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list missing article events: %w", err)
	}
	defer rows.Close()

	var out []MissingArticleEvent
	for rows.Next() {
		var e MissingArticleEvent
		if err := rows.Scan(&e.ID, &e.Filename, &e.MessageID, &e.ProviderIndex, &e.Timestamp, &e.Operation); err != nil {
			return nil, fmt.Errorf("scan missing article event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
