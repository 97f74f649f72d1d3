package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/nzbcore/nzbcore/internal/errors"
)

// ArchiveRetention is how long an archived HistoryItem survives before a
// lazy sweep hard-deletes it.
const ArchiveRetention = 24 * time.Hour

// HistoryRepository persists HistoryItem rows and the queue→history
// promotion/retry round trip.
type HistoryRepository struct {
	db *sql.DB
}

// PromoteResult is what QueueManager passes when a job finishes.
type PromoteResult struct {
	Status        HistoryStatus
	FailureReason *string
	Bytes         int64
	DownloadTime  int64
}

// Promote atomically removes a QueueItem and inserts the corresponding
// HistoryItem, so no reader ever observes the job in neither list
// (testable property 4). nzbContents is copied across unmodified.
func (r *HistoryRepository) Promote(ctx context.Context, queue *QueueRepository, item *QueueItem, nzbContents string, result PromoteResult, now time.Time) error {
	return WithTransaction(r.db, func(tx *sql.Tx) error {
		if err := queue.Remove(ctx, tx, item.ID); err != nil {
			return fmt.Errorf("remove queue item on promote: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_items (id, job_name, file_name, category, status, failure_reason,
			                            nzb_contents, bytes, download_time, completed_at, is_archived, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			item.ID, item.JobName, item.FileName, item.Category, result.Status, result.FailureReason,
			nzbContents, result.Bytes, result.DownloadTime, now)
		if err != nil {
			return fmt.Errorf("insert history item: %w", err)
		}
		return nil
	})
}

// HistoryFilter narrows a List call the way `mode=history` query flags do.
type HistoryFilter struct {
	ShowArchived  bool
	Search        string
	Category      string
	FailureReason string
	Start         int
	Limit         int
}

// List returns history slots matching filter, ordered most-recent-first.
// Archived items are included only when ShowArchived is set, matching the
// "hidden from UI listings until retention elapses" rule; a lazy sweep runs
// first so callers never see items past their retention window.
func (r *HistoryRepository) List(ctx context.Context, filter HistoryFilter, now time.Time) ([]*HistoryItem, error) {
	if err := r.sweepExpired(ctx, now); err != nil {
		return nil, err
	}

	query := `
		SELECT id, job_name, file_name, category, status, failure_reason,
		       nzb_contents, bytes, download_time, completed_at, is_archived, archived_at
		FROM history_items WHERE 1=1`
	var args []interface{}

	if !filter.ShowArchived {
		query += ` AND is_archived = 0`
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.FailureReason != "" {
		query += ` AND failure_reason = ?`
		args = append(args, filter.FailureReason)
	}
	if filter.Search != "" {
		query += ` AND (file_name LIKE ? OR job_name LIKE ?)`
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}
	query += ` ORDER BY completed_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Start)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history items: %w", err)
	}
	defer rows.Close()

	var out []*HistoryItem
	for rows.Next() {
		var h HistoryItem
		if err := rows.Scan(&h.ID, &h.JobName, &h.FileName, &h.Category, &h.Status, &h.FailureReason,
			&h.NzbContents, &h.Bytes, &h.DownloadTime, &h.CompletedAt, &h.IsArchived, &h.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan history item: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Get fetches a single HistoryItem by id.
func (r *HistoryRepository) Get(ctx context.Context, id string) (*HistoryItem, error) {
	var h HistoryItem
	err := r.db.QueryRowContext(ctx, `
		SELECT id, job_name, file_name, category, status, failure_reason,
		       nzb_contents, bytes, download_time, completed_at, is_archived, archived_at
		FROM history_items WHERE id = ?`, id).
		Scan(&h.ID, &h.JobName, &h.FileName, &h.Category, &h.Status, &h.FailureReason,
			&h.NzbContents, &h.Bytes, &h.DownloadTime, &h.CompletedAt, &h.IsArchived, &h.ArchivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get history item: %w", err)
	}
	return &h, nil
}

// Delete hard-deletes the given history ids unconditionally. Used for
// UI-originated delete requests, which always permit a hard delete.
func (r *HistoryRepository) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM history_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete history item %s: %w", id, err)
		}
	}
	return nil
}

// Archive marks the given history ids archived rather than deleting them.
// Used for external (Sonarr/Radarr) delete requests, which archive-only so
// as not to break a client that expects the item to still resolve for a
// grace period; a lazy sweep hard-deletes them ArchiveRetention later.
func (r *HistoryRepository) Archive(ctx context.Context, ids []string, now time.Time) error {
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, `UPDATE history_items SET is_archived = 1, archived_at = ? WHERE id = ?`, now, id)
		if err != nil {
			return fmt.Errorf("archive history item %s: %w", id, err)
		}
		if err := requireRowAffected(res, apperrors.ErrItemNotFound); err != nil {
			return err
		}
	}
	return nil
}

// sweepExpired hard-deletes archived items past their retention window.
// Declared as a lazy on-access sweep rather than a background timer, per
// the design notes' explicit allowance.
func (r *HistoryRepository) sweepExpired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-ArchiveRetention)
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM history_items WHERE is_archived = 1 AND archived_at IS NOT NULL AND archived_at < ?`, cutoff); err != nil {
		return fmt.Errorf("sweep expired history: %w", err)
	}
	return nil
}

// Retry requeues a HistoryItem: its nzb_contents become a new QueueItem
// and the history row is removed, both in one transaction. fileName is the
// caller-resolved unique name (original, or suffixed `.requeueN`).
func (r *HistoryRepository) Retry(ctx context.Context, queue *QueueRepository, h *HistoryItem, newID, fileName string, now time.Time) (*QueueItem, error) {
	item := &QueueItem{
		ID:        newID,
		FileName:  fileName,
		JobName:   h.JobName,
		CreatedAt: now,
		Category:  h.Category,
		Priority:  PriorityNormal,
		Status:    QueueStatusQueued,
	}

	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_items (id, file_name, job_name, created_at, category, priority,
			                          pause_until, post_processing, total_segment_bytes, status, cancelled)
			VALUES (?, ?, ?, ?, ?, ?, NULL, '', 0, ?, 0)`,
			item.ID, item.FileName, item.JobName, item.CreatedAt, item.Category, item.Priority, item.Status); err != nil {
			return fmt.Errorf("insert retried queue item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_nzb_contents (queue_item_id, nzb_contents) VALUES (?, ?)`,
			item.ID, h.NzbContents); err != nil {
			return fmt.Errorf("insert retried nzb contents: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history_items WHERE id = ?`, h.ID); err != nil {
			return fmt.Errorf("remove retried history item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}
