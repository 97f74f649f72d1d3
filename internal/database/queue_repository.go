package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/nzbcore/nzbcore/internal/errors"
)

// QueueRepository persists QueueItem/QueueNzbContents rows and implements
// the single-writer claim used by the queue worker.
type QueueRepository struct {
	db *sql.DB
}

// priorityRankCase is the SQL equivalent of priorityRank, used to order by
// (priority DESC, created_at ASC) when priority is stored as text.
const priorityRankCase = `
	CASE priority
		WHEN 'Force' THEN 3
		WHEN 'High' THEN 2
		WHEN 'Normal' THEN 1
		WHEN 'Low' THEN 0
		ELSE 1
	END`

// Add inserts a new QueueItem and its raw NZB contents in one transaction.
func (r *QueueRepository) Add(ctx context.Context, item *QueueItem, nzbContents string) error {
	return WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_items (id, file_name, job_name, created_at, category, priority,
			                          pause_until, post_processing, total_segment_bytes, status, cancelled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			item.ID, item.FileName, item.JobName, item.CreatedAt, item.Category, item.Priority,
			item.PauseUntil, item.PostProcessing, item.TotalSegmentBytes, item.Status); err != nil {
			return fmt.Errorf("insert queue_item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_nzb_contents (queue_item_id, nzb_contents) VALUES (?, ?)`,
			item.ID, nzbContents); err != nil {
			return fmt.Errorf("insert queue_nzb_contents: %w", err)
		}
		return nil
	})
}

// IsFileNameTaken reports whether fileName is already in use by another
// QueueItem, used to pick a `.requeueN` suffix on conflict.
func (r *QueueRepository) IsFileNameTaken(ctx context.Context, fileName string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE file_name = ?`, fileName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check file_name: %w", err)
	}
	return n > 0, nil
}

// ClaimNext atomically selects the highest-priority eligible QueueItem
// (priority DESC, created_at ASC, pause_until elapsed or unset) and marks it
// Parsing, so at most one worker observes it as claimable at a time. The
// _txlock=immediate DSN option makes the SELECT-then-UPDATE race-free
// against concurrent callers without needing `UPDATE ... RETURNING`.
func (r *QueueRepository) ClaimNext(ctx context.Context, now time.Time) (*QueueItem, string, error) {
	var item *QueueItem
	var nzbContents string

	err := WithTransaction(r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT q.id, q.file_name, q.job_name, q.created_at, q.category, q.priority,
			       q.pause_until, q.post_processing, q.total_segment_bytes, q.status, q.cancelled,
			       n.nzb_contents
			FROM queue_items q
			JOIN queue_nzb_contents n ON n.queue_item_id = q.id
			WHERE q.status = 'Queued' AND (q.pause_until IS NULL OR q.pause_until <= ?)
			ORDER BY `+priorityRankCase+` DESC, q.created_at ASC
			LIMIT 1`, now)

		var it QueueItem
		if err := row.Scan(&it.ID, &it.FileName, &it.JobName, &it.CreatedAt, &it.Category, &it.Priority,
			&it.PauseUntil, &it.PostProcessing, &it.TotalSegmentBytes, &it.Status, &it.Cancelled, &nzbContents); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.ErrQueueEmpty
			}
			return fmt.Errorf("select next queue item: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE queue_items SET status = 'Parsing' WHERE id = ?`, it.ID); err != nil {
			return fmt.Errorf("claim queue item: %w", err)
		}
		it.Status = QueueStatusParsing
		item = &it
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return item, nzbContents, nil
}

// UpdateStatus transitions a QueueItem to a new processing state.
func (r *QueueRepository) UpdateStatus(ctx context.Context, id string, status QueueStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	return requireRowAffected(res, apperrors.ErrItemNotFound)
}

// Get fetches a single QueueItem by id.
func (r *QueueRepository) Get(ctx context.Context, id string) (*QueueItem, error) {
	var it QueueItem
	err := r.db.QueryRowContext(ctx, `
		SELECT id, file_name, job_name, created_at, category, priority,
		       pause_until, post_processing, total_segment_bytes, status, cancelled
		FROM queue_items WHERE id = ?`, id).
		Scan(&it.ID, &it.FileName, &it.JobName, &it.CreatedAt, &it.Category, &it.Priority,
			&it.PauseUntil, &it.PostProcessing, &it.TotalSegmentBytes, &it.Status, &it.Cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return &it, nil
}

// GetNzbContents fetches the raw NZB XML backing a QueueItem.
func (r *QueueRepository) GetNzbContents(ctx context.Context, id string) (string, error) {
	var contents string
	err := r.db.QueryRowContext(ctx, `SELECT nzb_contents FROM queue_nzb_contents WHERE queue_item_id = ?`, id).Scan(&contents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperrors.ErrItemNotFound
		}
		return "", fmt.Errorf("get nzb contents: %w", err)
	}
	return contents, nil
}

// List returns every QueueItem ordered the way the worker would dequeue
// them, for the `mode=queue` ingest operation.
func (r *QueueRepository) List(ctx context.Context) ([]*QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, file_name, job_name, created_at, category, priority,
		       pause_until, post_processing, total_segment_bytes, status, cancelled
		FROM queue_items
		ORDER BY `+priorityRankCase+` DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.FileName, &it.JobName, &it.CreatedAt, &it.Category, &it.Priority,
			&it.PauseUntil, &it.PostProcessing, &it.TotalSegmentBytes, &it.Status, &it.Cancelled); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// Remove deletes a QueueItem (and its nzb contents, via cascade). Used both
// by cancellation and by the atomic promote-to-history path.
func (r *QueueRepository) Remove(ctx context.Context, q DBQuerier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}
	return requireRowAffected(res, apperrors.ErrItemNotFound)
}

// Cancel sets the cancellation flag observed at the worker's next
// suspension point; it does not remove the row itself, since a job that is
// already Importing must unwind its own partial state first.
func (r *QueueRepository) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_items SET cancelled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	return requireRowAffected(res, apperrors.ErrItemNotFound)
}

// IsCancelled reports whether id's cancellation flag has been set.
func (r *QueueRepository) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := r.db.QueryRowContext(ctx, `SELECT cancelled FROM queue_items WHERE id = ?`, id).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("check cancelled: %w", err)
	}
	return cancelled, nil
}

// PriorityAction is the set of `value2` actions the ingest API accepts for
// `mode=queue&name=priority`.
type PriorityAction string

const (
	ActionTop    PriorityAction = "top"
	ActionBottom PriorityAction = "bottom"
	ActionHigh   PriorityAction = "high"
	ActionNormal PriorityAction = "normal"
	ActionLow    PriorityAction = "low"
)

// farFuture is used as created_at for "move to bottom", so the item sorts
// after every item with a real submission time under Low priority.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ApplyPriorityAction implements the priority tie-break rules: moving to top
// sets priority=Force and created_at=now; moving to bottom sets
// priority=Low and created_at=farFuture; the plain actions just retag
// priority without touching created_at.
func (r *QueueRepository) ApplyPriorityAction(ctx context.Context, id string, action PriorityAction, now time.Time) error {
	var query string
	var args []interface{}

	switch action {
	case ActionTop:
		query = `UPDATE queue_items SET priority = ?, created_at = ? WHERE id = ?`
		args = []interface{}{PriorityForce, now, id}
	case ActionBottom:
		query = `UPDATE queue_items SET priority = ?, created_at = ? WHERE id = ?`
		args = []interface{}{PriorityLow, farFuture, id}
	case ActionHigh:
		query = `UPDATE queue_items SET priority = ? WHERE id = ?`
		args = []interface{}{PriorityHigh, id}
	case ActionNormal:
		query = `UPDATE queue_items SET priority = ? WHERE id = ?`
		args = []interface{}{PriorityNormal, id}
	case ActionLow:
		query = `UPDATE queue_items SET priority = ? WHERE id = ?`
		args = []interface{}{PriorityLow, id}
	default:
		return fmt.Errorf("%w: unknown priority action %q", apperrors.ErrValidation, action)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply priority action: %w", err)
	}
	return requireRowAffected(res, apperrors.ErrItemNotFound)
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
