package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/nzbcore/nzbcore/internal/errors"
)

// ItemRepository persists the logical file tree: directory/file Items plus
// their per-kind descriptor rows (NzbFile, RarFile, MultipartFile).
type ItemRepository struct {
	db *sql.DB
}

// GetItemByPath looks up an Item by its full `/`-joined path.
func (r *ItemRepository) GetItemByPath(ctx context.Context, path string) (*Item, error) {
	return r.getItem(ctx, r.db, "path = ?", path)
}

// GetItem looks up an Item by id.
func (r *ItemRepository) GetItem(ctx context.Context, id string) (*Item, error) {
	return r.getItem(ctx, r.db, "id = ?", id)
}

func (r *ItemRepository) getItem(ctx context.Context, q DBQuerier, where string, arg interface{}) (*Item, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, parent_id, name, path, kind, file_size, groups, release_date,
		       is_corrupted, corruption_reason, last_health_check, next_health_check
		FROM items WHERE `+where, arg)

	var it Item
	if err := row.Scan(&it.ID, &it.ParentID, &it.Name, &it.Path, &it.Kind, &it.FileSize, &it.Groups,
		&it.ReleaseDate, &it.IsCorrupted, &it.CorruptionReason, &it.LastHealthCheck, &it.NextHealthCheck); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &it, nil
}

// ListChildren returns the direct children of parentID, ordered by name.
// A nil parentID lists root-level items.
func (r *ItemRepository) ListChildren(ctx context.Context, parentID *string) ([]*Item, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, parent_id, name, path, kind, file_size, groups, release_date,
			       is_corrupted, corruption_reason, last_health_check, next_health_check
			FROM items WHERE parent_id IS NULL ORDER BY name`)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, parent_id, name, path, kind, file_size, groups, release_date,
			       is_corrupted, corruption_reason, last_health_check, next_health_check
			FROM items WHERE parent_id = ? ORDER BY name`, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ParentID, &it.Name, &it.Path, &it.Kind, &it.FileSize, &it.Groups,
			&it.ReleaseDate, &it.IsCorrupted, &it.CorruptionReason, &it.LastHealthCheck, &it.NextHealthCheck); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// ItemTree is the set of rows QueueManager inserts atomically for one
// processed job: the Item nodes plus their per-kind descriptor rows.
type ItemTree struct {
	Items          []*Item
	NzbFiles       []*NzbFile
	RarFiles       []*RarFile
	MultipartFiles []*MultipartFile
}

// InsertItemTree inserts every row of tree inside a single transaction, so
// the logical file tree for a job either appears whole or not at all.
func (r *ItemRepository) InsertItemTree(ctx context.Context, tree ItemTree) error {
	return WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, it := range tree.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO items (id, parent_id, name, path, kind, file_size, groups, release_date,
				                    is_corrupted, corruption_reason, last_health_check, next_health_check)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				it.ID, it.ParentID, it.Name, it.Path, it.Kind, it.FileSize, it.Groups, it.ReleaseDate,
				it.IsCorrupted, it.CorruptionReason, it.LastHealthCheck, it.NextHealthCheck); err != nil {
				return fmt.Errorf("insert item %s: %w", it.Path, err)
			}
		}
		for _, nf := range tree.NzbFiles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO nzb_files (item_id, segment_ids, segment_sizes) VALUES (?, ?, ?)`,
				nf.ItemID, nf.SegmentIDs, nf.SegmentSizes); err != nil {
				return fmt.Errorf("insert nzb_file %s: %w", nf.ItemID, err)
			}
		}
		for _, rf := range tree.RarFiles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rar_files (item_id, rar_parts, inner_offset_map) VALUES (?, ?, ?)`,
				rf.ItemID, rf.RarParts, rf.InnerOffsetMap); err != nil {
				return fmt.Errorf("insert rar_file %s: %w", rf.ItemID, err)
			}
		}
		for _, mf := range tree.MultipartFiles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO multipart_files (item_id, file_parts) VALUES (?, ?)`,
				mf.ItemID, mf.FileParts); err != nil {
				return fmt.Errorf("insert multipart_file %s: %w", mf.ItemID, err)
			}
		}
		return nil
	})
}

// GetNzbFile fetches the segment descriptor for a plain NzbFile item.
func (r *ItemRepository) GetNzbFile(ctx context.Context, itemID string) (*NzbFile, error) {
	var nf NzbFile
	nf.ItemID = itemID
	err := r.db.QueryRowContext(ctx, `SELECT segment_ids, segment_sizes FROM nzb_files WHERE item_id = ?`, itemID).
		Scan(&nf.SegmentIDs, &nf.SegmentSizes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get nzb_file: %w", err)
	}
	return &nf, nil
}

// GetRarFile fetches the volume/offset descriptor for a RarFile item.
func (r *ItemRepository) GetRarFile(ctx context.Context, itemID string) (*RarFile, error) {
	var rf RarFile
	rf.ItemID = itemID
	err := r.db.QueryRowContext(ctx, `SELECT rar_parts, inner_offset_map FROM rar_files WHERE item_id = ?`, itemID).
		Scan(&rf.RarParts, &rf.InnerOffsetMap)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get rar_file: %w", err)
	}
	return &rf, nil
}

// GetMultipartFile fetches the part descriptor for a MultipartFile item.
func (r *ItemRepository) GetMultipartFile(ctx context.Context, itemID string) (*MultipartFile, error) {
	var mf MultipartFile
	mf.ItemID = itemID
	err := r.db.QueryRowContext(ctx, `SELECT file_parts FROM multipart_files WHERE item_id = ?`, itemID).
		Scan(&mf.FileParts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrItemNotFound
		}
		return nil, fmt.Errorf("get multipart_file: %w", err)
	}
	return &mf, nil
}

// DeleteItemTree removes an Item and, via ON DELETE CASCADE, its
// descendants and per-kind descriptor row.
func (r *ItemRepository) DeleteItemTree(ctx context.Context, rootID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, rootID); err != nil {
		return fmt.Errorf("delete item tree %s: %w", rootID, err)
	}
	return nil
}
