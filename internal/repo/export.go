package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"runline/internal/domain"
)

const exportColumns = `seq,export_item_id,run_id,type,created_at,description,text,url,binary_url,binary,mime,metadata_json`

func scanExportItem(row rowScanner) (domain.ExportItem, error) {
	var it domain.ExportItem
	var description, text, url, binaryURL, binary, mime, metadataJSON sql.NullString
	err := row.Scan(&it.Seq, &it.ExportItemID, &it.RunID, &it.Type, &it.CreatedAt,
		&description, &text, &url, &binaryURL, &binary, &mime, &metadataJSON)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if description.Valid {
		it.Description = &description.String
	}
	if text.Valid {
		it.Text = &text.String
	}
	if url.Valid {
		it.URL = &url.String
	}
	if binaryURL.Valid {
		it.BinaryURL = &binaryURL.String
	}
	if binary.Valid {
		it.Binary = &binary.String
	}
	if mime.Valid {
		it.Mime = &mime.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &it.Metadata); err != nil {
			return it, fmt.Errorf("decode metadata for export item %s: %w", it.ExportItemID, err)
		}
	}
	return it, nil
}

// AppendExport persists an export item and returns it with its replay cursor
// assigned.
func (r Repo) AppendExport(ctx context.Context, it domain.ExportItem) (domain.ExportItem, error) {
	metadata, err := marshalMap(it.Metadata)
	if err != nil {
		return it, err
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO export_items(export_item_id,run_id,type,created_at,description,text,url,binary_url,binary,mime,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ExportItemID, it.RunID, string(it.Type), it.CreatedAt,
		nullableStringPtr(it.Description), nullableStringPtr(it.Text), nullableStringPtr(it.URL),
		nullableStringPtr(it.BinaryURL), nullableStringPtr(it.Binary), nullableStringPtr(it.Mime), metadata)
	if err != nil {
		return it, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return it, err
	}
	it.Seq = seq
	return it, nil
}

func (r Repo) GetExportItem(ctx context.Context, exportItemID string) (domain.ExportItem, error) {
	return scanExportItem(r.DB.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM export_items WHERE export_item_id=?`, exportItemID))
}

// ListExportAfter returns up to limit items of a run with seq greater than
// after, in seq order, plus the cursor to continue from (zero when the page
// reached the end).
func (r Repo) ListExportAfter(ctx context.Context, runID string, after int64, limit int) ([]domain.ExportItem, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM export_items WHERE run_id=? AND seq>? ORDER BY seq ASC LIMIT ?`,
		runID, after, limit+1)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []domain.ExportItem
	for rows.Next() {
		it, err := scanExportItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var nextAfter int64
	if len(items) > limit {
		items = items[:limit]
		nextAfter = items[len(items)-1].Seq
	}
	return items, nextAfter, nil
}

// ListExportAllAfter pages export items across every run in seq order. Used
// by the webhook dispatcher cursor.
func (r Repo) ListExportAllAfter(ctx context.Context, after int64, limit int) ([]domain.ExportItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM export_items WHERE seq>? ORDER BY seq ASC LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.ExportItem
	for rows.Next() {
		it, err := scanExportItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// LatestExportSeq returns the current tail of the export log.
func (r Repo) LatestExportSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM export_items`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// exportItemsBelong checks every id is an export item of the run.
func exportItemsBelong(ctx context.Context, tx *sql.Tx, runID string, ids []string) (bool, error) {
	for _, id := range ids {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT run_id FROM export_items WHERE export_item_id=?`, id).Scan(&owner)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if owner != runID {
			return false, nil
		}
	}
	return true, nil
}
