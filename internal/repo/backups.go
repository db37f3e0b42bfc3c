package repo

import (
	"context"
	"database/sql"
	"errors"

	"meshval/internal/domain"
)

// InsertBackupTx stores a named snapshot. ID must already be set.
func (r Repo) InsertBackupTx(ctx context.Context, tx *sql.Tx, b domain.Backup) error {
	if b.ID == "" {
		return errors.New("id required")
	}
	if b.SpecID == "" {
		return errors.New("spec_id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO spec_backups(id,spec_id,version,label,content_hash,document_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.SpecID, b.Version, b.Label, b.ContentHash, string(b.Document), b.CreatedAt)
	return err
}

// GetBackup returns a backup of specID with its document.
func (r Repo) GetBackup(ctx context.Context, specID, id string) (domain.Backup, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,spec_id,version,label,content_hash,document_json,created_at FROM spec_backups WHERE id=? AND spec_id=?`, id, specID)
	var b domain.Backup
	var doc string
	err := row.Scan(&b.ID, &b.SpecID, &b.Version, &b.Label, &b.ContentHash, &doc, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Document = []byte(doc)
	return b, nil
}

// ListBackups returns backups newest first, without documents.
func (r Repo) ListBackups(ctx context.Context, specID string) ([]domain.Backup, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,spec_id,version,label,content_hash,created_at FROM spec_backups WHERE spec_id=? ORDER BY created_at DESC, rowid DESC`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Backup
	for rows.Next() {
		var b domain.Backup
		if err := rows.Scan(&b.ID, &b.SpecID, &b.Version, &b.Label, &b.ContentHash, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// PruneBackupsTx deletes all but the newest keep backups of a spec and
// returns how many were removed. keep <= 0 disables pruning.
func (r Repo) PruneBackupsTx(ctx context.Context, tx *sql.Tx, specID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM spec_backups WHERE spec_id=? AND id NOT IN (
  SELECT id FROM spec_backups WHERE spec_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?)`, specID, specID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
