package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"meshval/internal/domain"
)

// VersionID derives the stable id of a spec version.
func VersionID(specID string, version int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("meshval:spec/%s@%d", specID, version))).String()
}

// ValidSpecID reports whether id is usable as a spec identifier: non-empty,
// at most 128 bytes, made of letters, digits, '-', '_' and '.'.
func ValidSpecID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

const specColumns = `id,current_version,content_hash,created_at,updated_at`

func scanSpec(row *sql.Row) (domain.Spec, error) {
	var s domain.Spec
	err := row.Scan(&s.ID, &s.CurrentVersion, &s.ContentHash, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetSpec(ctx context.Context, id string) (domain.Spec, error) {
	return r.GetSpecTx(ctx, nil, id)
}

func (r Repo) GetSpecTx(ctx context.Context, tx *sql.Tx, id string) (domain.Spec, error) {
	return scanSpec(r.q(tx).QueryRowContext(ctx, `SELECT `+specColumns+` FROM specs WHERE id=?`, id))
}

func (r Repo) ListSpecs(ctx context.Context) ([]domain.Spec, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+specColumns+` FROM specs ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Spec
	for rows.Next() {
		var s domain.Spec
		if err := rows.Scan(&s.ID, &s.CurrentVersion, &s.ContentHash, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// PutSpecTx stores doc as the next version of a spec, creating the spec on
// first use. When the content hash equals the current version's, nothing is
// written and the current version is returned with created=false.
func (r Repo) PutSpecTx(ctx context.Context, tx *sql.Tx, draft domain.SpecVersion) (domain.SpecVersion, bool, error) {
	if !ValidSpecID(draft.SpecID) {
		return domain.SpecVersion{}, false, fmt.Errorf("invalid spec id %q", draft.SpecID)
	}
	if draft.ContentHash == "" || len(draft.Document) == 0 {
		return domain.SpecVersion{}, false, errors.New("content_hash and document required")
	}
	cur, err := r.GetSpecTx(ctx, tx, draft.SpecID)
	switch {
	case errors.Is(err, ErrNotFound):
		draft.Version = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO specs(`+specColumns+`) VALUES (?,?,?,?,?)`,
			draft.SpecID, draft.Version, draft.ContentHash, draft.CreatedAt, draft.CreatedAt); err != nil {
			return domain.SpecVersion{}, false, fmt.Errorf("insert spec: %w", err)
		}
	case err != nil:
		return domain.SpecVersion{}, false, err
	case cur.ContentHash == draft.ContentHash:
		v, err := r.getVersion(ctx, tx, draft.SpecID, cur.CurrentVersion)
		return v, false, err
	default:
		draft.Version = cur.CurrentVersion + 1
		if _, err := tx.ExecContext(ctx, `UPDATE specs SET current_version=?, content_hash=?, updated_at=? WHERE id=?`,
			draft.Version, draft.ContentHash, draft.CreatedAt, draft.SpecID); err != nil {
			return domain.SpecVersion{}, false, fmt.Errorf("update spec: %w", err)
		}
	}
	draft.ID = VersionID(draft.SpecID, draft.Version)
	if _, err := tx.ExecContext(ctx, `INSERT INTO spec_versions(id,spec_id,version,content_hash,document_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		draft.ID, draft.SpecID, draft.Version, draft.ContentHash, string(draft.Document), draft.ActorID, draft.CreatedAt); err != nil {
		return domain.SpecVersion{}, false, fmt.Errorf("insert spec version: %w", err)
	}
	return draft, true, nil
}

// GetSpecVersion returns one stored version with its document. Version 0
// selects the current version.
func (r Repo) GetSpecVersion(ctx context.Context, specID string, version int) (domain.SpecVersion, error) {
	if version <= 0 {
		s, err := r.GetSpec(ctx, specID)
		if err != nil {
			return domain.SpecVersion{}, err
		}
		version = s.CurrentVersion
	}
	return r.getVersion(ctx, nil, specID, version)
}

func (r Repo) getVersion(ctx context.Context, tx *sql.Tx, specID string, version int) (domain.SpecVersion, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,spec_id,version,content_hash,document_json,actor_id,created_at FROM spec_versions WHERE spec_id=? AND version=?`, specID, version)
	var v domain.SpecVersion
	var doc string
	err := row.Scan(&v.ID, &v.SpecID, &v.Version, &v.ContentHash, &doc, &v.ActorID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Document = []byte(doc)
	return v, nil
}

// ListVersions returns version metadata newest first, without documents.
func (r Repo) ListVersions(ctx context.Context, specID string) ([]domain.SpecVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,spec_id,version,content_hash,actor_id,created_at FROM spec_versions WHERE spec_id=? ORDER BY version DESC`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpecVersion
	for rows.Next() {
		var v domain.SpecVersion
		if err := rows.Scan(&v.ID, &v.SpecID, &v.Version, &v.ContentHash, &v.ActorID, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		if _, err := r.GetSpec(ctx, specID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// DeleteSpecTx removes a spec with its versions, backups and runs.
func (r Repo) DeleteSpecTx(ctx context.Context, tx *sql.Tx, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM specs WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
