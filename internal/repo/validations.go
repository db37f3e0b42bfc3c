package repo

import (
	"context"
	"database/sql"
	"errors"

	"meshval/internal/domain"
)

const runColumns = `id,COALESCE(spec_id,''),COALESCE(version,0),fingerprint,valid,error_count,warning_count,cache_hits,cache_misses,duration_ms,result_json,actor_id,created_at`

// InsertRunTx persists one validation run. ID must already be set.
func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.ValidationRun) error {
	if run.ID == "" {
		return errors.New("id required")
	}
	if len(run.Result) == 0 {
		run.Result = []byte("{}")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO validation_runs(id,spec_id,version,fingerprint,valid,error_count,warning_count,cache_hits,cache_misses,duration_ms,result_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, nullable(run.SpecID), nullableInt(run.Version), run.Fingerprint, boolInt(run.Valid), run.ErrorCount, run.WarningCount,
		run.CacheHits, run.CacheMisses, run.DurationMS, string(run.Result), run.ActorID, run.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, withResult bool) (domain.ValidationRun, error) {
	var run domain.ValidationRun
	var valid int
	var result string
	err := row.Scan(&run.ID, &run.SpecID, &run.Version, &run.Fingerprint, &valid, &run.ErrorCount, &run.WarningCount,
		&run.CacheHits, &run.CacheMisses, &run.DurationMS, &result, &run.ActorID, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Valid = valid != 0
	if withResult {
		run.Result = []byte(result)
	}
	return run, nil
}

// GetRun returns a run with its full result.
func (r Repo) GetRun(ctx context.Context, id string) (domain.ValidationRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE id=?`, id), true)
}

// LatestRun returns the newest run recorded for a spec.
func (r Repo) LatestRun(ctx context.Context, specID string) (domain.ValidationRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM validation_runs WHERE spec_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, specID), true)
}

// ListRuns returns runs newest first without results. An empty specID
// lists every run.
func (r Repo) ListRuns(ctx context.Context, specID string, limit int) ([]domain.ValidationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM validation_runs`
	var args []any
	if specID != "" {
		query += ` WHERE spec_id=?`
		args = append(args, specID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRun
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
