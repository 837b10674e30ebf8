package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"buildline/internal/domain"
)

func (r Repo) InsertAttemptTx(ctx context.Context, tx *sql.Tx, a domain.ValidationAttempt) error {
	issues, err := json.Marshal(a.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO validation_attempts(id,request_id,run_id,iteration,issues_json,fix_description,outcome,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.RunID, a.Iteration, string(issues), nullable(a.FixDescription), a.Outcome, a.CreatedAt)
	return err
}

// ListAttempts returns a request's validation attempts grouped by loop run,
// in iteration order within each run.
func (r Repo) ListAttempts(ctx context.Context, requestID string) ([]domain.ValidationAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,run_id,iteration,issues_json,fix_description,outcome,created_at FROM validation_attempts WHERE request_id=? ORDER BY created_at ASC, run_id ASC, iteration ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationAttempt
	for rows.Next() {
		var a domain.ValidationAttempt
		var issues string
		var fix sql.NullString
		if err := rows.Scan(&a.ID, &a.RequestID, &a.RunID, &a.Iteration, &issues, &fix, &a.Outcome, &a.CreatedAt); err != nil {
			return nil, err
		}
		if issues != "" && issues != "null" {
			if err := json.Unmarshal([]byte(issues), &a.Issues); err != nil {
				return nil, fmt.Errorf("unmarshal issues for %s: %w", a.ID, err)
			}
		}
		if fix.Valid {
			a.FixDescription = fix.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
