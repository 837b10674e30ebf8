package repo

import (
	"context"
	"database/sql"

	"buildline/internal/domain"
)

const subtaskColumns = `id,request_id,title,order_index,depends_on,status,estimated_cost,created_at,updated_at`

func scanSubtask(row requestScanner) (domain.Subtask, error) {
	var st domain.Subtask
	var dependsOn sql.NullString
	err := row.Scan(&st.ID, &st.RequestID, &st.Title, &st.OrderIndex, &dependsOn, &st.Status, &st.EstimatedCost, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	if dependsOn.Valid {
		st.DependsOn = &dependsOn.String
	}
	return st, nil
}

func (r Repo) InsertSubtaskTx(ctx context.Context, tx *sql.Tx, st domain.Subtask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subtasks(`+subtaskColumns+`,insertion_seq)
		VALUES (?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(insertion_seq),0)+1 FROM subtasks WHERE request_id=?))`,
		st.ID, st.RequestID, st.Title, st.OrderIndex, nullableStringPtr(st.DependsOn), st.Status, st.EstimatedCost, st.CreatedAt, st.UpdatedAt, st.RequestID)
	return err
}

func (r Repo) UpdateSubtaskTx(ctx context.Context, tx *sql.Tx, st domain.Subtask) error {
	res, err := tx.ExecContext(ctx, `UPDATE subtasks SET title=?, order_index=?, depends_on=?, status=?, estimated_cost=?, updated_at=? WHERE id=?`,
		st.Title, st.OrderIndex, nullableStringPtr(st.DependsOn), st.Status, st.EstimatedCost, st.UpdatedAt, st.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	return scanSubtask(r.DB.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id=?`, id))
}

func (r Repo) GetSubtaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Subtask, error) {
	return scanSubtask(tx.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id=?`, id))
}

// ListSubtasks returns a request's subtasks in execution order. Ties on
// order_index fall back to insertion order.
func (r Repo) ListSubtasks(ctx context.Context, requestID string) ([]domain.Subtask, error) {
	return r.querySubtasks(ctx, r.DB.QueryContext, requestID)
}

func (r Repo) ListSubtasksTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.Subtask, error) {
	return r.querySubtasks(ctx, tx.QueryContext, requestID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) querySubtasks(ctx context.Context, query queryFunc, requestID string) ([]domain.Subtask, error) {
	rows, err := query(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE request_id=? ORDER BY order_index ASC, insertion_seq ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) CountSubtasksByStatusTx(ctx context.Context, tx *sql.Tx, requestID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, count(*) FROM subtasks WHERE request_id=? GROUP BY status`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
