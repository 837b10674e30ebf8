package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"buildline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- accounts ---

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT id,balance,created_at,updated_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,balance,created_at,updated_at) VALUES (?,?,?,?)`,
		a.ID, a.Balance, a.CreatedAt, a.UpdatedAt)
	return err
}

// --- requests ---

const requestColumns = `id,account_id,actor_id,title,description,state,complexity,analysis_json,proposal_json,artifact_ref,site_ref,risk_score,last_error,consecutive_failures,created_at,updated_at,completed_at`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (domain.Request, error) {
	var req domain.Request
	var description, analysis, proposal, artifact, site, lastErr, completedAt sql.NullString
	var risk sql.NullInt64
	err := row.Scan(&req.ID, &req.AccountID, &req.ActorID, &req.Title, &description, &req.State, &req.Complexity,
		&analysis, &proposal, &artifact, &site, &risk, &lastErr, &req.ConsecutiveFailures,
		&req.CreatedAt, &req.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if description.Valid {
		req.Description = description.String
	}
	if analysis.Valid {
		req.AnalysisJSON = &analysis.String
	}
	if proposal.Valid {
		req.ProposalJSON = &proposal.String
	}
	if artifact.Valid {
		req.ArtifactRef = &artifact.String
	}
	if site.Valid {
		req.SiteRef = &site.String
	}
	if risk.Valid {
		score := int(risk.Int64)
		req.RiskScore = &score
	}
	if lastErr.Valid {
		req.LastError = &lastErr.String
	}
	if completedAt.Valid {
		req.CompletedAt = &completedAt.String
	}
	return req, nil
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.AccountID, req.ActorID, req.Title, nullable(req.Description), req.State, req.Complexity,
		nullableStringPtr(req.AnalysisJSON), nullableStringPtr(req.ProposalJSON), nullableStringPtr(req.ArtifactRef),
		nullableStringPtr(req.SiteRef), nullableIntPtr(req.RiskScore), nullableStringPtr(req.LastError),
		req.ConsecutiveFailures, req.CreatedAt, req.UpdatedAt, nullableStringPtr(req.CompletedAt))
	return err
}

func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET state=?, complexity=?, analysis_json=?, proposal_json=?, artifact_ref=?, site_ref=?, risk_score=?, last_error=?, consecutive_failures=?, updated_at=?, completed_at=? WHERE id=?`,
		req.State, req.Complexity, nullableStringPtr(req.AnalysisJSON), nullableStringPtr(req.ProposalJSON),
		nullableStringPtr(req.ArtifactRef), nullableStringPtr(req.SiteRef), nullableIntPtr(req.RiskScore),
		nullableStringPtr(req.LastError), req.ConsecutiveFailures, req.UpdatedAt, nullableStringPtr(req.CompletedAt), req.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

type RequestFilters struct {
	AccountID       string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByState(ctx context.Context, accountID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM requests WHERE account_id=? GROUP BY state`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, accountID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, accountID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, accountID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if accountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, accountID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,account_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, accountID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if accountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, accountID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,account_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var accountID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &accountID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if accountID.Valid {
			e.AccountID = accountID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for an account.
func (r Repo) LatestEventID(ctx context.Context, accountID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE account_id=?`, accountID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
