// Package ledger keeps per-account credit balances with an append-only
// transaction log and two-phase reserve/commit holds. Balances never go
// negative; every balance change leaves a transaction row carrying the
// resulting balance so the log can be replayed and checked.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotHeld  = errors.New("reservation is not held")
)

const (
	TxCredit = "credit"
	TxDebit  = "debit"
)

type Ledger struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time

	// MaxBalance caps credits; 0 means uncapped.
	MaxBalance int64
	// ReservationTTL bounds how long a hold can sit unresolved.
	ReservationTTL time.Duration
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) stamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

// Available returns the cached balance minus outstanding (non-expired) holds.
func (l Ledger) Available(ctx context.Context, accountID string) (int64, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	avail, err := l.availableTx(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	return avail, tx.Commit()
}

func (l Ledger) availableTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	if err := l.expireHoldsTx(ctx, tx, accountID); err != nil {
		return 0, err
	}
	balance, err := l.balanceTx(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	var held sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT SUM(amount) FROM reservations WHERE account_id=? AND status='held'`, accountID).Scan(&held)
	if err != nil {
		return 0, err
	}
	return balance - held.Int64, nil
}

func (l Ledger) balanceTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: not found", accountID)
	}
	return balance, err
}

// expireHoldsTx lazily releases held reservations past their expiry.
func (l Ledger) expireHoldsTx(ctx context.Context, tx *sql.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reservations SET status='released' WHERE account_id=? AND status='held' AND expires_at < ?`,
		accountID, l.stamp())
	return err
}

// Reserve places a hold for amount credits. The hold does not move the
// balance; it reduces what later Reserve calls may see as available.
func (l Ledger) Reserve(ctx context.Context, accountID string, amount int64, reason, actorID string) (domain.Reservation, error) {
	if amount <= 0 {
		return domain.Reservation{}, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback()
	avail, err := l.availableTx(ctx, tx, accountID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if avail < amount {
		return domain.Reservation{}, fmt.Errorf("%w: need %d, available %d", ErrInsufficientCredits, amount, avail)
	}
	ttl := l.ReservationTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	res := domain.Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Status:    "held",
		CreatedAt: l.stamp(),
		ExpiresAt: l.now().UTC().Add(ttl).Format(time.RFC3339),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reservations(id,account_id,amount,reason,status,created_at,expires_at) VALUES (?,?,?,?,?,?,?)`,
		res.ID, res.AccountID, res.Amount, res.Reason, res.Status, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return domain.Reservation{}, err
	}
	err = l.Events.Append(ctx, tx, "credits.reserved", accountID, "reservation", res.ID, actorID, events.EventPayload{
		"amount": amount, "reason": reason,
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, tx.Commit()
}

// Commit converts a held reservation into a debit. Committing an already
// committed reservation is a no-op; a released or expired one is an error.
func (l Ledger) Commit(ctx context.Context, reservationID, actorID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.CommitTx(ctx, tx, reservationID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitTx is Commit inside a caller-owned transaction, so the debit can
// land atomically with whatever state change it pays for.
func (l Ledger) CommitTx(ctx context.Context, tx *sql.Tx, reservationID, actorID string) error {
	res, err := l.reservationTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if res.Status == "committed" {
		return nil
	}
	if res.Status != "held" || res.ExpiresAt < l.stamp() {
		return fmt.Errorf("%w: reservation %s is %s", ErrReservationNotHeld, reservationID, res.Status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reservations SET status='committed' WHERE id=?`, reservationID); err != nil {
		return err
	}
	if err := l.applyTx(ctx, tx, res.AccountID, TxDebit, res.Amount, res.Reason); err != nil {
		return err
	}
	return l.Events.Append(ctx, tx, "credits.debited", res.AccountID, "reservation", res.ID, actorID, events.EventPayload{
		"amount": res.Amount, "reason": res.Reason,
	})
}

// Release frees a held reservation without charging. Releasing twice is a
// no-op; releasing a committed reservation is an error.
func (l Ledger) Release(ctx context.Context, reservationID, actorID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.ReleaseTx(ctx, tx, reservationID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseTx is Release inside a caller-owned transaction.
func (l Ledger) ReleaseTx(ctx context.Context, tx *sql.Tx, reservationID, actorID string) error {
	res, err := l.reservationTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch res.Status {
	case "released":
		return nil
	case "committed":
		return fmt.Errorf("%w: reservation %s already committed", ErrReservationNotHeld, reservationID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reservations SET status='released' WHERE id=?`, reservationID); err != nil {
		return err
	}
	return l.Events.Append(ctx, tx, "credits.released", res.AccountID, "reservation", res.ID, actorID, events.EventPayload{
		"amount": res.Amount, "reason": res.Reason,
	})
}

func (l Ledger) reservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, error) {
	var res domain.Reservation
	err := tx.QueryRowContext(ctx, `SELECT id,account_id,amount,reason,status,created_at,expires_at FROM reservations WHERE id=?`, id).
		Scan(&res.ID, &res.AccountID, &res.Amount, &res.Reason, &res.Status, &res.CreatedAt, &res.ExpiresAt)
	if err == sql.ErrNoRows {
		return res, fmt.Errorf("reservation %s: not found", id)
	}
	return res, err
}

// Credit adds amount to the account, clamped to MaxBalance when set.
// The transaction row records the amount actually granted.
func (l Ledger) Credit(ctx context.Context, accountID string, amount int64, reason, actorID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	balance, err := l.balanceTx(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	granted := amount
	if l.MaxBalance > 0 && balance+granted > l.MaxBalance {
		granted = l.MaxBalance - balance
	}
	if granted <= 0 {
		// Already at cap; nothing to record.
		return balance, tx.Commit()
	}
	if err := l.applyTx(ctx, tx, accountID, TxCredit, granted, reason); err != nil {
		return 0, err
	}
	err = l.Events.Append(ctx, tx, "credits.credited", accountID, "account", accountID, actorID, events.EventPayload{
		"amount": granted, "requested": amount, "reason": reason,
	})
	if err != nil {
		return 0, err
	}
	return balance + granted, tx.Commit()
}

// applyTx moves the cached balance and appends the matching transaction row.
func (l Ledger) applyTx(ctx context.Context, tx *sql.Tx, accountID, txType string, amount int64, reason string) error {
	delta := amount
	if txType == TxDebit {
		delta = -amount
	}
	balance, err := l.balanceTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	resulting := balance + delta
	if resulting < 0 {
		return fmt.Errorf("%w: debit %d exceeds balance %d", ErrInsufficientCredits, amount, balance)
	}
	_, err = tx.ExecContext(ctx, `UPDATE accounts SET balance=?, updated_at=? WHERE id=?`, resulting, l.stamp(), accountID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ledger_transactions(account_id,type,amount,reason,resulting_balance,ts) VALUES (?,?,?,?,?,?)`,
		accountID, txType, amount, reason, resulting, l.stamp())
	return err
}

// Balance returns the cached account balance.
func (l Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: not found", accountID)
	}
	return balance, err
}

// History returns ledger transactions, newest first.
func (l Ledger) History(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id,account_id,type,amount,reason,resulting_balance,ts FROM ledger_transactions WHERE account_id=? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.Reason, &t.ResultingBalance, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AuditReport is the result of replaying an account's transaction log.
type AuditReport struct {
	AccountID     string `json:"account_id"`
	CachedBalance int64  `json:"cached_balance"`
	ReplayedSum   int64  `json:"replayed_sum"`
	Transactions  int    `json:"transactions"`
	Consistent    bool   `json:"consistent"`
	FirstBadTxnID int64  `json:"first_bad_txn_id,omitempty"`
}

// VerifyConservation replays the transaction log in order and checks that
// each recorded resulting_balance matches the running sum, and that the
// final sum equals the cached account balance.
func (l Ledger) VerifyConservation(ctx context.Context, accountID string) (AuditReport, error) {
	report := AuditReport{AccountID: accountID, Consistent: true}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	report.CachedBalance, err = l.balanceTx(ctx, tx, accountID)
	if err != nil {
		return report, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT id,type,amount,resulting_balance FROM ledger_transactions WHERE account_id=? ORDER BY id ASC`, accountID)
	if err != nil {
		return report, err
	}
	defer rows.Close()
	var sum int64
	for rows.Next() {
		var id, amount, resulting int64
		var txType string
		if err := rows.Scan(&id, &txType, &amount, &resulting); err != nil {
			return report, err
		}
		if txType == TxDebit {
			sum -= amount
		} else {
			sum += amount
		}
		report.Transactions++
		if report.Consistent && sum != resulting {
			report.Consistent = false
			report.FirstBadTxnID = id
		}
	}
	if err := rows.Err(); err != nil {
		return report, err
	}
	report.ReplayedSum = sum
	if sum != report.CachedBalance {
		report.Consistent = false
	}
	return report, tx.Commit()
}
