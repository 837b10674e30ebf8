package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"buildline/internal/db"
	"buildline/internal/events"
	"buildline/internal/migrate"
)

type testEnv struct {
	ledger Ledger
	db     *sql.DB
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{db: conn, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	nowFn := func() time.Time { return env.now }
	env.ledger = Ledger{
		DB:             conn,
		Events:         events.Writer{DB: conn, Now: nowFn},
		Now:            nowFn,
		MaxBalance:     100000,
		ReservationTTL: 5 * time.Minute,
	}
	return env
}

func (env *testEnv) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	ts := env.now.UTC().Format(time.RFC3339)
	_, err := env.db.Exec(`INSERT INTO accounts(id,balance,created_at,updated_at) VALUES (?,0,?,?)`, id, ts, ts)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if balance > 0 {
		if _, err := env.ledger.Credit(context.Background(), id, balance, "account.seed", "test"); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
}

func TestReserveCommitDebitsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 1000)

	res, err := env.ledger.Reserve(ctx, "acct", 150, "request.analysis", "dev")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	balance, _ := env.ledger.Balance(ctx, "acct")
	if balance != 1000 {
		t.Fatalf("reserve must not move the balance, got %d", balance)
	}
	if err := env.ledger.Commit(ctx, res.ID, "dev"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Second commit is a no-op.
	if err := env.ledger.Commit(ctx, res.ID, "dev"); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	balance, _ = env.ledger.Balance(ctx, "acct")
	if balance != 850 {
		t.Fatalf("want balance 850 after single debit, got %d", balance)
	}
}

func TestReserveInsufficientCountsHolds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 100)

	if _, err := env.ledger.Reserve(ctx, "acct", 80, "request.proposal", "dev"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := env.ledger.Reserve(ctx, "acct", 30, "request.proposal", "dev")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits with outstanding hold, got %v", err)
	}
}

func TestReleaseFreesHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 100)

	res, err := env.ledger.Reserve(ctx, "acct", 80, "request.build", "dev")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := env.ledger.Release(ctx, res.ID, "dev"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := env.ledger.Release(ctx, res.ID, "dev"); err != nil {
		t.Fatalf("double release must be a no-op: %v", err)
	}
	if _, err := env.ledger.Reserve(ctx, "acct", 80, "request.build", "dev"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if balance, _ := env.ledger.Balance(ctx, "acct"); balance != 100 {
		t.Fatalf("released holds must not charge, balance %d", balance)
	}
}

func TestHoldExpiresLazily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 100)

	res, err := env.ledger.Reserve(ctx, "acct", 100, "request.build", "dev")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	env.now = env.now.Add(10 * time.Minute)
	if _, err := env.ledger.Reserve(ctx, "acct", 100, "request.build", "dev"); err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if err := env.ledger.Commit(ctx, res.ID, "dev"); !errors.Is(err, ErrReservationNotHeld) {
		t.Fatalf("committing an expired hold must fail, got %v", err)
	}
}

func TestCreditCapsAtMaxBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 99990)

	balance, err := env.ledger.Credit(ctx, "acct", 50, "suggestion.bonus", "dev")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != 100000 {
		t.Fatalf("want clamped balance 100000, got %d", balance)
	}
	// At the cap, a further credit leaves no transaction behind.
	history, err := env.ledger.History(ctx, "acct", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	n := len(history)
	if _, err := env.ledger.Credit(ctx, "acct", 25, "suggestion.bonus", "dev"); err != nil {
		t.Fatalf("credit at cap: %v", err)
	}
	history, _ = env.ledger.History(ctx, "acct", 10)
	if len(history) != n {
		t.Fatalf("credit at cap must not append transactions")
	}
}

func TestVerifyConservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 1000)

	res, err := env.ledger.Reserve(ctx, "acct", 300, "request.build", "dev")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := env.ledger.Commit(ctx, res.ID, "dev"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := env.ledger.Credit(ctx, "acct", 200, "topup", "dev"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	report, err := env.ledger.VerifyConservation(ctx, "acct")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("ledger should be consistent: %+v", report)
	}
	if report.ReplayedSum != 900 || report.CachedBalance != 900 {
		t.Fatalf("want replayed sum 900, got %+v", report)
	}

	// A tampered cache must be caught.
	if _, err := env.db.Exec(`UPDATE accounts SET balance=9999 WHERE id='acct'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = env.ledger.VerifyConservation(ctx, "acct")
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if report.Consistent {
		t.Fatalf("tampered balance must fail the audit")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acct", 500)

	if _, err := env.ledger.Credit(ctx, "acct", 10, "first", "dev"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := env.ledger.Credit(ctx, "acct", 20, "second", "dev"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	history, err := env.ledger.History(ctx, "acct", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Reason != "second" || history[1].Reason != "first" {
		t.Fatalf("want newest first, got %+v", history)
	}
}
