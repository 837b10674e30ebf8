package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/ledger"
	"buildline/internal/migrate"
	"buildline/internal/verify"
)

type testEnv struct {
	engine Engine
	db     *sql.DB
	cfg    *config.Config
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
	env := &testEnv{db: conn, cfg: config.Default("acct"), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	nowFn := func() time.Time { return env.now }
	env.engine = New(conn, env.cfg, LocalCollaborators())
	env.engine.Now = nowFn
	env.engine.Events.Now = nowFn
	env.engine.Ledger.Now = nowFn
	env.engine.Ledger.Events.Now = nowFn
	return env
}

func (env *testEnv) seedAccount(t *testing.T, balance int64) {
	t.Helper()
	ts := env.now.UTC().Format(time.RFC3339)
	if _, err := env.db.Exec(`INSERT INTO accounts(id,balance,created_at,updated_at) VALUES ('acct',0,?,?)`, ts, ts); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if balance > 0 {
		if _, err := env.engine.Ledger.Credit(context.Background(), "acct", balance, "account.seed", "test"); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
}

func (env *testEnv) submit(t *testing.T, complexity string) domain.Request {
	t.Helper()
	req, err := env.engine.Submit(context.Background(), SubmitOptions{
		AccountID:  "acct",
		ActorID:    "dev",
		Title:      "contact form",
		Complexity: complexity,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func (env *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := env.engine.Ledger.Balance(context.Background(), "acct")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func TestAdvanceDebitsAnalysis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")

	got, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.State != "analyzed" {
		t.Fatalf("want analyzed, got %s", got.State)
	}
	if got.AnalysisJSON == nil {
		t.Fatalf("analysis payload missing")
	}
	if env.balance(t) != 950 {
		t.Fatalf("want balance 950, got %d", env.balance(t))
	}
	history, err := env.engine.Ledger.History(ctx, "acct", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	debits := 0
	for _, txn := range history {
		if txn.Type == ledger.TxDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("want exactly one debit, got %d", debits)
	}
}

func TestAdvanceInsufficientCreditsLeavesStateAndBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 60)
	req := env.submit(t, "simple")

	if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); err != nil {
		t.Fatalf("advance analyzed: %v", err)
	}
	// Balance is now 10; proposal costs 100.
	_, err := env.engine.Advance(ctx, req.ID, "proposal_ready", "dev", false)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}
	got, err := env.engine.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "analyzed" {
		t.Fatalf("state must stay analyzed, got %s", got.State)
	}
	if env.balance(t) != 10 {
		t.Fatalf("balance must stay 10, got %d", env.balance(t))
	}
}

func TestAdvanceScalesCostByComplexity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "complex")

	if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// analysis 50 x complex multiplier 3
	if env.balance(t) != 850 {
		t.Fatalf("want balance 850, got %d", env.balance(t))
	}
}

func TestAdvanceIdempotentOnSameTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")

	if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false)
	if err != nil {
		t.Fatalf("repeat advance must be a no-op success: %v", err)
	}
	if got.State != "analyzed" {
		t.Fatalf("want analyzed, got %s", got.State)
	}
	if env.balance(t) != 950 {
		t.Fatalf("repeat advance must not charge again, balance %d", env.balance(t))
	}
}

func TestTransitionTableClosure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); err != nil {
		t.Fatalf("advance: %v", err)
	}

	all := []string{"submitted", "analyzed", "proposal_ready", "approved", "building", "staging", "completed", "failed"}
	for _, target := range all {
		switch target {
		case "proposal_ready": // documented successor
		case "analyzed": // no-op retry
		default:
			if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("advance analyzed -> %s: want ErrInvalidTransition, got %v", target, err)
			}
		}
	}
}

func TestFullPipelineToCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")

	steps := []string{"analyzed", "proposal_ready"}
	for _, target := range steps {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	// The local planner decomposed the proposal; approve the lot.
	if _, err := env.engine.ApproveAllSubtasks(ctx, req.ID, "dev"); err != nil {
		t.Fatalf("approve all: %v", err)
	}
	for _, target := range []string{"approved", "building", "staging", "completed"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	got, err := env.engine.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "completed" || got.CompletedAt == nil || got.SiteRef == nil {
		t.Fatalf("completed request incomplete: %+v", got)
	}
	// 50 analysis + 100 proposal + 300 build
	if env.balance(t) != 550 {
		t.Fatalf("want balance 550, got %d", env.balance(t))
	}
}

func TestApprovalGateRequiresApprovedSubtasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	for _, target := range []string{"analyzed", "proposal_ready"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	_, err := env.engine.Advance(ctx, req.ID, "approved", "dev", false)
	if !errors.Is(err, ErrSubtasksPending) {
		t.Fatalf("want ErrSubtasksPending with pending subtasks, got %v", err)
	}
}

type failingAnalyzer struct{ err error }

func (f failingAnalyzer) Analyze(ctx context.Context, req domain.Request) (AnalysisResult, error) {
	return AnalysisResult{}, f.err
}

func TestStageFailureReleasesHoldAndCountsTowardThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	env.engine.Collab.Analyzer = failingAnalyzer{err: errors.New("upstream flaked")}

	for i := 1; i <= env.cfg.Pipeline.FailureThreshold; i++ {
		if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); err == nil {
			t.Fatalf("advance %d should fail", i)
		}
		if env.balance(t) != 1000 {
			t.Fatalf("failed stage must not charge, balance %d", env.balance(t))
		}
		got, _ := env.engine.Repo.GetRequest(ctx, req.ID)
		if i < env.cfg.Pipeline.FailureThreshold {
			if got.State != "submitted" {
				t.Fatalf("failure %d: state must stay submitted, got %s", i, got.State)
			}
			if got.ConsecutiveFailures != i || got.LastError == nil {
				t.Fatalf("failure %d not recorded: %+v", i, got)
			}
		} else if got.State != "failed" {
			t.Fatalf("want failed after %d consecutive failures, got %s", i, got.State)
		}
	}
}

type blockingAnalyzer struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingAnalyzer) Analyze(ctx context.Context, req domain.Request) (AnalysisResult, error) {
	close(b.entered)
	<-b.release
	return Local{}.Analyze(ctx, req)
}

func TestConcurrentAdvanceConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	blocker := blockingAnalyzer{entered: make(chan struct{}), release: make(chan struct{})}
	env.engine.Collab.Analyzer = blocker

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false)
		done <- err
	}()
	<-blocker.entered
	if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); !errors.Is(err, ErrConflictInProgress) {
		t.Fatalf("want ErrConflictInProgress while first advance runs, got %v", err)
	}
	close(blocker.release)
	if err := <-done; err != nil {
		t.Fatalf("first advance: %v", err)
	}
	// Retried call now sees the new state and no-ops.
	got, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false)
	if err != nil || got.State != "analyzed" {
		t.Fatalf("retry after conflict: %v %+v", err, got)
	}
	if env.balance(t) != 950 {
		t.Fatalf("exactly one debit expected, balance %d", env.balance(t))
	}
}

type brokenValidator struct{}

func (brokenValidator) Validate(ctx context.Context, artifact string) ([]verify.Issue, error) {
	return []verify.Issue{{Code: "render-error"}}, nil
}

func TestVerificationExhaustionAndOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	env.engine.Collab.Validator = brokenValidator{}

	for _, target := range []string{"analyzed", "proposal_ready"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	if _, err := env.engine.ApproveAllSubtasks(ctx, req.ID, "dev"); err != nil {
		t.Fatalf("approve all: %v", err)
	}
	for _, target := range []string{"approved", "building"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}

	_, err := env.engine.Advance(ctx, req.ID, "staging", "dev", false)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("want ErrVerificationFailed, got %v", err)
	}
	got, _ := env.engine.Repo.GetRequest(ctx, req.ID)
	if got.State != "building" {
		t.Fatalf("state must stay building, got %s", got.State)
	}
	attempts, err := env.engine.Repo.ListAttempts(ctx, req.ID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != env.cfg.Pipeline.MaxFixIterations {
		t.Fatalf("want %d attempt records, got %d", env.cfg.Pipeline.MaxFixIterations, len(attempts))
	}
	if attempts[len(attempts)-1].Outcome != verify.OutcomeMaxRetries {
		t.Fatalf("terminal outcome wrong: %+v", attempts[len(attempts)-1])
	}

	// Explicit override promotes despite the exhausted loop.
	if _, err := env.engine.Advance(ctx, req.ID, "staging", "dev", true); err != nil {
		t.Fatalf("forced advance: %v", err)
	}
	got, _ = env.engine.Repo.GetRequest(ctx, req.ID)
	if got.State != "staging" {
		t.Fatalf("want staging after override, got %s", got.State)
	}
}

func TestAttemptHistoryGroupsByRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	env.engine.Collab.Validator = brokenValidator{}

	for _, target := range []string{"analyzed", "proposal_ready"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	if _, err := env.engine.ApproveAllSubtasks(ctx, req.ID, "dev"); err != nil {
		t.Fatalf("approve all: %v", err)
	}
	for _, target := range []string{"approved", "building"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}

	// First verification run exhausts; the retry is forced through. Both
	// runs persist their attempts under the same fixed clock.
	if _, err := env.engine.Advance(ctx, req.ID, "staging", "dev", false); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("want ErrVerificationFailed, got %v", err)
	}
	if _, err := env.engine.Advance(ctx, req.ID, "staging", "dev", true); err != nil {
		t.Fatalf("forced advance: %v", err)
	}

	attempts, err := env.engine.Repo.ListAttempts(ctx, req.ID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	perRun := env.cfg.Pipeline.MaxFixIterations
	if len(attempts) != 2*perRun {
		t.Fatalf("want %d attempt records across two runs, got %d", 2*perRun, len(attempts))
	}
	byRun := map[string]int{}
	for _, a := range attempts {
		if a.RunID == "" {
			t.Fatalf("attempt %s has no run id", a.ID)
		}
		byRun[a.RunID]++
	}
	if len(byRun) != 2 {
		t.Fatalf("want 2 distinct runs, got %d", len(byRun))
	}
	for run, n := range byRun {
		if n != perRun {
			t.Fatalf("run %s has %d attempts, want %d", run, n, perRun)
		}
	}
	// Listing keeps each run contiguous with sequential iterations, so a
	// run's fix history reads back unambiguously.
	switches := 0
	for i := 1; i < len(attempts); i++ {
		if attempts[i].RunID != attempts[i-1].RunID {
			switches++
			continue
		}
		if attempts[i].Iteration != attempts[i-1].Iteration+1 {
			t.Fatalf("iterations out of order within run %s: %d after %d", attempts[i].RunID, attempts[i].Iteration, attempts[i-1].Iteration)
		}
	}
	if switches != 1 {
		t.Fatalf("runs must not interleave, saw %d run switches", switches)
	}
}

func TestAbandonFromAnyNonTerminalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")

	got, err := env.engine.Abandon(ctx, req.ID, "dev")
	if err != nil || got.State != "abandoned" {
		t.Fatalf("abandon: %v %+v", err, got)
	}
	// Abandoned is terminal; no further advances.
	if _, err := env.engine.Advance(ctx, req.ID, "analyzed", "dev", false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition after abandon, got %v", err)
	}
	// Abandoning again is a no-op.
	if _, err := env.engine.Abandon(ctx, req.ID, "dev"); err != nil {
		t.Fatalf("second abandon: %v", err)
	}
}

func TestRefineChargesRefinementCost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 1000)
	req := env.submit(t, "simple")
	for _, target := range []string{"analyzed", "proposal_ready"} {
		if _, err := env.engine.Advance(ctx, req.ID, target, "dev", false); err != nil {
			t.Fatalf("advance %s: %v", target, err)
		}
	}
	before := env.balance(t)
	got, err := env.engine.Refine(ctx, req.ID, "use a darker theme", "dev")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if got.ProposalJSON == nil {
		t.Fatalf("refined proposal missing")
	}
	if env.balance(t) != before-10 {
		t.Fatalf("want refinement cost 10 debited, balance %d", env.balance(t))
	}
	// Refine is only valid while the proposal is under review.
	req2 := env.submit(t, "simple")
	if _, err := env.engine.Refine(ctx, req2.ID, "nope", "dev"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition for submitted request, got %v", err)
	}
}
