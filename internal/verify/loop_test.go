package verify

import (
	"context"
	"errors"
	"testing"
)

type scriptedValidator struct {
	// verdicts[i] is the issue list returned by validation pass i.
	verdicts [][]Issue
	err      error
	calls    int
}

func (v *scriptedValidator) Validate(ctx context.Context, artifact string) ([]Issue, error) {
	if v.err != nil {
		return nil, v.err
	}
	i := v.calls
	v.calls++
	if i >= len(v.verdicts) {
		return nil, nil
	}
	return v.verdicts[i], nil
}

type recordingFixer struct {
	err   error
	calls int
	seen  [][]Attempt
}

func (f *recordingFixer) Fix(ctx context.Context, artifact string, issues []Issue, history []Attempt) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.calls++
	f.seen = append(f.seen, append([]Attempt(nil), history...))
	return artifact, "patched build config", nil
}

func TestLoopPassesAfterOneFix(t *testing.T) {
	v := &scriptedValidator{verdicts: [][]Issue{
		{{Code: "missing-route", Detail: "/health not served"}},
		nil,
	}}
	f := &recordingFixer{}
	res, err := Loop{Validator: v, Fixer: f, MaxIterations: 3}.Run(context.Background(), "site-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomePassed {
		t.Fatalf("want passed, got %s", res.Outcome)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("want 2 attempts, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Outcome != OutcomeRetrying || res.Attempts[0].Iteration != 1 {
		t.Fatalf("first attempt wrong: %+v", res.Attempts[0])
	}
	if res.Attempts[0].Issues[0] != "missing-route: /health not served" {
		t.Fatalf("issue not recorded: %+v", res.Attempts[0])
	}
	if res.Attempts[1].Outcome != OutcomePassed || res.Attempts[1].Iteration != 2 {
		t.Fatalf("second attempt wrong: %+v", res.Attempts[1])
	}
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	broken := []Issue{{Code: "render-error"}}
	v := &scriptedValidator{verdicts: [][]Issue{broken, broken, broken, broken}}
	f := &recordingFixer{}
	res, err := Loop{Validator: v, Fixer: f, MaxIterations: 3}.Run(context.Background(), "site-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeMaxRetries {
		t.Fatalf("want max_retries_exceeded, got %s", res.Outcome)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("want 3 attempts for 3 validation passes, got %d", len(res.Attempts))
	}
	if f.calls != 2 {
		t.Fatalf("fixer must not run after the final validation, got %d calls", f.calls)
	}
	last := res.Attempts[2]
	if last.Outcome != OutcomeMaxRetries || last.FixDescription != "" {
		t.Fatalf("final attempt wrong: %+v", last)
	}
}

func TestLoopAbortsOnValidatorError(t *testing.T) {
	v := &scriptedValidator{err: errors.New("reviewer offline")}
	res, err := Loop{Validator: v, Fixer: &recordingFixer{}, MaxIterations: 3}.Run(context.Background(), "site-1")
	if !errors.Is(err, ErrLoopAborted) {
		t.Fatalf("want ErrLoopAborted, got %v", err)
	}
	if res.Outcome != OutcomeLoopAborted || len(res.Attempts) != 1 {
		t.Fatalf("abort must leave one attempt: %+v", res)
	}
}

func TestLoopAbortsOnFixerError(t *testing.T) {
	v := &scriptedValidator{verdicts: [][]Issue{{{Code: "broken-link"}}}}
	f := &recordingFixer{err: errors.New("builder offline")}
	res, err := Loop{Validator: v, Fixer: f, MaxIterations: 3}.Run(context.Background(), "site-1")
	if !errors.Is(err, ErrLoopAborted) {
		t.Fatalf("want ErrLoopAborted, got %v", err)
	}
	if res.Attempts[0].Issues[0] != "broken-link" {
		t.Fatalf("aborted attempt keeps the issues: %+v", res.Attempts[0])
	}
}

func TestLoopHonorsCancellationBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	broken := []Issue{{Code: "render-error"}}
	v := &scriptedValidator{verdicts: [][]Issue{broken, broken}}
	f := &recordingFixer{}
	cancel()
	res, err := Loop{Validator: v, Fixer: f, MaxIterations: 5}.Run(ctx, "site-1")
	if !errors.Is(err, ErrLoopAborted) {
		t.Fatalf("want ErrLoopAborted on canceled context, got %v", err)
	}
	if v.calls != 0 {
		t.Fatalf("cancellation is checked before validating, got %d calls", v.calls)
	}
	if res.Outcome != OutcomeLoopAborted {
		t.Fatalf("want loop_aborted, got %s", res.Outcome)
	}
}

func TestLoopFeedsHistoryToFixer(t *testing.T) {
	broken := []Issue{{Code: "render-error"}}
	v := &scriptedValidator{verdicts: [][]Issue{broken, broken, nil}}
	f := &recordingFixer{}
	if _, err := (Loop{Validator: v, Fixer: f, MaxIterations: 5}).Run(context.Background(), "site-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.seen) != 2 {
		t.Fatalf("want 2 fix calls, got %d", len(f.seen))
	}
	if len(f.seen[0]) != 0 {
		t.Fatalf("first fix sees no history, got %+v", f.seen[0])
	}
	if len(f.seen[1]) != 1 || f.seen[1][0].Outcome != OutcomeRetrying {
		t.Fatalf("second fix must see the first attempt, got %+v", f.seen[1])
	}
}
