// Package verify runs the bounded validate-fix loop a staged artifact must
// clear before a request can complete.
package verify

import (
	"context"
	"errors"
	"fmt"
)

// Issue is one problem found by a validator.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (i Issue) String() string {
	if i.Detail == "" {
		return i.Code
	}
	return i.Code + ": " + i.Detail
}

// Validator inspects an artifact and reports issues. An empty slice means
// the artifact is acceptable.
type Validator interface {
	Validate(ctx context.Context, artifact string) ([]Issue, error)
}

// Fixer attempts to repair the reported issues. It receives the attempts so
// far so it can avoid repeating a fix that did not help, and returns the
// (possibly updated) artifact ref plus a description of what it changed.
type Fixer interface {
	Fix(ctx context.Context, artifact string, issues []Issue, history []Attempt) (string, string, error)
}

const (
	OutcomePassed      = "passed"
	OutcomeRetrying    = "retrying"
	OutcomeMaxRetries  = "max_retries_exceeded"
	OutcomeLoopAborted = "loop_aborted"
)

// Attempt is the record of one loop iteration.
type Attempt struct {
	Iteration      int      `json:"iteration"`
	Issues         []string `json:"issues,omitempty"`
	FixDescription string   `json:"fix_description,omitempty"`
	Outcome        string   `json:"outcome"`
}

// Result is the terminal state of a loop run.
type Result struct {
	Outcome  string    `json:"outcome"`
	Artifact string    `json:"artifact"`
	Attempts []Attempt `json:"attempts"`
}

// ErrLoopAborted wraps a collaborator failure inside the loop.
var ErrLoopAborted = errors.New("validate-fix loop aborted")

type Loop struct {
	Validator     Validator
	Fixer         Fixer
	MaxIterations int
}

// Run validates the artifact and, while issues remain, asks the fixer to
// repair them, up to MaxIterations validation passes. Each pass leaves one
// attempt record. Cancellation is honored between iterations only; an
// iteration already underway runs to its record.
func (l Loop) Run(ctx context.Context, artifact string) (Result, error) {
	max := l.MaxIterations
	if max <= 0 {
		max = 3
	}
	res := Result{Artifact: artifact}
	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			res.Outcome = OutcomeLoopAborted
			res.Attempts = append(res.Attempts, Attempt{Iteration: iter, Outcome: OutcomeLoopAborted})
			return res, fmt.Errorf("%w: %v", ErrLoopAborted, err)
		}
		issues, err := l.Validator.Validate(ctx, res.Artifact)
		if err != nil {
			res.Outcome = OutcomeLoopAborted
			res.Attempts = append(res.Attempts, Attempt{Iteration: iter, Outcome: OutcomeLoopAborted})
			return res, fmt.Errorf("%w: validate: %v", ErrLoopAborted, err)
		}
		if len(issues) == 0 {
			res.Outcome = OutcomePassed
			res.Attempts = append(res.Attempts, Attempt{Iteration: iter, Outcome: OutcomePassed})
			return res, nil
		}
		codes := issueStrings(issues)
		if iter == max {
			res.Outcome = OutcomeMaxRetries
			res.Attempts = append(res.Attempts, Attempt{Iteration: iter, Issues: codes, Outcome: OutcomeMaxRetries})
			return res, nil
		}
		fixed, desc, err := l.Fixer.Fix(ctx, res.Artifact, issues, res.Attempts)
		if err != nil {
			res.Outcome = OutcomeLoopAborted
			res.Attempts = append(res.Attempts, Attempt{Iteration: iter, Issues: codes, Outcome: OutcomeLoopAborted})
			return res, fmt.Errorf("%w: fix: %v", ErrLoopAborted, err)
		}
		res.Artifact = fixed
		res.Attempts = append(res.Attempts, Attempt{Iteration: iter, Issues: codes, FixDescription: desc, Outcome: OutcomeRetrying})
	}
}

func issueStrings(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.String()
	}
	return out
}
