// Package engine owns the request lifecycle: the guarded state machine,
// credit gating through the ledger, subtask decomposition, and the
// validate-fix verification stage. Every caller goes through Advance;
// transition legality lives in one table, not in handlers.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/ledger"
	"buildline/internal/repo"
	"buildline/internal/verify"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Ledger
	Config *config.Config
	Collab Collaborators
	Now    func() time.Time

	inflight *inflight
}

func New(db *sql.DB, cfg *config.Config, collab Collaborators) Engine {
	led := ledger.Ledger{
		DB:             db,
		Events:         events.Writer{DB: db},
		MaxBalance:     cfg.Credits.MaxBalance,
		ReservationTTL: time.Duration(cfg.Credits.ReservationTTLSeconds) * time.Second,
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Ledger:   led,
		Config:   cfg,
		Collab:   collab,
		Now:      time.Now,
		inflight: newInflight(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// inflight serializes transitions per request id. Acquire fails instead of
// blocking; the caller surfaces ErrConflictInProgress.
type inflight struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{active: map[string]struct{}{}}
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[id]; busy {
		return false
	}
	f.active[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
}

// SubmitOptions are parameters for creating a request.
type SubmitOptions struct {
	AccountID   string
	ActorID     string
	Title       string
	Description string
	Complexity  string
}

var complexityGrades = map[string]bool{"simple": true, "medium": true, "complex": true, "enterprise": true}

// Submit creates a request in the submitted state. Nothing is charged
// until the first advance. Complexity defaults from the request text and
// may be revised by analysis.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Request, error) {
	if opts.Title == "" {
		return domain.Request{}, errors.New("title is required")
	}
	if opts.AccountID == "" {
		return domain.Request{}, errors.New("account is required")
	}
	if opts.Complexity == "" {
		opts.Complexity = GradeComplexity(opts.Title, opts.Description)
	}
	if !complexityGrades[opts.Complexity] {
		return domain.Request{}, fmt.Errorf("unknown complexity %q", opts.Complexity)
	}
	if _, err := e.Repo.GetAccount(ctx, opts.AccountID); err != nil {
		return domain.Request{}, err
	}
	ts := e.stamp()
	req := domain.Request{
		ID:          uuid.NewString(),
		AccountID:   opts.AccountID,
		ActorID:     opts.ActorID,
		Title:       opts.Title,
		Description: opts.Description,
		State:       "submitted",
		Complexity:  opts.Complexity,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	err = e.Events.Append(ctx, tx, "request.submitted", req.AccountID, "request", req.ID, opts.ActorID, events.EventPayload{
		"title": req.Title, "complexity": req.Complexity,
	})
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// successors is the transition table. Each state has at most one documented
// successor; everything else is ErrInvalidTransition.
var successors = map[string]string{
	"submitted":      "analyzed",
	"analyzed":       "proposal_ready",
	"proposal_ready": "approved",
	"approved":       "building",
	"building":       "staging",
	"staging":        "completed",
}

// stageFor names the metered cost stage of a transition target. Targets
// with no entry are free.
var stageFor = map[string]string{
	"analyzed":       "analysis",
	"proposal_ready": "proposal",
	"building":       "build",
}

func ensureRequestTransition(oldState, newState string, force bool) error {
	if force {
		return nil
	}
	if successors[oldState] == newState {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldState, newState)
}

// Advance moves a request to the target state, reserving and committing the
// stage's credit cost around the stage work. Repeating an advance whose
// target equals the current state is a no-op success. Collaborator failures
// roll back, release the hold, and count toward the failure threshold.
func (e Engine) Advance(ctx context.Context, requestID, target, actorID string, force bool) (domain.Request, error) {
	if !e.inflight.acquire(requestID) {
		return domain.Request{}, fmt.Errorf("%w: %s", ErrConflictInProgress, requestID)
	}
	defer e.inflight.release(requestID)

	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.State == target {
		return req, nil
	}
	if err := ensureRequestTransition(req.State, target, force); err != nil {
		return domain.Request{}, err
	}

	// Stage preconditions that need no collaborator.
	switch target {
	case "proposal_ready":
		if req.AnalysisJSON == nil {
			return domain.Request{}, fmt.Errorf("%w: analysis payload missing", ErrInvalidTransition)
		}
	case "approved":
		if err := e.ensureSubtasksApproved(ctx, req.ID); err != nil {
			return domain.Request{}, err
		}
	}

	var reservationID string
	if stage := stageFor[target]; stage != "" {
		cost := e.Config.StageCost(stage, req.Complexity)
		if cost > 0 {
			res, err := e.Ledger.Reserve(ctx, req.AccountID, cost, "request."+stage, actorID)
			if err != nil {
				return domain.Request{}, err
			}
			reservationID = res.ID
		}
	}

	from := req.State
	out, stageErr := e.runStage(ctx, req, target, force)
	updated, attempts := out.req, out.attempts
	if stageErr != nil {
		if reservationID != "" {
			if err := e.Ledger.Release(ctx, reservationID, actorID); err != nil {
				return domain.Request{}, err
			}
		}
		if errors.Is(stageErr, ErrVerificationFailed) {
			// Deterministic verdict, not upstream noise; record the
			// history but do not count it toward the failure threshold.
			if err := e.recordAttempts(ctx, req, attempts, actorID); err != nil {
				return domain.Request{}, err
			}
			return domain.Request{}, stageErr
		}
		return domain.Request{}, e.recordFailure(ctx, req, actorID, stageErr)
	}

	updated.State = target
	updated.ConsecutiveFailures = 0
	updated.LastError = nil
	updated.UpdatedAt = e.stamp()
	if target == "completed" {
		ts := e.stamp()
		updated.CompletedAt = &ts
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequestTx(ctx, tx, updated); err != nil {
		return domain.Request{}, err
	}
	if len(out.drafts) > 0 {
		if err := e.insertDraftsTx(ctx, tx, updated, out.drafts); err != nil {
			return domain.Request{}, err
		}
	}
	if len(attempts) > 0 {
		runID := uuid.NewString()
		for _, a := range attempts {
			rec := domain.ValidationAttempt{
				ID:             uuid.NewString(),
				RequestID:      req.ID,
				RunID:          runID,
				Iteration:      a.Iteration,
				Issues:         a.Issues,
				FixDescription: a.FixDescription,
				Outcome:        a.Outcome,
				CreatedAt:      e.stamp(),
			}
			if err := e.Repo.InsertAttemptTx(ctx, tx, rec); err != nil {
				return domain.Request{}, err
			}
		}
	}
	if reservationID != "" {
		if err := e.Ledger.CommitTx(ctx, tx, reservationID, actorID); err != nil {
			return domain.Request{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "request.advanced", req.AccountID, "request", req.ID, actorID, events.EventPayload{
		"from": from, "to": target,
	})
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return updated, nil
}

// stageOutput is what stage work produces before anything is persisted.
type stageOutput struct {
	req      domain.Request
	attempts []verify.Attempt
	drafts   []SubtaskDraft
}

// runStage performs the collaborator work for a transition and returns the
// request with stage payloads filled in. Nothing is written here; the
// caller persists the whole output in one transaction.
func (e Engine) runStage(ctx context.Context, req domain.Request, target string, force bool) (stageOutput, error) {
	out := stageOutput{req: req}
	switch target {
	case "analyzed":
		result, err := withTimeout(ctx, e.collabTimeout(), func(ctx context.Context) (AnalysisResult, error) {
			return e.Collab.Analyzer.Analyze(ctx, req)
		})
		if err != nil {
			return out, fmt.Errorf("analysis: %w", err)
		}
		out.req.AnalysisJSON = &result.PayloadJSON
		if complexityGrades[result.Complexity] {
			out.req.Complexity = result.Complexity
		}
		if result.RiskScore > 0 {
			out.req.RiskScore = &result.RiskScore
		}
		return out, nil
	case "proposal_ready":
		type proposal struct {
			payload string
			drafts  []SubtaskDraft
		}
		result, err := withTimeout(ctx, e.collabTimeout(), func(ctx context.Context) (proposal, error) {
			payload, drafts, err := e.Collab.Planner.Propose(ctx, req)
			return proposal{payload, drafts}, err
		})
		if err != nil {
			return out, fmt.Errorf("proposal: %w", err)
		}
		out.req.ProposalJSON = &result.payload
		out.drafts = result.drafts
		return out, nil
	case "approved":
		return out, nil
	case "building":
		artifact, err := withTimeout(ctx, e.collabTimeout(), func(ctx context.Context) (string, error) {
			return e.Collab.Builder.Build(ctx, req)
		})
		if err != nil {
			return out, fmt.Errorf("build: %w", err)
		}
		out.req.ArtifactRef = &artifact
		// Risk review is informational; a reviewer failure never blocks.
		if e.Collab.Reviewer != nil {
			if score, err := e.Collab.Reviewer.Review(ctx, artifact); err == nil {
				out.req.RiskScore = &score
			}
		}
		return out, nil
	case "staging":
		return e.runVerification(ctx, out, force)
	case "completed":
		if req.ArtifactRef == nil {
			return out, fmt.Errorf("%w: artifact missing", ErrInvalidTransition)
		}
		site, err := withTimeout(ctx, e.collabTimeout(), func(ctx context.Context) (string, error) {
			return e.Collab.Deployer.Deploy(ctx, *req.ArtifactRef)
		})
		if err != nil {
			return out, fmt.Errorf("deploy: %w", err)
		}
		out.req.SiteRef = &site
		return out, nil
	default:
		return out, fmt.Errorf("%w: unknown target %s", ErrInvalidTransition, target)
	}
}

// runVerification drives the validate-fix loop over the build artifact.
// A passed run advances; max_retries_exceeded advances only under force.
func (e Engine) runVerification(ctx context.Context, out stageOutput, force bool) (stageOutput, error) {
	if out.req.ArtifactRef == nil {
		return out, fmt.Errorf("%w: artifact missing", ErrInvalidTransition)
	}
	loop := verify.Loop{
		Validator:     e.Collab.Validator,
		Fixer:         e.Collab.Fixer,
		MaxIterations: e.Config.Pipeline.MaxFixIterations,
	}
	result, err := loop.Run(ctx, *out.req.ArtifactRef)
	out.attempts = result.Attempts
	if err != nil {
		return out, fmt.Errorf("verification: %w", err)
	}
	out.req.ArtifactRef = &result.Artifact
	if result.Outcome == verify.OutcomeMaxRetries && !force {
		return out, fmt.Errorf("%w after %d iterations", ErrVerificationFailed, len(result.Attempts))
	}
	return out, nil
}

func (e Engine) collabTimeout() time.Duration {
	return time.Duration(e.Config.Pipeline.CollaboratorTimeoutSeconds) * time.Second
}

// withTimeout bounds one collaborator call and maps deadline overruns to
// ErrCollaboratorTimeout.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return out, fmt.Errorf("%w: %v", ErrCollaboratorTimeout, err)
	}
	return out, err
}

// recordFailure attaches the stage error to the request, bumps the
// consecutive failure counter, and moves to failed once the threshold is
// reached. Returns the original stage error for the caller.
func (e Engine) recordFailure(ctx context.Context, req domain.Request, actorID string, stageErr error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	current, err := e.Repo.GetRequestTx(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	msg := stageErr.Error()
	current.LastError = &msg
	current.ConsecutiveFailures++
	current.UpdatedAt = e.stamp()
	evtType := "request.stage_failed"
	if current.ConsecutiveFailures >= e.Config.Pipeline.FailureThreshold {
		current.State = "failed"
		evtType = "request.failed"
	}
	if err := e.Repo.UpdateRequestTx(ctx, tx, current); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, evtType, current.AccountID, "request", current.ID, actorID, events.EventPayload{
		"error": msg, "consecutive_failures": current.ConsecutiveFailures,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return stageErr
}

// recordAttempts persists a verification history that did not advance the
// request, so a human can inspect it before overriding or abandoning.
func (e Engine) recordAttempts(ctx context.Context, req domain.Request, attempts []verify.Attempt, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	runID := uuid.NewString()
	for _, a := range attempts {
		rec := domain.ValidationAttempt{
			ID:             uuid.NewString(),
			RequestID:      req.ID,
			RunID:          runID,
			Iteration:      a.Iteration,
			Issues:         a.Issues,
			FixDescription: a.FixDescription,
			Outcome:        a.Outcome,
			CreatedAt:      e.stamp(),
		}
		if err := e.Repo.InsertAttemptTx(ctx, tx, rec); err != nil {
			return err
		}
	}
	msg := "verification exhausted retries"
	current, err := e.Repo.GetRequestTx(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	current.LastError = &msg
	current.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateRequestTx(ctx, tx, current); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "request.verification_exhausted", req.AccountID, "request", req.ID, actorID, events.EventPayload{
		"attempts": len(attempts),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Abandon terminally marks a request by explicit user action. Completed
// and already-abandoned requests cannot be abandoned.
func (e Engine) Abandon(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	if !e.inflight.acquire(requestID) {
		return domain.Request{}, fmt.Errorf("%w: %s", ErrConflictInProgress, requestID)
	}
	defer e.inflight.release(requestID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	switch req.State {
	case "abandoned":
		return req, tx.Commit()
	case "completed":
		return domain.Request{}, fmt.Errorf("%w: %s -> abandoned", ErrInvalidTransition, req.State)
	}
	from := req.State
	req.State = "abandoned"
	req.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	err = e.Events.Append(ctx, tx, "request.abandoned", req.AccountID, "request", req.ID, actorID, events.EventPayload{
		"from": from,
	})
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Refine reworks the proposal of a proposal_ready request per user
// instructions, charging the refinement stage cost.
func (e Engine) Refine(ctx context.Context, requestID, instructions, actorID string) (domain.Request, error) {
	if !e.inflight.acquire(requestID) {
		return domain.Request{}, fmt.Errorf("%w: %s", ErrConflictInProgress, requestID)
	}
	defer e.inflight.release(requestID)

	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.State != "proposal_ready" {
		return domain.Request{}, fmt.Errorf("%w: refine requires proposal_ready, got %s", ErrInvalidTransition, req.State)
	}
	var reservationID string
	if cost := e.Config.StageCost("refinement", req.Complexity); cost > 0 {
		res, err := e.Ledger.Reserve(ctx, req.AccountID, cost, "request.refinement", actorID)
		if err != nil {
			return domain.Request{}, err
		}
		reservationID = res.ID
	}
	payload, err := withTimeout(ctx, e.collabTimeout(), func(ctx context.Context) (string, error) {
		return e.Collab.Planner.Refine(ctx, req, instructions)
	})
	if err != nil {
		if reservationID != "" {
			if rerr := e.Ledger.Release(ctx, reservationID, actorID); rerr != nil {
				return domain.Request{}, rerr
			}
		}
		return domain.Request{}, e.recordFailure(ctx, req, actorID, fmt.Errorf("refinement: %w", err))
	}
	req.ProposalJSON = &payload
	req.ConsecutiveFailures = 0
	req.LastError = nil
	req.UpdatedAt = e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if reservationID != "" {
		if err := e.Ledger.CommitTx(ctx, tx, reservationID, actorID); err != nil {
			return domain.Request{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "request.refined", req.AccountID, "request", req.ID, actorID, events.EventPayload{
		"instructions": instructions,
	})
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}
