package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
)

// SubtaskCreateOptions are parameters for adding one subtask.
type SubtaskCreateOptions struct {
	RequestID     string
	Title         string
	Order         int
	DependsOn     string
	EstimatedCost int
	ActorID       string
}

// AddSubtask appends a unit of work to a request's graph. The predecessor
// must already exist in the same graph, and the new edge must not close a
// cycle. The graph is mutable while the proposal is being shaped, up to
// and including approval.
func (e Engine) AddSubtask(ctx context.Context, opts SubtaskCreateOptions) (domain.Subtask, error) {
	if opts.Title == "" {
		return domain.Subtask{}, fmt.Errorf("title is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.Subtask{}, err
	}
	switch req.State {
	case "analyzed", "proposal_ready", "approved":
	default:
		return domain.Subtask{}, fmt.Errorf("%w: cannot add subtasks in state %s", ErrInvalidTransition, req.State)
	}
	var dependsOn *string
	if opts.DependsOn != "" {
		pred, err := e.Repo.GetSubtaskTx(ctx, tx, opts.DependsOn)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("predecessor %s: %w", opts.DependsOn, err)
		}
		if pred.RequestID != opts.RequestID {
			return domain.Subtask{}, fmt.Errorf("predecessor %s belongs to another request", opts.DependsOn)
		}
		dependsOn = &pred.ID
	}
	st := domain.Subtask{
		ID:            uuid.NewString(),
		RequestID:     opts.RequestID,
		Title:         opts.Title,
		OrderIndex:    opts.Order,
		DependsOn:     dependsOn,
		Status:        "pending",
		EstimatedCost: opts.EstimatedCost,
		CreatedAt:     e.stamp(),
		UpdatedAt:     e.stamp(),
	}
	if dependsOn != nil {
		if err := e.ensureNoCycle(ctx, tx, st.ID, *dependsOn); err != nil {
			return domain.Subtask{}, err
		}
	}
	if err := e.Repo.InsertSubtaskTx(ctx, tx, st); err != nil {
		return domain.Subtask{}, err
	}
	err = e.Events.Append(ctx, tx, "subtask.added", req.AccountID, "subtask", st.ID, opts.ActorID, events.EventPayload{
		"request_id": st.RequestID, "title": st.Title, "order": st.OrderIndex,
	})
	if err != nil {
		return domain.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	return st, nil
}

// AddSubtaskBatch creates a whole decomposition in one transaction; either
// every subtask lands or none do. DependsOn indexes refer to earlier
// entries in the same batch, like a planner proposal.
func (e Engine) AddSubtaskBatch(ctx context.Context, requestID string, drafts []SubtaskDraft, actorID string) ([]domain.Subtask, error) {
	if len(drafts) == 0 {
		return nil, fmt.Errorf("at least one subtask is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.State {
	case "analyzed", "proposal_ready", "approved":
	default:
		return nil, fmt.Errorf("%w: cannot add subtasks in state %s", ErrInvalidTransition, req.State)
	}
	if err := e.insertDraftsTx(ctx, tx, req, drafts); err != nil {
		return nil, err
	}
	err = e.Events.Append(ctx, tx, "subtask.batch_added", req.AccountID, "request", requestID, actorID, events.EventPayload{
		"count": len(drafts),
	})
	if err != nil {
		return nil, err
	}
	created, err := e.Repo.ListSubtasksTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// ensureNoCycle walks the predecessor chain from startID; reaching newID
// (or revisiting any node) means the edge would close a cycle. Single
// predecessors make cycles impossible at creation, but the walk stays
// generic for dependency edits and future multi-edge graphs.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, newID, startID string) error {
	seen := map[string]bool{newID: true}
	cursor := startID
	for cursor != "" {
		if seen[cursor] {
			return fmt.Errorf("%w: via %s", ErrCycleRejected, cursor)
		}
		seen[cursor] = true
		st, err := e.Repo.GetSubtaskTx(ctx, tx, cursor)
		if err != nil {
			return err
		}
		if st.DependsOn == nil {
			return nil
		}
		cursor = *st.DependsOn
	}
	return nil
}

// insertDraftsTx batch-creates the planner's decomposition inside the
// proposal transition's transaction. Draft order follows the slice;
// DependsOn indexes resolve against earlier drafts in the same batch.
func (e Engine) insertDraftsTx(ctx context.Context, tx *sql.Tx, req domain.Request, drafts []SubtaskDraft) error {
	ids := make([]string, len(drafts))
	for i, d := range drafts {
		if d.Title == "" {
			return fmt.Errorf("draft %d: title is required", i)
		}
		var dependsOn *string
		if d.DependsOn >= 0 {
			if d.DependsOn >= i {
				return fmt.Errorf("draft %d: depends_on index %d not yet created", i, d.DependsOn)
			}
			dependsOn = &ids[d.DependsOn]
		}
		ids[i] = uuid.NewString()
		st := domain.Subtask{
			ID:            ids[i],
			RequestID:     req.ID,
			Title:         d.Title,
			OrderIndex:    d.Order,
			DependsOn:     dependsOn,
			Status:        "pending",
			EstimatedCost: d.EstimatedCost,
			CreatedAt:     e.stamp(),
			UpdatedAt:     e.stamp(),
		}
		if err := e.Repo.InsertSubtaskTx(ctx, tx, st); err != nil {
			return err
		}
	}
	return nil
}

// ApproveSubtask moves a pending subtask to approved. Approving an already
// approved subtask is a no-op success.
func (e Engine) ApproveSubtask(ctx context.Context, subtaskID, actorID string) (domain.Subtask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetSubtaskTx(ctx, tx, subtaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	switch st.Status {
	case "approved":
		return st, tx.Commit()
	case "pending":
	default:
		return domain.Subtask{}, fmt.Errorf("%w: subtask %s -> approved", ErrInvalidTransition, st.Status)
	}
	if err := e.setSubtaskStatusTx(ctx, tx, &st, "approved", actorID); err != nil {
		return domain.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	return st, nil
}

// ApproveAllSubtasks approves every pending subtask of a request in one
// transaction; either all land or none do.
func (e Engine) ApproveAllSubtasks(ctx context.Context, requestID, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return 0, err
	}
	subtasks, err := e.Repo.ListSubtasksTx(ctx, tx, requestID)
	if err != nil {
		return 0, err
	}
	approved := 0
	for i := range subtasks {
		if subtasks[i].Status != "pending" {
			continue
		}
		if err := e.setSubtaskStatusTx(ctx, tx, &subtasks[i], "approved", actorID); err != nil {
			return 0, err
		}
		approved++
	}
	err = e.Events.Append(ctx, tx, "subtask.approved_all", req.AccountID, "request", requestID, actorID, events.EventPayload{
		"approved": approved,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return approved, nil
}

// StartSubtask moves an approved subtask to in_progress, gated on its
// predecessor being completed.
func (e Engine) StartSubtask(ctx context.Context, subtaskID, actorID string) (domain.Subtask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetSubtaskTx(ctx, tx, subtaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if st.Status != "approved" {
		return domain.Subtask{}, fmt.Errorf("%w: subtask %s -> in_progress", ErrInvalidTransition, st.Status)
	}
	if st.DependsOn != nil {
		pred, err := e.Repo.GetSubtaskTx(ctx, tx, *st.DependsOn)
		if err != nil {
			return domain.Subtask{}, err
		}
		if pred.Status != "completed" {
			return domain.Subtask{}, fmt.Errorf("%w: waiting on %s", ErrSubtaskBlocked, pred.ID)
		}
	}
	if err := e.setSubtaskStatusTx(ctx, tx, &st, "in_progress", actorID); err != nil {
		return domain.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	return st, nil
}

// CompleteSubtask marks an in_progress subtask completed, making its
// dependents eligible for ReadySubtasks on the next query.
func (e Engine) CompleteSubtask(ctx context.Context, subtaskID, actorID string) (domain.Subtask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetSubtaskTx(ctx, tx, subtaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	switch st.Status {
	case "completed":
		return st, tx.Commit()
	case "in_progress":
	default:
		return domain.Subtask{}, fmt.Errorf("%w: subtask %s -> completed", ErrInvalidTransition, st.Status)
	}
	if err := e.setSubtaskStatusTx(ctx, tx, &st, "completed", actorID); err != nil {
		return domain.Subtask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Subtask{}, err
	}
	return st, nil
}

func (e Engine) setSubtaskStatusTx(ctx context.Context, tx *sql.Tx, st *domain.Subtask, status, actorID string) error {
	from := st.Status
	st.Status = status
	st.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateSubtaskTx(ctx, tx, *st); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "subtask."+status, "", "subtask", st.ID, actorID, events.EventPayload{
		"request_id": st.RequestID, "from": from,
	})
}

// ReadySubtasks returns the subtasks that may start now: approved, with no
// predecessor or a completed one. Recomputed from current state each call,
// ordered by order_index then insertion.
func (e Engine) ReadySubtasks(ctx context.Context, requestID string) ([]domain.Subtask, error) {
	subtasks, err := e.Repo.ListSubtasks(ctx, requestID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Subtask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}
	var ready []domain.Subtask
	for _, st := range subtasks {
		if st.Status != "approved" {
			continue
		}
		if st.DependsOn != nil && byID[*st.DependsOn].Status != "completed" {
			continue
		}
		ready = append(ready, st)
	}
	return ready, nil
}

// EffectiveStatus reports a subtask's scheduling status: an approved
// subtask whose predecessor has not completed shows as blocked. Blocked is
// derived, never stored.
func EffectiveStatus(st domain.Subtask, byID map[string]domain.Subtask) string {
	if st.Status == "approved" && st.DependsOn != nil {
		if pred, ok := byID[*st.DependsOn]; !ok || pred.Status != "completed" {
			return "blocked"
		}
	}
	return st.Status
}

// ensureSubtasksApproved gates the approval transition: every subtask must
// be approved (or further along); an absent graph passes.
func (e Engine) ensureSubtasksApproved(ctx context.Context, requestID string) error {
	subtasks, err := e.Repo.ListSubtasks(ctx, requestID)
	if err != nil {
		return err
	}
	pending := 0
	for _, st := range subtasks {
		if st.Status == "pending" {
			pending++
		}
	}
	if pending > 0 {
		return fmt.Errorf("%w: %d pending", ErrSubtasksPending, pending)
	}
	return nil
}
