package engine

import "errors"

var (
	// ErrInvalidTransition rejects an advance target that is not the
	// current state's documented successor.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflictInProgress rejects a second advance on a request whose
	// previous transition has not finished.
	ErrConflictInProgress = errors.New("request transition already in progress")
	// ErrSubtasksPending blocks approval while pending subtasks remain.
	ErrSubtasksPending = errors.New("subtasks pending approval")
	// ErrSubtaskBlocked blocks starting a subtask whose predecessor has
	// not completed.
	ErrSubtaskBlocked = errors.New("subtask dependency not completed")
	// ErrCycleRejected rejects a subtask edge that would close a cycle.
	ErrCycleRejected = errors.New("subtask dependency cycle rejected")
	// ErrCollaboratorTimeout marks a stage collaborator exceeding its
	// deadline; treated like any collaborator failure for rollback.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")
	// ErrVerificationFailed blocks the staging transition after the
	// validate-fix loop exhausted its iterations without passing.
	ErrVerificationFailed = errors.New("verification exhausted retries")
)
