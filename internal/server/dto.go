package server

import (
	"buildline/internal/domain"
	"buildline/internal/engine"
)

type SubmitRequestBody struct {
	Title       string `json:"title" example:"contact form"`
	Description string `json:"description,omitempty"`
	Complexity  string `json:"complexity,omitempty" enum:"simple,medium,complex,enterprise"`
}

type AdvanceRequestBody struct {
	Target string `json:"target" enum:"analyzed,proposal_ready,approved,building,staging,completed"`
	Force  bool   `json:"force,omitempty"`
}

type RefineRequestBody struct {
	Instructions string `json:"instructions"`
}

type RequestResponse struct {
	ID                  string  `json:"id"`
	AccountID           string  `json:"account_id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	State               string  `json:"state"`
	Complexity          string  `json:"complexity"`
	AnalysisJSON        *string `json:"analysis_json,omitempty"`
	ProposalJSON        *string `json:"proposal_json,omitempty"`
	ArtifactRef         *string `json:"artifact_ref,omitempty"`
	SiteRef             *string `json:"site_ref,omitempty"`
	RiskScore           *int    `json:"risk_score,omitempty"`
	LastError           *string `json:"last_error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
	CompletedAt         *string `json:"completed_at,omitempty"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:                  r.ID,
		AccountID:           r.AccountID,
		Title:               r.Title,
		Description:         r.Description,
		State:               r.State,
		Complexity:          r.Complexity,
		AnalysisJSON:        r.AnalysisJSON,
		ProposalJSON:        r.ProposalJSON,
		ArtifactRef:         r.ArtifactRef,
		SiteRef:             r.SiteRef,
		RiskScore:           r.RiskScore,
		LastError:           r.LastError,
		ConsecutiveFailures: r.ConsecutiveFailures,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		CompletedAt:         r.CompletedAt,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

type CreateSubtaskBody struct {
	Title         string `json:"title"`
	Order         int    `json:"order"`
	DependsOn     string `json:"depends_on,omitempty"`
	EstimatedCost int    `json:"estimated_cost,omitempty"`
}

type SubtaskBatchBody struct {
	Subtasks []SubtaskDraftBody `json:"subtasks" minItems:"1"`
}

type SubtaskDraftBody struct {
	Title string `json:"title"`
	Order int    `json:"order"`
	// DependsOn indexes an earlier entry of the same batch.
	DependsOn     *int `json:"depends_on,omitempty"`
	EstimatedCost int  `json:"estimated_cost,omitempty"`
}

type SubtaskResponse struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	Title         string  `json:"title"`
	Order         int     `json:"order"`
	DependsOn     *string `json:"depends_on,omitempty"`
	Status        string  `json:"status"`
	EstimatedCost int     `json:"estimated_cost"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

func subtaskResponse(st domain.Subtask, byID map[string]domain.Subtask) SubtaskResponse {
	status := st.Status
	if byID != nil {
		status = engine.EffectiveStatus(st, byID)
	}
	return SubtaskResponse{
		ID:            st.ID,
		RequestID:     st.RequestID,
		Title:         st.Title,
		Order:         st.OrderIndex,
		DependsOn:     st.DependsOn,
		Status:        status,
		EstimatedCost: st.EstimatedCost,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

func mapSubtasks(items []domain.Subtask) []SubtaskResponse {
	byID := make(map[string]domain.Subtask, len(items))
	for _, st := range items {
		byID[st.ID] = st
	}
	out := make([]SubtaskResponse, 0, len(items))
	for _, st := range items {
		out = append(out, subtaskResponse(st, byID))
	}
	return out
}

type AttemptResponse struct {
	ID             string   `json:"id"`
	RequestID      string   `json:"request_id"`
	RunID          string   `json:"run_id"`
	Iteration      int      `json:"iteration"`
	Issues         []string `json:"issues,omitempty"`
	FixDescription string   `json:"fix_description,omitempty"`
	Outcome        string   `json:"outcome"`
	CreatedAt      string   `json:"created_at"`
}

func mapAttempts(items []domain.ValidationAttempt) []AttemptResponse {
	out := make([]AttemptResponse, 0, len(items))
	for _, a := range items {
		out = append(out, AttemptResponse{
			ID:             a.ID,
			RequestID:      a.RequestID,
			RunID:          a.RunID,
			Iteration:      a.Iteration,
			Issues:         a.Issues,
			FixDescription: a.FixDescription,
			Outcome:        a.Outcome,
			CreatedAt:      a.CreatedAt,
		})
	}
	return out
}

type TopUpBody struct {
	Amount int64  `json:"amount" minimum:"1"`
	Reason string `json:"reason,omitempty" example:"purchase"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
}

type TransactionResponse struct {
	ID               int64  `json:"id"`
	Type             string `json:"type"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	ResultingBalance int64  `json:"resulting_balance"`
	TS               string `json:"ts"`
}

func mapTransactions(items []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, TransactionResponse{
			ID:               t.ID,
			Type:             t.Type,
			Amount:           t.Amount,
			Reason:           t.Reason,
			ResultingBalance: t.ResultingBalance,
			TS:               t.TS,
		})
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation.
	Key string `json:"key,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
