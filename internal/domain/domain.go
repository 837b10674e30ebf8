package domain

// Request is a dev request moving through the delivery pipeline.
type Request struct {
	ID                  string  `json:"id"`
	AccountID           string  `json:"account_id"`
	ActorID             string  `json:"actor_id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	State               string  `json:"state" enum:"submitted,analyzed,proposal_ready,approved,building,staging,completed,failed,abandoned"`
	Complexity          string  `json:"complexity" enum:"simple,medium,complex,enterprise"`
	AnalysisJSON        *string `json:"analysis_json,omitempty"`
	ProposalJSON        *string `json:"proposal_json,omitempty"`
	ArtifactRef         *string `json:"artifact_ref,omitempty"`
	SiteRef             *string `json:"site_ref,omitempty"`
	RiskScore           *int    `json:"risk_score,omitempty"`
	LastError           *string `json:"last_error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
	CompletedAt         *string `json:"completed_at,omitempty" format:"date-time"`
}

// Subtask is one unit of work decomposed from an approved proposal.
// DependsOn holds at most one predecessor id.
type Subtask struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	Title         string  `json:"title"`
	OrderIndex    int     `json:"order_index"`
	DependsOn     *string `json:"depends_on,omitempty"`
	Status        string  `json:"status" enum:"pending,approved,in_progress,completed"`
	EstimatedCost int     `json:"estimated_cost"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Account is a credit-bearing ledger account.
type Account struct {
	ID        string `json:"id"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID               int64  `json:"id"`
	AccountID        string `json:"account_id"`
	Type             string `json:"type" enum:"credit,debit"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	ResultingBalance int64  `json:"resulting_balance"`
	TS               string `json:"ts" format:"date-time"`
}

// Reservation is a provisional hold against an account balance. It must be
// committed or released by its holder; expired holds are released lazily.
type Reservation struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Status    string `json:"status" enum:"held,committed,released"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// ValidationAttempt is one iteration of the validate-fix loop for a request.
// Attempts sharing a RunID belong to the same loop run.
type ValidationAttempt struct {
	ID             string   `json:"id"`
	RequestID      string   `json:"request_id"`
	RunID          string   `json:"run_id"`
	Iteration      int      `json:"iteration"`
	Issues         []string `json:"issues,omitempty"`
	FixDescription string   `json:"fix_description,omitempty"`
	Outcome        string   `json:"outcome" enum:"passed,retrying,max_retries_exceeded,loop_aborted"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only engine event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AccountID  string `json:"account_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
