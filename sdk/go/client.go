package buildlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Buildline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model (partial).
type Request struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"account_id"`
	Title       string  `json:"title"`
	State       string  `json:"state"`
	Complexity  string  `json:"complexity"`
	ArtifactRef *string `json:"artifact_ref,omitempty"`
	SiteRef     *string `json:"site_ref,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Subtask represents a single proposed work item.
type Subtask struct {
	ID            string  `json:"id"`
	RequestID     string  `json:"request_id"`
	Title         string  `json:"title"`
	Order         int     `json:"order"`
	DependsOn     *string `json:"depends_on,omitempty"`
	Status        string  `json:"status"`
	EstimatedCost int     `json:"estimated_cost"`
}

// Attempt represents one validation iteration.
type Attempt struct {
	RunID          string   `json:"run_id"`
	Iteration      int      `json:"iteration"`
	Issues         []string `json:"issues,omitempty"`
	FixDescription string   `json:"fix_description,omitempty"`
	Outcome        string   `json:"outcome"`
	CreatedAt      string   `json:"created_at"`
}

// Balance reports credits and availability after holds.
type Balance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
}

// Transaction is one ledger entry.
type Transaction struct {
	ID               int64  `json:"id"`
	Type             string `json:"type"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	ResultingBalance int64  `json:"resulting_balance"`
	TS               string `json:"ts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit creates a request.
func (c *Client) Submit(ctx context.Context, title, description, complexity string) (Request, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"complexity":  complexity,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests lists requests, optionally filtered by state.
func (c *Client) ListRequests(ctx context.Context, state string, limit int) ([]Request, error) {
	endpoint := "v0/requests"
	params := url.Values{}
	if state != "" {
		params.Set("state", state)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance moves a request toward target. Force overrides verification
// exhaustion on the staging transition.
func (c *Client) Advance(ctx context.Context, id, target string, force bool) (Request, error) {
	body := map[string]any{"target": target, "force": force}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/advance", body, &resp)
	return resp, err
}

// Approve moves a proposal-ready request to approved once every subtask
// is approved.
func (c *Client) Approve(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

// Abandon abandons a request.
func (c *Client) Abandon(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/abandon", nil, &resp)
	return resp, err
}

// Refine reworks a ready proposal with new instructions.
func (c *Client) Refine(ctx context.Context, id, instructions string) (Request, error) {
	body := map[string]any{"instructions": instructions}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/refine", body, &resp)
	return resp, err
}

// Attempts lists validation attempts for a request.
func (c *Client) Attempts(ctx context.Context, requestID string) ([]Attempt, error) {
	var resp []Attempt
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(requestID)+"/attempts", nil, &resp)
	return resp, err
}

// Subtasks lists a request's subtasks in execution order.
func (c *Client) Subtasks(ctx context.Context, requestID string) ([]Subtask, error) {
	var resp []Subtask
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(requestID)+"/subtasks", nil, &resp)
	return resp, err
}

// ReadySubtasks lists subtasks whose predecessors are complete.
func (c *Client) ReadySubtasks(ctx context.Context, requestID string) ([]Subtask, error) {
	var resp []Subtask
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(requestID)+"/subtasks/ready", nil, &resp)
	return resp, err
}

// ApproveAllSubtasks approves every pending subtask, returning the count.
func (c *Client) ApproveAllSubtasks(ctx context.Context, requestID string) (int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(requestID)+"/subtasks/approve-all", nil, &resp)
	return resp["approved"], err
}

// SubtaskAction runs approve, start or complete on a subtask.
func (c *Client) SubtaskAction(ctx context.Context, subtaskID, action string) (Subtask, error) {
	var resp Subtask
	err := c.do(ctx, http.MethodPost, "v0/subtasks/"+url.PathEscape(subtaskID)+"/"+action, nil, &resp)
	return resp, err
}

// Balance returns the account balance and availability.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "v0/credits/balance", nil, &resp)
	return resp, err
}

// TopUp credits the account.
func (c *Client) TopUp(ctx context.Context, amount int64, reason string) (Balance, error) {
	body := map[string]any{"amount": amount, "reason": reason}
	var resp Balance
	err := c.do(ctx, http.MethodPost, "v0/credits/topup", body, &resp)
	return resp, err
}

// History lists ledger transactions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Transaction, error) {
	endpoint := "v0/credits/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events after cursor.
func (c *Client) Events(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		params.Set("cursor", fmt.Sprint(cursor))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
