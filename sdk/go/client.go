package creditlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Creditline HTTP API client.
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

// Step is one stage of a verification workflow.
type Step struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Assignee    *string `json:"assignee,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	ReportPeriod    string  `json:"report_period"`
	SubmittedAt     string  `json:"submitted_at"`
	Steps           []Step  `json:"steps"`
	CurrentStep     int     `json:"current_step"`
	Status          string  `json:"status"`
	IPFSHash        *string `json:"ipfs_hash,omitempty"`
	TransactionHash *string `json:"transaction_hash,omitempty"`
	Version         int64   `json:"version"`
}

type Calculation struct {
	ID           string   `json:"id"`
	ReportID     string   `json:"report_id"`
	GrossCredits string   `json:"gross_credits"`
	NetCredits   string   `json:"net_credits"`
	Confidence   int      `json:"confidence"`
	Reasoning    []string `json:"reasoning"`
	Methodology  string   `json:"methodology"`
	CalculatedAt string   `json:"calculated_at"`
}

type Transaction struct {
	Hash        string `json:"hash"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	ProjectID   string `json:"project_id,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
	ResolvedAt  string `json:"resolved_at,omitempty"`
	Error       string `json:"error,omitempty"`
	RetriedBy   string `json:"retried_by,omitempty"`
}

// Ledger is the wallet and transaction state of the marketplace.
type Ledger struct {
	Wallet struct {
		Address     string `json:"address,omitempty"`
		Balance     string `json:"balance"`
		ChainID     int64  `json:"chain_id"`
		IsConnected bool   `json:"is_connected"`
	} `json:"wallet"`
	CarbonBalance string        `json:"carbon_balance"`
	OwnedProjects []string      `json:"owned_projects"`
	Pending       []Transaction `json:"pending"`
	Completed     []Transaction `json:"completed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// SubmitReport opens a workflow for a monitoring report.
func (c *Client) SubmitReport(ctx context.Context, projectID, period string, report map[string]any) (Workflow, error) {
	body := map[string]any{
		"project_id":    projectID,
		"report_period": period,
	}
	if report != nil {
		body["report"] = report
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "workflows", body, &resp)
	return resp, err
}

func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Workflows lists workflows, optionally narrowed to a project.
func (c *Client) Workflows(ctx context.Context, projectID string) ([]Workflow, error) {
	endpoint := "workflows"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdvanceStep completes or rejects a step. outcome is "complete" or "reject".
func (c *Client) AdvanceStep(ctx context.Context, workflowID, stepID, outcome string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.stepPath(workflowID, stepID, "advance"), map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

func (c *Client) AssignStep(ctx context.Context, workflowID, stepID, assignee string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, c.stepPath(workflowID, stepID, "assign"), map[string]any{"assignee": assignee}, &resp)
	return resp, err
}

// Estimate runs the credit estimator for a verified workflow.
func (c *Client) Estimate(ctx context.Context, workflowID string) (Calculation, error) {
	var resp Calculation
	err := c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(workflowID)+"/calculations", nil, &resp)
	return resp, err
}

func (c *Client) Calculations(ctx context.Context, workflowID string) ([]Calculation, error) {
	var resp []Calculation
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(workflowID)+"/calculations", nil, &resp)
	return resp, err
}

func (c *Client) Ledger(ctx context.Context) (Ledger, error) {
	var resp Ledger
	err := c.do(ctx, http.MethodGet, "ledger", nil, &resp)
	return resp, err
}

func (c *Client) Mint(ctx context.Context, amount, projectID string) (Transaction, error) {
	return c.submit(ctx, "mint", map[string]any{"amount": amount, "project_id": projectID})
}

func (c *Client) Lease(ctx context.Context, to, projectID, amount string) (Transaction, error) {
	return c.submit(ctx, "lease", map[string]any{"to": to, "project_id": projectID, "amount": amount})
}

func (c *Client) Burn(ctx context.Context, amount string) (Transaction, error) {
	return c.submit(ctx, "burn", map[string]any{"amount": amount})
}

func (c *Client) Transaction(ctx context.Context, hash string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "ledger/transactions/"+url.PathEscape(hash), nil, &resp)
	return resp, err
}

// Retry resubmits a failed transaction and returns its replacement.
func (c *Client) Retry(ctx context.Context, hash string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "ledger/transactions/"+url.PathEscape(hash)+"/retry", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) submit(ctx context.Context, op string, body map[string]any) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "ledger/"+op, body, &resp)
	return resp, err
}

func (c *Client) stepPath(workflowID, stepID, action string) string {
	return fmt.Sprintf("workflows/%s/steps/%s/%s", url.PathEscape(workflowID), url.PathEscape(stepID), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
