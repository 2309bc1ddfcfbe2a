package tradelinesdk

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

// Client is a minimal Tradeline HTTP API client.
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

// CreditLine represents the API credit line model. Decimal amounts travel as
// strings to keep precision intact.
type CreditLine struct {
	ID            string            `json:"id"`
	Label         string            `json:"label"`
	Ceiling       string            `json:"ceiling"`
	Currency      string            `json:"currency"`
	StartDate     string            `json:"start_date"`
	ExpiryDate    string            `json:"expiry_date"`
	Status        string            `json:"status"`
	Thresholds    map[string]string `json:"thresholds,omitempty"`
	Consumed      map[string]string `json:"consumed,omitempty"`
	TotalConsumed string            `json:"total_consumed"`
	Available     string            `json:"available"`
}

// Guarantee represents a guarantee attached to a credit line.
type Guarantee struct {
	ID           string `json:"id"`
	CreditLineID string `json:"credit_line_id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	ExpiryDate   string `json:"expiry_date"`
	Description  string `json:"description,omitempty"`
}

// Template represents a workflow template (partial).
type Template struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Label        string `json:"label"`
	Active       bool   `json:"active"`
	DrawCategory string `json:"draw_category,omitempty"`
}

// Engagement represents a running workflow instance.
type Engagement struct {
	ID            string  `json:"id"`
	Reference     string  `json:"reference"`
	TemplateID    string  `json:"template_id"`
	CreditLineID  *string `json:"credit_line_id,omitempty"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency,omitempty"`
	Status        string  `json:"status"`
	CurrentStepID *string `json:"current_step_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	SettledAt     *string `json:"settled_at,omitempty"`
}

// FieldValue is a tagged step field value. Exactly one value member is set,
// matching Kind.
type FieldValue struct {
	Kind     string    `json:"kind"`
	Str      string    `json:"string,omitempty"`
	Num      string    `json:"number,omitempty"`
	Date     string    `json:"date,omitempty"`
	Bool     bool      `json:"bool,omitempty"`
	Document *Document `json:"document,omitempty"`
}

// Document references an external document by name and URI.
type Document struct {
	Name string `json:"name"`
	URI  string `json:"uri,omitempty"`
}

// StepCompletion is one entry in an engagement's history.
type StepCompletion struct {
	ID           string                `json:"id"`
	EngagementID string                `json:"engagement_id"`
	StepID       string                `json:"step_id"`
	Fields       map[string]FieldValue `json:"fields,omitempty"`
	Documents    []Document            `json:"documents,omitempty"`
	CompletedBy  *string               `json:"completed_by,omitempty"`
	CompletedAt  string                `json:"completed_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEngagements wraps list responses with cursors.
type PaginatedEngagements struct {
	Items      []Engagement `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// CreateCreditLineRequest carries the fields for opening a credit line.
type CreateCreditLineRequest struct {
	Label          string            `json:"label"`
	Ceiling        string            `json:"ceiling"`
	Currency       string            `json:"currency,omitempty"`
	InterestRate   string            `json:"interest_rate,omitempty"`
	CommissionRate string            `json:"commission_rate,omitempty"`
	StartDate      string            `json:"start_date"`
	ExpiryDate     string            `json:"expiry_date"`
	Thresholds     map[string]string `json:"thresholds,omitempty"`
	MaxTolerance   string            `json:"max_tolerance,omitempty"`
	MinTolerance   string            `json:"min_tolerance,omitempty"`
}

// CreateCreditLine opens a credit line.
func (c *Client) CreateCreditLine(ctx context.Context, req CreateCreditLineRequest) (CreditLine, error) {
	var resp CreditLine
	err := c.do(ctx, http.MethodPost, "credit-lines", req, &resp)
	return resp, err
}

// GetCreditLine fetches a credit line by id.
func (c *Client) GetCreditLine(ctx context.Context, id string) (CreditLine, error) {
	var resp CreditLine
	err := c.do(ctx, http.MethodGet, "credit-lines/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCreditLines returns credit lines, optionally filtered by status.
func (c *Client) ListCreditLines(ctx context.Context, status string) ([]CreditLine, error) {
	endpoint := "credit-lines"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []CreditLine
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DrawDown consumes an amount on a credit line for a category.
func (c *Client) DrawDown(ctx context.Context, lineID, amount, category, reference string) (CreditLine, error) {
	body := map[string]any{
		"amount":   amount,
		"category": category,
	}
	if reference != "" {
		body["reference"] = reference
	}
	var resp CreditLine
	err := c.do(ctx, http.MethodPost, "credit-lines/"+url.PathEscape(lineID)+"/draw", body, &resp)
	return resp, err
}

// AttachGuarantee attaches a guarantee to a credit line.
func (c *Client) AttachGuarantee(ctx context.Context, lineID, gType, amount, expiryDate, description string) (Guarantee, error) {
	body := map[string]any{
		"type":        gType,
		"amount":      amount,
		"expiry_date": expiryDate,
	}
	if description != "" {
		body["description"] = description
	}
	var resp Guarantee
	err := c.do(ctx, http.MethodPost, "credit-lines/"+url.PathEscape(lineID)+"/guarantees", body, &resp)
	return resp, err
}

// SuspendCreditLine suspends a credit line.
func (c *Client) SuspendCreditLine(ctx context.Context, lineID, reason string) (CreditLine, error) {
	var resp CreditLine
	err := c.do(ctx, http.MethodPost, "credit-lines/"+url.PathEscape(lineID)+"/suspend", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CloseCreditLine closes a credit line. Fails while consumption is outstanding.
func (c *Client) CloseCreditLine(ctx context.Context, lineID string) (CreditLine, error) {
	var resp CreditLine
	err := c.do(ctx, http.MethodPost, "credit-lines/"+url.PathEscape(lineID)+"/close", map[string]any{}, &resp)
	return resp, err
}

// CreateEngagement opens an engagement on a template.
func (c *Client) CreateEngagement(ctx context.Context, templateCode, creditLineID, amount string) (Engagement, error) {
	body := map[string]any{
		"template_code": templateCode,
	}
	if creditLineID != "" {
		body["credit_line_id"] = creditLineID
	}
	if amount != "" {
		body["amount"] = amount
	}
	var resp Engagement
	err := c.do(ctx, http.MethodPost, "engagements", body, &resp)
	return resp, err
}

// GetEngagement fetches an engagement by id.
func (c *Client) GetEngagement(ctx context.Context, id string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodGet, "engagements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EngagementsPage returns a paginated engagement listing.
func (c *Client) EngagementsPage(ctx context.Context, limit int, cursor string) (PaginatedEngagements, error) {
	endpoint := "engagements"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEngagements
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteStepResult pairs the updated engagement with the recorded completion.
type CompleteStepResult struct {
	Engagement Engagement     `json:"engagement"`
	Completion StepCompletion `json:"completion"`
}

// CompleteStep completes the current step of an engagement.
func (c *Client) CompleteStep(ctx context.Context, engagementID string, fields map[string]FieldValue, documents []Document) (CompleteStepResult, error) {
	body := map[string]any{}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	if len(documents) > 0 {
		body["documents"] = documents
	}
	var resp CompleteStepResult
	err := c.do(ctx, http.MethodPost, "engagements/"+url.PathEscape(engagementID)+"/complete", body, &resp)
	return resp, err
}

// CancelEngagement cancels an in-progress engagement.
func (c *Client) CancelEngagement(ctx context.Context, engagementID, reason string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodPost, "engagements/"+url.PathEscape(engagementID)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// History returns an engagement's step completion history, oldest first.
func (c *Client) History(ctx context.Context, engagementID string) ([]StepCompletion, error) {
	var resp []StepCompletion
	err := c.do(ctx, http.MethodGet, "engagements/"+url.PathEscape(engagementID)+"/history", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
