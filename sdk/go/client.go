package bidlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bidline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Company              string           `json:"company,omitempty"`
	Status               string           `json:"status"`
	AssignedOperator     string           `json:"assigned_operator,omitempty"`
	RegistrationDeadline string           `json:"registration_deadline,omitempty"`
	BiddingDeadline      string           `json:"bidding_deadline,omitempty"`
	RegistrationInfo     *json.RawMessage `json:"registration_info,omitempty"`
	DepositInfo          *json.RawMessage `json:"deposit_info,omitempty"`
	PreparationInfo      *json.RawMessage `json:"preparation_info,omitempty"`
	BiddingInfo          *json.RawMessage `json:"bidding_info,omitempty"`
	UpdatedAt            string           `json:"updated_at"`
}

// Registration is the record submitted when leaving the registration stage.
type Registration struct {
	ContactPerson string   `json:"contact_person,omitempty"`
	ContactMobile string   `json:"contact_mobile,omitempty"`
	ContactPhone  string   `json:"contact_phone,omitempty"`
	ContactEmail  string   `json:"contact_email,omitempty"`
	Computer      string   `json:"computer,omitempty"`
	Network       string   `json:"network,omitempty"`
	ImagesPath    []string `json:"images_path,omitempty"`
}

// Deposit is the record submitted when leaving the deposit stage.
type Deposit struct {
	Type       string   `json:"type,omitempty"`
	ImagesPath []string `json:"images_path,omitempty"`
}

// Preparation is the record submitted when leaving the preparation stage.
type Preparation struct {
	Computer      string   `json:"computer,omitempty"`
	Network       string   `json:"network,omitempty"`
	MACAddress    string   `json:"mac_address,omitempty"`
	IPAddress     string   `json:"ip_address,omitempty"`
	ImagesPath    []string `json:"images_path,omitempty"`
	DocumentsPath []string `json:"documents_path,omitempty"`
}

// Completion is the final bid record.
type Completion struct {
	ImagesPath    []string `json:"images_path,omitempty"`
	DocumentsPath []string `json:"documents_path,omitempty"`
}

// ConflictEntry names one sibling and the fields it shares.
type ConflictEntry struct {
	SiblingID      string   `json:"sibling_id"`
	SiblingCompany string   `json:"sibling_company,omitempty"`
	Fields         []string `json:"fields"`
}

// ConflictCheck is one scan result.
type ConflictCheck struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	ProjectName     string          `json:"project_name"`
	Resolved        bool            `json:"resolved"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	Entries         []ConflictEntry `json:"entries"`
	CreatedAt       string          `json:"created_at"`
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

// APIError wraps non-2xx responses. Code is the error envelope code when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsStale reports whether err is a 409 stale_state response; callers should refresh and retry.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == "stale_state"
}

// CreateProject creates a pending project.
func (c *Client) CreateProject(ctx context.Context, name, company string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"name": name, "company": company}, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(id, ""), nil, &resp)
	return resp, err
}

// Take assigns a pending project to the caller.
func (c *Client) Take(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "take"), nil, &resp)
	return resp, err
}

// Cancel releases a project still in registration.
func (c *Client) Cancel(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "cancel"), nil, &resp)
	return resp, err
}

// SubmitRegistration moves a project to deposit.
func (c *Client) SubmitRegistration(ctx context.Context, id string, r Registration) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "registration"), r, &resp)
	return resp, err
}

// SubmitDeposit moves a project to preparation.
func (c *Client) SubmitDeposit(ctx context.Context, id string, d Deposit) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "deposit"), d, &resp)
	return resp, err
}

// SubmitPreparation moves a project to bidding.
func (c *Client) SubmitPreparation(ctx context.Context, id string, p Preparation) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "preparation"), p, &resp)
	return resp, err
}

// Complete records the final bid.
func (c *Client) Complete(ctx context.Context, id string, b Completion) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "completion"), b, &resp)
	return resp, err
}

// Scan runs a conflict scan now. A nil check means no sibling shares a field.
func (c *Client) Scan(ctx context.Context, id string) (*ConflictCheck, error) {
	var resp struct {
		Check *ConflictCheck `json:"check"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "scan"), nil, &resp)
	return resp.Check, err
}

// Conflicts lists conflict checks for a project.
func (c *Client) Conflicts(ctx context.Context, projectID string) ([]ConflictCheck, error) {
	var resp struct {
		Items []ConflictCheck `json:"items"`
	}
	endpoint := "conflicts"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResolveConflict closes a check with notes.
func (c *Client) ResolveConflict(ctx context.Context, checkID, notes string) (ConflictCheck, error) {
	var resp ConflictCheck
	endpoint := fmt.Sprintf("conflicts/%s/resolve", url.PathEscape(checkID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": notes}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
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

// UploadEvidence stores a file and returns the path to reference in stage records.
func (c *Client) UploadEvidence(ctx context.Context, kind, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("kind", kind); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "evidence", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp struct {
		Path string `json:"path"`
	}
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(id, action string) string {
	p := "projects/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	bp := strings.Trim(c.BasePath, "/")
	if bp == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + bp
}
