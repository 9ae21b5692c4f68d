package issuesyncsdk

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

// Client is a minimal issuesync HTTP API client.
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
		Timeout:  30 * time.Second,
	}
}

// Run is a recorded plan or sync pass.
type Run struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Mode         string   `json:"mode"`
	Status       string   `json:"status"`
	Root         string   `json:"root"`
	Repository   string   `json:"repository"`
	DryRun       bool     `json:"dry_run"`
	ActorID      string   `json:"actor_id"`
	Files        int      `json:"files"`
	Declarations int      `json:"declarations"`
	Creates      int      `json:"creates"`
	Updates      int      `json:"updates"`
	Closes       int      `json:"closes"`
	Skips        int      `json:"skips"`
	Failures     int      `json:"failures"`
	Errors       []string `json:"errors"`
	StartedAt    string   `json:"started_at"`
	FinishedAt   string   `json:"finished_at"`
}

// RunOp is one stored operation of a run.
type RunOp struct {
	Seq         int    `json:"seq"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	RemoteID    int    `json:"remote_id"`
	Title       string `json:"title"`
	Element     string `json:"element"`
	Reopen      bool   `json:"reopen"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	Error       string `json:"error"`
}

// RunDetail is a run with its operations.
type RunDetail struct {
	Run Run     `json:"run"`
	Ops []RunOp `json:"ops"`
}

// Op is one planned operation as returned by plan and sync.
type Op struct {
	Kind        string   `json:"kind"`
	Fingerprint string   `json:"fingerprint"`
	RemoteID    int      `json:"remote_id"`
	Title       string   `json:"title"`
	Element     string   `json:"element"`
	Labels      []string `json:"labels"`
	Reopen      bool     `json:"reopen"`
	Reason      string   `json:"reason"`
	Status      string   `json:"status"`
	Error       string   `json:"error"`
}

// Pass is the result of a plan or sync call.
type Pass struct {
	Run     Run      `json:"run"`
	Applied bool     `json:"applied"`
	Ops     []Op     `json:"ops"`
	Errors  []string `json:"errors"`
	Summary struct {
		Applied   int `json:"applied"`
		Skipped   int `json:"skipped"`
		Failed    int `json:"failed"`
		Cancelled int `json:"cancelled"`
	} `json:"summary"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SyncOptions parameterise Sync.
type SyncOptions struct {
	Root   string `json:"root,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Plan computes the reconciliation plan without touching the tracker.
func (c *Client) Plan(ctx context.Context, root string) (Pass, error) {
	var resp Pass
	err := c.do(ctx, http.MethodPost, "plan", SyncOptions{Root: root}, &resp)
	return resp, err
}

// Sync reconciles the tracker. The caller needs the sync.apply permission
// unless opts.DryRun is set.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (Pass, error) {
	var resp Pass
	err := c.do(ctx, http.MethodPost, "sync", opts, &resp)
	return resp, err
}

// Runs lists recorded runs, newest first. mode may be empty.
func (c *Client) Runs(ctx context.Context, mode string, limit int) ([]Run, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp.Items, err
}

// Run fetches a run by id or unique id prefix.
func (c *Client) Run(ctx context.Context, id string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
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
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	base := strings.TrimRight(c.BaseURL, "/")
	if basePath == "" {
		return base
	}
	return base + "/" + basePath
}
