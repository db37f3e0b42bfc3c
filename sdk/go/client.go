package meshvalsdk

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

// Client is a minimal meshval HTTP API client.
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

// Patch is a suggested structural edit addressed by JSON pointer.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diagnostic is one finding of a validation run.
type Diagnostic struct {
	Path         string   `json:"path"`
	Code         string   `json:"code"`
	Category     string   `json:"category"`
	Severity     string   `json:"severity"`
	Message      string   `json:"message"`
	Expected     any      `json:"expected"`
	Actual       any      `json:"actual"`
	ValidOptions []string `json:"valid_options"`
	AutoFixable  bool     `json:"auto_fixable"`
	FixPatch     *Patch   `json:"fix_patch"`
}

// Validation is the outcome of validating a document.
type Validation struct {
	RunID       string       `json:"run_id"`
	SpecID      string       `json:"spec_id,omitempty"`
	Version     int          `json:"version,omitempty"`
	Valid       bool         `json:"valid"`
	Fingerprint string       `json:"fingerprint"`
	Errors      []Diagnostic `json:"errors"`
	Warnings    []Diagnostic `json:"warnings"`
	FixPatches  []Patch      `json:"fix_patches"`
	CacheHits   int          `json:"cache_hits"`
	CacheMisses int          `json:"cache_misses"`
	DurationMS  int64        `json:"duration_ms"`
	Cached      bool         `json:"cached"`
}

// Spec summarizes a stored spec.
type Spec struct {
	ID             string `json:"id"`
	CurrentVersion int    `json:"current_version"`
	ContentHash    string `json:"content_hash"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// SpecVersion is one stored version. Document is empty in listings.
type SpecVersion struct {
	ID          string         `json:"id"`
	SpecID      string         `json:"spec_id"`
	Version     int            `json:"version"`
	ContentHash string         `json:"content_hash"`
	Document    map[string]any `json:"document,omitempty"`
	ActorID     string         `json:"actor_id"`
	CreatedAt   string         `json:"created_at"`
}

// Node is a dependency graph node.
type Node struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Entity string `json:"entity,omitempty"`
	Path   string `json:"path"`
}

// Impact lists what depends on, feeds, and writes a node.
type Impact struct {
	SpecID       string              `json:"spec_id,omitempty"`
	Version      int                 `json:"version,omitempty"`
	Node         Node                `json:"node"`
	Impacted     []Node              `json:"impacted"`
	Dependencies []Node              `json:"dependencies"`
	Writers      []Node              `json:"writers"`
	ByKind       map[string][]string `json:"by_kind"`
}

// Backup is a labelled snapshot of a spec version.
type Backup struct {
	ID          string `json:"id"`
	SpecID      string `json:"spec_id"`
	Version     int    `json:"version"`
	Label       string `json:"label"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at"`
}

// Run is a recorded validation run.
type Run struct {
	ID           string `json:"id"`
	SpecID       string `json:"spec_id,omitempty"`
	Version      int    `json:"version,omitempty"`
	Fingerprint  string `json:"fingerprint"`
	Valid        bool   `json:"valid"`
	ErrorCount   int    `json:"error_count"`
	WarningCount int    `json:"warning_count"`
	DurationMS   int64  `json:"duration_ms"`
	ActorID      string `json:"actor_id"`
	CreatedAt    string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SpecID     string         `json:"spec_id,omitempty"`
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

// APIError wraps non-2xx responses.
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

// Validate validates a document without storing it.
func (c *Client) Validate(ctx context.Context, doc map[string]any) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, "v0/validate", doc, &resp)
	return resp, err
}

// PutSpec stores doc as the next version of a spec. created is false when
// the content equals the current version.
func (c *Client) PutSpec(ctx context.Context, specID string, doc map[string]any) (SpecVersion, bool, error) {
	var resp struct {
		Version SpecVersion `json:"version"`
		Created bool        `json:"created"`
	}
	err := c.do(ctx, http.MethodPut, c.specPath(specID, ""), doc, &resp)
	return resp.Version, resp.Created, err
}

// GetSpec fetches a version of a spec; 0 means the current one.
func (c *Client) GetSpec(ctx context.Context, specID string, version int) (SpecVersion, error) {
	endpoint := c.specPath(specID, "")
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp SpecVersion
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListSpecs returns every stored spec.
func (c *Client) ListSpecs(ctx context.Context) ([]Spec, error) {
	var resp []Spec
	err := c.do(ctx, http.MethodGet, "v0/specs", nil, &resp)
	return resp, err
}

// DeleteSpec removes a spec and its history.
func (c *Client) DeleteSpec(ctx context.Context, specID string) error {
	return c.do(ctx, http.MethodDelete, c.specPath(specID, ""), nil, nil)
}

// ValidateSpec validates a stored version; 0 means the current one.
func (c *Client) ValidateSpec(ctx context.Context, specID string, version int) (Validation, error) {
	endpoint := c.specPath(specID, "validate")
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp Validation
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Impact reports what a change to node affects in the current version.
func (c *Client) Impact(ctx context.Context, specID, node string) (Impact, error) {
	endpoint := c.specPath(specID, "impact") + "?node=" + url.QueryEscape(node)
	var resp Impact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Versions lists versions of a spec, newest first.
func (c *Client) Versions(ctx context.Context, specID string) ([]SpecVersion, error) {
	var resp []SpecVersion
	err := c.do(ctx, http.MethodGet, c.specPath(specID, "versions"), nil, &resp)
	return resp, err
}

// Backup snapshots the current version of a spec.
func (c *Client) Backup(ctx context.Context, specID, label string) (Backup, error) {
	var resp Backup
	err := c.do(ctx, http.MethodPost, c.specPath(specID, "backups"), map[string]any{"label": label}, &resp)
	return resp, err
}

// Restore makes a backup the newest version of its spec.
func (c *Client) Restore(ctx context.Context, specID, backupID string) (SpecVersion, error) {
	var resp SpecVersion
	err := c.do(ctx, http.MethodPost, c.specPath(specID, "restore"), map[string]any{"backup_id": backupID}, &resp)
	return resp, err
}

// Runs lists recent validation runs of a spec.
func (c *Client) Runs(ctx context.Context, specID string, limit int) ([]Run, error) {
	endpoint := c.specPath(specID, "runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Gate returns the latest run of the current version, or an APIError with
// status 409 (not validated) or 422 (invalid).
func (c *Client) Gate(ctx context.Context, specID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.specPath(specID, "gate"), nil, &resp)
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
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) specPath(specID, sub string) string {
	p := "v0/specs/" + url.PathEscape(specID)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
