// Package stratflow is a Go client for the stratflow REST API.
package stratflow

import (
	"bufio"
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

// Message is one entry of a conversation log.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Question asks for one missing parameter.
type Question struct {
	Question       string   `json:"question"`
	Field          string   `json:"field"`
	Kind           string   `json:"kind"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Classification string   `json:"classification,omitempty"`
}

// Answer replies to one question. Date-range questions take Preset, plus
// Start and End for the "custom" preset.
type Answer struct {
	Field  string   `json:"field"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	Preset string   `json:"preset,omitempty"`
	Start  string   `json:"start,omitempty"`
	End    string   `json:"end,omitempty"`
}

// Spec is a generated strategy.
type Spec struct {
	Content           string `json:"content"`
	Valid             bool   `json:"valid"`
	ValidationMessage string `json:"validation_message,omitempty"`
}

// Result is the execution outcome of an approved strategy.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	BacktestID string `json:"backtest_id,omitempty"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

// Session is a session snapshot.
type Session struct {
	ID         string             `json:"id"`
	State      string             `json:"state"`
	Busy       bool               `json:"busy"`
	Intent     string             `json:"intent"`
	Params     map[string]any     `json:"params"`
	Confidence map[string]float64 `json:"confidence"`
	Missing    []string           `json:"missing"`
	Questions  []Question         `json:"questions"`
	Spec       Spec               `json:"spec"`
	Result     *Result            `json:"result,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Log        []Message          `json:"log,omitempty"`
}

// ReviewRow is one parameter line of the approval view.
type ReviewRow struct {
	Field         string  `json:"field"`
	Label         string  `json:"label"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Source        string  `json:"source"`
	LowConfidence bool    `json:"low_confidence"`
}

// DiffLine is one line of a regenerated spec's diff.
type DiffLine struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Review is the approval view of a pending strategy.
type Review struct {
	State         string      `json:"state"`
	Spec          Spec        `json:"spec"`
	Generating    bool        `json:"generating"`
	CanRegenerate bool        `json:"can_regenerate"`
	Rows          []ReviewRow `json:"rows"`
	Diff          []DiffLine  `json:"diff,omitempty"`
}

// Run is one executed strategy.
type Run struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Intent     string         `json:"intent"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Spec       string         `json:"spec"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Preset is a date-range preset.
type Preset struct {
	Preset string `json:"preset"`
	Label  string `json:"label"`
}

// Event is one server-sent session event. Data holds the raw JSON payload.
type Event struct {
	Type string
	Data json.RawMessage
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("stratflow: %d: %s: %s", e.StatusCode, e.Field, e.Message)
	}
	return fmt.Sprintf("stratflow: %d: %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the stratflow-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new stratflow API client. Generation can take
// minutes, so the default HTTP client has a generous timeout; the event
// stream uses a client without one.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// CreateSession starts a new session.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var s Session
	return &s, c.do(ctx, "POST", "/api/sessions", nil, &s)
}

// GetSession returns a session with its conversation log.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	return &s, c.do(ctx, "GET", sessionPath(id, ""), nil, &s)
}

// ListSessions returns snapshots of all live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	return out.Sessions, c.do(ctx, "GET", "/api/sessions", nil, &out)
}

// DeleteSession closes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", sessionPath(id, ""), nil, nil)
}

// Send submits a user message.
func (c *Client) Send(ctx context.Context, id, text string) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/messages"), map[string]string{"text": text})
}

// Answer submits answers to the outstanding questions.
func (c *Client) Answer(ctx context.Context, id string, answers []Answer) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/answers"), map[string]any{"answers": answers})
}

// Skip dismisses the outstanding questions.
func (c *Client) Skip(ctx context.Context, id string) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/skip"), nil)
}

// SetParam edits one parameter directly. A nil value clears it.
func (c *Client) SetParam(ctx context.Context, id, field string, value any) (*Session, error) {
	return c.action(ctx, "PUT", sessionPath(id, "/params/"+url.PathEscape(field)), map[string]any{"value": value})
}

// Generate generates the strategy from the current parameters.
func (c *Client) Generate(ctx context.Context, id string) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/generate"), nil)
}

// Regenerate replaces the pending strategy.
func (c *Client) Regenerate(ctx context.Context, id string) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/regenerate"), nil)
}

// Approve executes the pending strategy.
func (c *Client) Approve(ctx context.Context, id string) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/approve"), nil)
}

// Cancel discards the parameters and strategy.
func (c *Client) Cancel(ctx context.Context, id string) (*Session, error) {
	return c.action(ctx, "POST", sessionPath(id, "/cancel"), nil)
}

// Review returns the approval view.
func (c *Client) Review(ctx context.Context, id string) (*Review, error) {
	var r Review
	return &r, c.do(ctx, "GET", sessionPath(id, "/review"), nil, &r)
}

// Runs lists executed strategies, newest first. An empty sessionID lists
// all sessions.
func (c *Client) Runs(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	return out.Runs, c.do(ctx, "GET", path, nil, &out)
}

// Presets lists the date-range presets.
func (c *Client) Presets(ctx context.Context) ([]Preset, error) {
	var out struct {
		Presets []Preset `json:"presets"`
	}
	return out.Presets, c.do(ctx, "GET", "/api/presets", nil, &out)
}

// Events reads the session's event stream and calls fn for every event
// until ctx is cancelled, the stream ends or fn returns an error.
func (c *Client) Events(ctx context.Context, id string, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+sessionPath(id, "/events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var evt Event
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if evt.Type != "" {
				if err := fn(evt); err != nil {
					return err
				}
			}
			evt = Event{}
		case strings.HasPrefix(line, "event: "):
			evt.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) action(ctx context.Context, method, path string, body any) (*Session, error) {
	var s Session
	if err := c.do(ctx, method, path, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func readError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}
