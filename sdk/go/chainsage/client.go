// Package chainsage is a small Go client for the ChainSage HTTP API.
package chainsage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous queries run the whole plan, so it is longer
// than a typical REST timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the ChainSage REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// QueryRequest mirrors the server's synchronous query payload.
type QueryRequest struct {
	ID            string                       `json:"id,omitempty"`
	Query         string                       `json:"query"`
	WalletAddress string                       `json:"wallet_address,omitempty"`
	ChainID       string                       `json:"chain_id,omitempty"`
	Priority      int                          `json:"priority,omitempty"`
	MaxRetries    *int                         `json:"max_retries,omitempty"`
	TimeoutMS     int                          `json:"timeout_ms,omitempty"`
	Arguments     map[string][]json.RawMessage `json:"arguments,omitempty"`
	Summarize     bool                         `json:"summarize,omitempty"`
}

// ToolStats is the per-tool line of an execution summary.
type ToolStats struct {
	ToolName        string `json:"toolName"`
	Success         bool   `json:"success"`
	ExecutionTimeMS int64  `json:"executionTime"`
	Retries         int    `json:"retries"`
	Error           string `json:"error,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
}

// Summary is the aggregated outcome of a plan execution.
type Summary struct {
	PlanID             string            `json:"planId"`
	TotalExecutionTime int64             `json:"totalExecutionTime"`
	SuccessfulTools    []string          `json:"successfulTools"`
	FailedTools        []string          `json:"failedTools"`
	Stats              []ToolStats       `json:"stats"`
	Outputs            map[string]string `json:"outputs,omitempty"`
}

// QueryResult is returned by Query.
type QueryResult struct {
	RunID     string          `json:"run_id"`
	Plan      json.RawMessage `json:"plan"`
	Summary   *Summary        `json:"summary"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID            string                       `json:"id,omitempty"`
	Query         string                       `json:"query"`
	WalletAddress string                       `json:"wallet_address,omitempty"`
	ChainID       string                       `json:"chain_id,omitempty"`
	Priority      int                          `json:"priority,omitempty"`
	MaxRetries    *int                         `json:"max_retries,omitempty"`
	TimeoutMS     int                          `json:"timeout_ms,omitempty"`
	Arguments     map[string][]json.RawMessage `json:"arguments,omitempty"`
	Summarize     bool                         `json:"summarize,omitempty"`
}

// TaskResult contains the outcome recorded for a succeeded task.
type TaskResult struct {
	RunID            string            `json:"run_id"`
	PlanID           string            `json:"plan_id"`
	Tools            []string          `json:"tools"`
	SuccessfulTools  []string          `json:"successful_tools"`
	FailedTools      []string          `json:"failed_tools"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	Answer           string            `json:"answer,omitempty"`
	TotalExecutionMS int64             `json:"total_execution_ms"`
}

// Task is the server view of an asynchronous query.
type Task struct {
	ID            string      `json:"id"`
	Query         string      `json:"query"`
	WalletAddress string      `json:"wallet_address,omitempty"`
	ChainID       string      `json:"chain_id,omitempty"`
	Priority      int         `json:"priority"`
	Status        string      `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxRetries    int         `json:"max_retries"`
	LastError     string      `json:"last_error,omitempty"`
	ErrorCode     string      `json:"error_code,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
}

// Done reports whether the task reached a final state.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// ToolParameter describes one declared tool parameter.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Tool describes a registered tool.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Version      string          `json:"version"`
	Parameters   []ToolParameter `json:"parameters"`
	ParallelSafe bool            `json:"parallelExecutionSupported"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainsage api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainsage api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the ChainSage API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey configures the bearer token sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = strings.TrimSpace(key)
}

// Query runs a query synchronously and returns the execution result.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	var result QueryResult
	if err := c.post(ctx, "/api/v1/query", req, &result); err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// SubmitTask creates a new asynchronous task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls the task until it is done or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListTools returns the tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.get(ctx, "/api/v1/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// ListTasks returns tasks filtered by status (comma separated, optional).
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
