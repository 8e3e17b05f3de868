package client

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

const defaultBaseURL = "http://localhost:4100"

// Client provides typed access to the preview orchestrator API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	teamID     string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken authenticates requests with a team bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTeam sends the team identifier header, for orchestrators running
// without a JWT secret.
func WithTeam(teamID string) Option {
	return func(c *Client) {
		c.teamID = strings.TrimSpace(teamID)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status    int
	Message   string
	State     string
	LastError string
}

func (e APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("api request failed with status %d", e.Status)
	} else {
		msg = fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
	}
	if e.LastError != "" && !strings.Contains(msg, e.LastError) {
		msg += ": " + e.LastError
	}
	return msg
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.teamID != "" {
		req.Header.Set("X-Team-ID", c.teamID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	var payload struct {
		Error     string `json:"error"`
		Status    string `json:"status"`
		LastError string `json:"last_error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.State = payload.Status
	apiErr.LastError = payload.LastError
	return apiErr
}

// Deployment is the payload returned by create, restart and list.
type Deployment struct {
	Key          string    `json:"key"`
	Branch       string    `json:"branch"`
	Status       string    `json:"status"`
	Port         int       `json:"port"`
	Handle       string    `json:"handle"`
	URL          string    `json:"url"`
	PublicPath   string    `json:"public_path"`
	Backend      string    `json:"backend"`
	LastError    string    `json:"last_error"`
	PortChanged  bool      `json:"port_changed"`
	PreviousPort int       `json:"previous_port"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Status is the read-only view of one key.
type Status struct {
	Key           string     `json:"key"`
	TeamID        string     `json:"team_id"`
	Branch        string     `json:"branch"`
	State         string     `json:"state"`
	Port          int        `json:"port"`
	URL           string     `json:"url"`
	Handle        string     `json:"handle"`
	Backend       string     `json:"backend"`
	LastError     string     `json:"last_error"`
	LastHealthyAt *time.Time `json:"last_healthy_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

// PortLease is one leased port in Stats.
type PortLease struct {
	Port     int       `json:"port"`
	Owner    string    `json:"owner"`
	LeasedAt time.Time `json:"leased_at"`
}

// Stats summarises the orchestrator's port pool.
type Stats struct {
	Total   int         `json:"total"`
	Leased  int         `json:"leased"`
	Free    int         `json:"free"`
	MinPort int         `json:"min_port"`
	MaxPort int         `json:"max_port"`
	Leases  []PortLease `json:"leases"`
}

type branchRequest struct {
	Branch  string `json:"branch,omitempty"`
	RepoURL string `json:"repo_url,omitempty"`
}

// Create returns the running deployment for branch, starting it if needed.
func (c *Client) Create(ctx context.Context, branch, repoURL string) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/create", branchRequest{Branch: branch, RepoURL: repoURL}, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// Stop tears down the deployment for branch and returns its final state.
func (c *Client) Stop(ctx context.Context, branch string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/stop", branchRequest{Branch: branch}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Restart replaces the deployment for branch with a fresh instance.
func (c *Client) Restart(ctx context.Context, branch string) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/restart", branchRequest{Branch: branch}, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// Status reports the state of branch.
func (c *Client) Status(ctx context.Context, branch string) (Status, error) {
	path := "/status"
	if strings.TrimSpace(branch) != "" {
		path += "?branch=" + url.QueryEscape(branch)
	}
	var st Status
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Logs returns at most tail recent output lines for branch.
func (c *Client) Logs(ctx context.Context, branch string, tail int) ([]string, error) {
	path := "/logs/" + url.PathEscape(strings.TrimSpace(branch))
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Deployments lists the team's deployments.
func (c *Client) Deployments(ctx context.Context) ([]Deployment, error) {
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// Stats returns the port pool summary.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
