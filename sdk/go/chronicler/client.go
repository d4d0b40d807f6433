// Package chronicler is a Go client for the chroniclerd HTTP API.
package chronicler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with a chroniclerd server. Calls are
// sent without an Authorization header until a token is set.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// Token represents an issued token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// ExecuteResult is the outcome of an agent execution.
type ExecuteResult struct {
	RequestID     string         `json:"request_id"`
	AgentID       string         `json:"agent_id"`
	Output        map[string]any `json:"output_data"`
	Status        string         `json:"status"`
	ExecutionTime float64        `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	AuditResult   *AuditReceipt  `json:"audit_result,omitempty"`
}

// Succeeded reports whether the agent finished without error.
func (r ExecuteResult) Succeeded() bool { return r.Status == "success" }

// AuditReceipt is the anchoring receipt attached to an audited execution.
type AuditReceipt struct {
	ActionID    string `json:"action_id"`
	TxHash      string `json:"tx_hash"`
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata"`
}

// AgentRegistration is the payload accepted by RegisterAgent.
type AgentRegistration struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	AgentType    string         `json:"agent_type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// AuditRecord is one stored audit action.
type AuditRecord struct {
	ActionID    string         `json:"action_id"`
	AgentID     string         `json:"agent_id"`
	ToolID      string         `json:"tool_id"`
	DataHash    string         `json:"data_hash"`
	TxHash      string         `json:"tx_hash"`
	Chain       string         `json:"chain"`
	BlockNumber uint64         `json:"block_number"`
	GasUsed     uint64         `json:"gas_used"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditQuery filters ListActions. Zero values are omitted.
type AuditQuery struct {
	AgentID string
	ToolID  string
	Limit   int
	Offset  int
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chronicler api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chronicler api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges a username and password for a token pair and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	return c.token(ctx, map[string]string{"grant_type": "password", "username": username, "password": password})
}

// Refresh trades the stored refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) (Token, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return Token{}, fmt.Errorf("chronicler: refresh token is not set")
	}
	return c.token(ctx, map[string]string{"grant_type": "refresh_token", "refresh_token": refresh})
}

func (c *Client) token(ctx context.Context, body map[string]string) (Token, error) {
	var token Token
	if err := c.send(ctx, http.MethodPost, "/auth/token", nil, body, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the currently stored access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health returns the server health payload.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.send(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

// Stats returns manager statistics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.send(ctx, http.MethodGet, "/stats", nil, nil, &out)
	return out, err
}

// Execute runs input on a specific agent.
func (c *Client) Execute(ctx context.Context, agentID string, input, metadata map[string]any) (ExecuteResult, error) {
	var out ExecuteResult
	body := map[string]any{"agent_id": agentID, "input_data": input, "metadata": metadata}
	err := c.send(ctx, http.MethodPost, "/agents/execute", nil, body, &out)
	return out, err
}

// ExecuteWithCapability runs input on the first agent advertising capability.
func (c *Client) ExecuteWithCapability(ctx context.Context, capability string, input, metadata map[string]any) (ExecuteResult, error) {
	var out ExecuteResult
	body := map[string]any{"capability": capability, "input_data": input, "metadata": metadata}
	err := c.send(ctx, http.MethodPost, "/agents/execute/capability", nil, body, &out)
	return out, err
}

// LogAction records an audit action through agentID.
func (c *Client) LogAction(ctx context.Context, agentID, toolID string, data map[string]any) (ExecuteResult, error) {
	action := map[string]any{"tool_id": toolID}
	for k, v := range data {
		action[k] = v
	}
	return c.Execute(ctx, agentID, map[string]any{"action_type": "audit", "action_data": action}, nil)
}

// ListAgents returns every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var out struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.send(ctx, http.MethodGet, "/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent returns the metadata of one agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (AgentInfo, error) {
	var out AgentInfo
	err := c.send(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, nil, &out)
	return out, err
}

// AgentStatus returns the last health snapshot of one agent.
func (c *Client) AgentStatus(ctx context.Context, agentID string) (map[string]any, error) {
	var out struct {
		Status map[string]any `json:"status"`
	}
	if err := c.send(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Status, nil
}

// RegisterAgent creates and registers an agent on the server.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) error {
	return c.send(ctx, http.MethodPost, "/agents/register", nil, reg, nil)
}

// UnregisterAgent removes an agent.
func (c *Client) UnregisterAgent(ctx context.Context, agentID string) error {
	return c.send(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil, nil)
}

// GetAction fetches one audit record.
func (c *Client) GetAction(ctx context.Context, actionID string) (AuditRecord, error) {
	var out AuditRecord
	err := c.send(ctx, http.MethodGet, "/audit/actions/"+url.PathEscape(actionID), nil, nil, &out)
	return out, err
}

// ListActions pages through audit records, newest first.
func (c *Client) ListActions(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	params := url.Values{}
	if q.AgentID != "" {
		params.Set("agent_id", q.AgentID)
	}
	if q.ToolID != "" {
		params.Set("tool_id", q.ToolID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	var out struct {
		Actions []AuditRecord `json:"actions"`
	}
	if err := c.send(ctx, http.MethodGet, "/audit/actions", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// AuditStatistics returns aggregate audit counters.
func (c *Client) AuditStatistics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.send(ctx, http.MethodGet, "/audit/statistics", nil, nil, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
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
			_ = json.Unmarshal(data, &apiErr)
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
