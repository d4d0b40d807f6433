package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

const (
	CodeSessionExpired xerrors.Code = "MCP_SESSION_EXPIRED"
	CodeRPCError       xerrors.Code = "MCP_RPC_ERROR"
)

func init() {
	xerrors.Register(CodeSessionExpired, xerrors.Attributes{Message: "mcp session expired", Severity: xerrors.SeverityInfo, Retryable: true})
	xerrors.Register(CodeRPCError, xerrors.Attributes{Message: "mcp server returned an error", Severity: xerrors.SeverityWarning})
}

const defaultTimeout = 30 * time.Second

// ClientConfig 描述连接 MCP 服务端所需的信息。
type ClientConfig struct {
	ServerURL       string
	APIKey          string
	ProtocolVersion string
	Timeout         time.Duration
	ClientName      string
	ClientVersion   string
	HTTPClient      *http.Client
}

// Client 通过 Streamable HTTP 以 JSON-RPC 2.0 调用 MCP 服务端。
type Client struct {
	endpoint   string
	apiKey     string
	version    string
	info       Implementation
	httpClient *http.Client
	logger     *slog.Logger

	nextID atomic.Int64

	mu        sync.RWMutex
	sessionID string
	server    *InitializeResult
}

// NewClient 根据配置创建客户端，不会发起网络请求。
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 MCP 服务端地址")
	}
	version := cfg.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	info := Implementation{Name: cfg.ClientName, Version: cfg.ClientVersion}
	if info.Name == "" {
		info.Name = "chronicler"
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		version:    version,
		info:       info,
		httpClient: httpClient,
		logger:     logger.Named("mcp"),
	}, nil
}

// SessionID 返回当前会话标识，未初始化时为空。
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Server 返回 initialize 握手得到的服务端信息。
func (c *Client) Server() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Initialize 完成握手并保存服务端下发的会话标识。
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()

	params := InitializeParams{
		ProtocolVersion: c.version,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}
	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	if err := c.notify(ctx, MethodInitialized); err != nil {
		c.logger.Warn("发送 initialized 通知失败", slog.Any("error", err))
	}

	c.mu.Lock()
	c.server = &result
	c.mu.Unlock()
	c.logger.Info("MCP 会话已建立",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocol_version", result.ProtocolVersion),
		slog.String("session_id", c.SessionID()))
	return &result, nil
}

// ListTools 获取服务端全部工具，自动跟随分页游标。
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var page ListToolsResult
		if err := c.call(ctx, MethodToolsList, params, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool 调用指定工具。工具自身失败体现在结果的 IsError 上，不作为错误返回。
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping 检查服务端是否存活。
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, nil)
}

// Close 结束会话。服务端不支持删除会话时忽略 405。
func (c *Client) Close(ctx context.Context) error {
	session := c.SessionID()
	if session == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "构建关闭会话请求失败")
	}
	c.decorate(req, session)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "关闭 MCP 会话失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		return xerrors.New(xerrors.CodeProtocolFailure, "关闭 MCP 会话返回状态 "+strconv.Itoa(resp.StatusCode))
	}
	return nil
}

func (c *Client) decorate(req *http.Request, session string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(HeaderProtocolVersion, c.version)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if session != "" {
		req.Header.Set(HeaderSessionID, session)
	}
}

func (c *Client) notify(ctx context.Context, method string) error {
	payload, err := json.Marshal(Request{JSONRPC: "2.0", Method: method})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "编码通知失败")
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return xerrors.New(xerrors.CodeProtocolFailure, "通知返回状态 "+strconv.Itoa(resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "构建 MCP 请求失败")
	}
	c.decorate(req, c.SessionID())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "MCP 请求超时或被取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "请求 MCP 服务端失败")
	}
	if id := resp.Header.Get(HeaderSessionID); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10))
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 MCP 参数失败")
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "编码 MCP 请求失败")
	}

	resp, err := c.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && c.SessionID() != "" {
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
		return xerrors.New(CodeSessionExpired, "MCP 会话已失效，需要重新初始化", xerrors.WithMetadata("method", method))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeProtocolFailure,
			"MCP 返回错误状态 "+strconv.Itoa(resp.StatusCode)+": "+strings.TrimSpace(string(body)),
			xerrors.WithMetadata("method", method))
	}

	decoded, err := decodeResponse(resp)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "解析 MCP 响应失败", xerrors.WithMetadata("method", method))
	}
	if decoded.Error != nil {
		return xerrors.Wrap(CodeRPCError, decoded.Error, decoded.Error.Message,
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("rpc_code", strconv.Itoa(decoded.Error.Code)))
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "MCP 结果格式不正确", xerrors.WithMetadata("method", method))
	}
	return nil
}

// decodeResponse 同时支持 application/json 与单事件的 text/event-stream 响应。
func decodeResponse(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		body = lastEventData(body)
	}
	var decoded Response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}

func lastEventData(body []byte) []byte {
	var data []byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = bytes.TrimSpace(rest)
		}
	}
	return data
}
