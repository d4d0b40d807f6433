// Package mcp 实现 Model Context Protocol 的 JSON-RPC 2.0 消息与 HTTP 客户端。
package mcp

import (
	"encoding/json"
	"fmt"
)

// DefaultProtocolVersion 是客户端在 initialize 中声明的协议版本。
const DefaultProtocolVersion = "2024-11-05"

const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

// JSON-RPC 2.0 标准错误码。
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
)

// Request 是 JSON-RPC 2.0 请求，ID 为空表示通知。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification 判断请求是否不需要响应。
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response 是 JSON-RPC 2.0 响应。
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error 是 JSON-RPC 2.0 错误对象。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResult 构造成功响应。
func NewResult(id json.RawMessage, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, InternalError, "encode result: "+err.Error())
	}
	return Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// NewError 构造错误响应。
func NewError(id json.RawMessage, code int, message string) Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// Implementation 描述客户端或服务端的名称与版本。
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams 是 initialize 请求的参数。
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult 是 initialize 的结果。
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Tool 是服务端暴露的工具定义。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult 是 tools/list 的结果。
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams 是 tools/call 的参数。
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Content 是工具结果中的一段内容。
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent 构造文本内容。
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// CallToolResult 是 tools/call 的结果。IsError 表示工具自身失败，而不是协议错误。
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text 拼接全部文本内容。
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for i, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}
