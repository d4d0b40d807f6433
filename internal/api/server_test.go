package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/chronicler"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/factory"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	"github.com/afristrup/chronicler-agentic-audit/internal/auth"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/mcp"
	"github.com/afristrup/chronicler-agentic-audit/internal/observability/metrics"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
)

type fixture struct {
	server  *Server
	manager *agent.Manager
	audit   *audit.Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	auditSvc := audit.NewService(nil)
	manager := agent.NewManager()
	f := factory.New(chronicler.Deps{Audit: auditSvc, Registry: registry.NewService(nil)})
	_, err := f.RegisterDefault(context.Background(), manager, "chronicler")
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	opts = append([]Option{WithFactory(f), WithAudit(auditSvc)}, opts...)
	return &fixture{server: NewServer(":0", manager, opts...), manager: manager, audit: auditSvc}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRootAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Version, decode[map[string]string](t, rec)["version"])

	rec = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[struct {
		Status string      `json:"status"`
		Stats  agent.Stats `json:"stats"`
	}](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Stats.TotalAgents)
}

func TestAgentLookupRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}](t, rec)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "chronicler", list.Agents[0].AgentID)

	rec = f.do(t, http.MethodGet, "/agents/chronicler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agent_id":"chronicler"`)

	rec = f.do(t, http.MethodGet, "/agents/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Agent ghost not found", decode[errorBody](t, rec).Error)
}

func TestExecuteRecordsAuditTrail(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/agents/execute", ExecuteRequest{
		AgentID: "chronicler",
		Input:   map[string]any{"action_type": "audit", "action_data": map[string]any{"tool_id": "search", "query": "x"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ExecuteResponse](t, rec)
	assert.Equal(t, agent.ResponseSuccess, resp.Status)
	assert.Equal(t, "chronicler", resp.AgentID)
	actionID, _ := resp.Output["action_id"].(string)
	require.NotEmpty(t, actionID)

	rec = f.do(t, http.MethodGet, "/audit/actions/"+actionID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	record := decode[audit.Record](t, rec)
	assert.Equal(t, "search", record.ToolID)

	rec = f.do(t, http.MethodGet, "/audit/actions?tool_id=search&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Actions []audit.Record `json:"actions"`
		Limit   int            `json:"limit"`
	}](t, rec)
	assert.Len(t, page.Actions, 1)
	assert.Equal(t, 5, page.Limit)

	rec = f.do(t, http.MethodGet, "/audit/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[struct {
		Statistics audit.Statistics `json:"statistics"`
	}](t, rec)
	assert.GreaterOrEqual(t, stats.Statistics.TotalActions, int64(1))

	rec = f.do(t, http.MethodGet, "/audit/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/agents/execute", ExecuteRequest{AgentID: "ghost", Input: map[string]any{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/agents/execute", ExecuteRequest{Input: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/agents/execute/capability", CapabilityRequest{Capability: "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/agents/execute/capability", CapabilityRequest{Capability: string(agent.CapWebSearch)})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No agent found with capability web_search", decode[errorBody](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/agents/execute/capability", CapabilityRequest{
		Capability: string(agent.CapAuditLogging),
		Input:      map[string]any{"action_data": map[string]any{"k": "v"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chronicler", decode[ExecuteResponse](t, rec).AgentID)
}

func TestRegisterAndUnregister(t *testing.T) {
	f := newFixture(t)

	body := RegisterRequest{AgentID: "auditor-2", Name: "Auditor", Description: "second", AgentType: "audit"}
	rec := f.do(t, http.MethodPost, "/agents/register", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, ok := f.manager.AgentMetadata("auditor-2")
	assert.True(t, ok)

	rec = f.do(t, http.MethodPost, "/agents/register", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/agents/register", RegisterRequest{AgentID: "g", Name: "g", AgentType: "general"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(factory.CodeUnsupportedType), decode[errorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/agents/register", RegisterRequest{Name: "no id", AgentType: "audit"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/agents/auditor-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/agents/auditor-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorBodyCarriesDomainCode(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/audit/actions/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, string(audit.CodeActionNotFound), body.Code)
	assert.NotContains(t, body.Error, "[AUDIT_ACTION_NOT_FOUND]")
}

func TestRegisterWithoutFactory(t *testing.T) {
	manager := agent.NewManager()
	server := NewServer(":0", manager)
	req := httptest.NewRequest(http.MethodPost, "/agents/register", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func rpc(t *testing.T, f *fixture, id int, method string, params any) (*httptest.ResponseRecorder, mcp.Response) {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id > 0 {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	rec := f.do(t, http.MethodPost, "/mcp", msg)
	if rec.Code != http.StatusOK {
		return rec, mcp.Response{}
	}
	return rec, decode[mcp.Response](t, rec)
}

func toolText(t *testing.T, resp mcp.Response) (map[string]any, bool) {
	t.Helper()
	require.Nil(t, resp.Error)
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	return payload, result.IsError
}

func TestMCPEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, resp := rpc(t, f, 1, mcp.MethodInitialize, map[string]any{"protocolVersion": "2025-03-26"})
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, rec.Header().Get(mcp.HeaderSessionID))
	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &init))
	assert.Equal(t, "2025-03-26", init.ProtocolVersion)
	assert.Equal(t, "chroniclerd", init.ServerInfo.Name)

	rec, _ = rpc(t, f, 0, "notifications/initialized", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	_, resp = rpc(t, f, 2, mcp.MethodToolsList, nil)
	require.Nil(t, resp.Error)
	var tools mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &tools))
	assert.Len(t, tools.Tools, len(mcpTools))

	_, resp = rpc(t, f, 3, mcp.MethodToolsCall, map[string]any{
		"name":      "execute_agent",
		"arguments": map[string]any{"agent_id": "chronicler", "input_data": map[string]any{"action_data": map[string]any{}}},
	})
	payload, isErr := toolText(t, resp)
	assert.False(t, isErr)
	assert.Equal(t, string(agent.ResponseSuccess), payload["status"])

	_, resp = rpc(t, f, 4, mcp.MethodToolsCall, map[string]any{
		"name":      "get_agent_status",
		"arguments": map[string]any{"agent_id": "ghost"},
	})
	payload, isErr = toolText(t, resp)
	assert.True(t, isErr)
	assert.Equal(t, "Agent ghost not found", payload["error"])

	_, resp = rpc(t, f, 5, mcp.MethodToolsCall, map[string]any{
		"name":      "register_agent",
		"arguments": map[string]any{"agent_id": "via-mcp", "name": "via mcp", "description": "d", "agent_type": "audit"},
	})
	_, isErr = toolText(t, resp)
	assert.False(t, isErr)
	_, ok := f.manager.AgentMetadata("via-mcp")
	assert.True(t, ok)

	_, resp = rpc(t, f, 6, mcp.MethodToolsCall, map[string]any{"name": "execute_agent", "arguments": map[string]any{}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.InvalidParams, resp.Error.Code)

	_, resp = rpc(t, f, 7, "resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.MethodNotFound, resp.Error.Code)
}

func TestMCPMalformedMessages(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{not json`)))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[mcp.Response](t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ParseError, resp.Error.Code)

	rec = f.do(t, http.MethodPost, "/mcp", map[string]any{"jsonrpc": "1.0", "id": 1, "method": "ping"})
	resp = decode[mcp.Response](t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.InvalidRequest, resp.Error.Code)
}

func TestProtectedRoutes(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{
		{Username: "reader", Password: "pw", Permissions: []string{auth.PermAgentsRead}},
		{Username: "admin", Password: "pw", Permissions: []string{"*"}},
	})
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{Secret: "api-secret", Issuer: "chroniclerd"}, store)
	require.NoError(t, err)
	f := newFixture(t, WithAuth(svc), WithMetrics(metrics.New()))

	token := func(user string) string {
		rec := f.do(t, http.MethodPost, "/auth/token", auth.TokenRequest{Username: user, Password: "pw"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return "Bearer " + decode[auth.TokenPair](t, rec).AccessToken
	}

	rec := f.do(t, http.MethodPost, "/auth/token", auth.TokenRequest{Username: "reader", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/agents", nil).Code)

	reader := token("reader")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/agents", nil, "Authorization", reader).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, "/agents/chronicler", nil, "Authorization", reader).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/audit/statistics", nil, "Authorization", reader).Code)

	admin := token("admin")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/audit/statistics", nil, "Authorization", admin).Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chronicler_http_requests_total")
}

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code xerrors.Code
		want int
	}{
		{agent.CodeAgentNotFound, http.StatusNotFound},
		{agent.CodeAgentConflict, http.StatusConflict},
		{factory.CodeUnsupportedType, http.StatusBadRequest},
		{audit.CodeActionNotFound, http.StatusNotFound},
		{xerrors.CodeChainFailure, http.StatusBadGateway},
		{xerrors.Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForCode(tc.code), string(tc.code))
	}
}
