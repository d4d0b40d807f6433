package factory

import (
	"context"
	"testing"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/chronicler"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/mcpagent"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	"github.com/afristrup/chronicler-agentic-audit/internal/config"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/mcp"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
)

type nopClient struct{ url string }

func (nopClient) Initialize(context.Context) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}
func (nopClient) ListTools(context.Context) ([]mcp.Tool, error) { return nil, nil }
func (nopClient) CallTool(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (nopClient) SessionID() string           { return "" }
func (nopClient) Close(context.Context) error { return nil }

func newFactory(dialed *[]string) *Factory {
	deps := chronicler.Deps{Audit: audit.NewService(nil), Registry: registry.NewService(nil)}
	return New(deps,
		WithMCPDefaults(MCPDefaults{ServerURL: "http://default.mcp"}),
		WithToolClientDialer(func(cfg agent.Config) (mcpagent.ToolClient, error) {
			*dialed = append(*dialed, cfg.MCP.ServerURL)
			return nopClient{url: cfg.MCP.ServerURL}, nil
		}))
}

func TestConfigFromDefinitionDefaults(t *testing.T) {
	off := false
	cfg := ConfigFromDefinition(config.AgentDefinition{ID: "a1", Type: "mcp", AuditEnabled: &off, RiskLevel: 3})
	if cfg.Name != "a1" || cfg.AuditEnabled || cfg.RiskLevel != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Capabilities) != 3 || cfg.Capabilities[0] != agent.CapMCPProtocol {
		t.Fatalf("mcp defaults not applied: %v", cfg.Capabilities)
	}
	if cfg.LogInput != true || cfg.MaxTokens != 4096 {
		t.Fatalf("unset fields should keep defaults: %+v", cfg)
	}
	if got := ConfigFromDefinition(config.AgentDefinition{ID: "b"}).Type; got != agent.TypeAudit {
		t.Fatalf("empty type should default to audit, got %s", got)
	}
}

func TestBuildByType(t *testing.T) {
	var dialed []string
	f := newFactory(&dialed)

	a, err := f.Build(config.AgentDefinition{ID: "c1", Type: "audit"})
	if err != nil {
		t.Fatalf("build audit agent: %v", err)
	}
	if _, ok := a.(*chronicler.Agent); !ok {
		t.Fatalf("expected chronicler agent, got %T", a)
	}

	m, err := f.Build(config.AgentDefinition{ID: "m1", Type: "mcp"})
	if err != nil {
		t.Fatalf("build mcp agent: %v", err)
	}
	if _, ok := m.(*mcpagent.Agent); !ok {
		t.Fatalf("expected mcp agent, got %T", m)
	}
	if len(dialed) != 1 || dialed[0] != "http://default.mcp" {
		t.Fatalf("default server url not applied: %v", dialed)
	}

	for _, typ := range []string{"general", "specialized", "registry", "access_control"} {
		if _, err := f.Build(config.AgentDefinition{ID: "x", Type: typ}); !xerrors.HasCode(err, CodeUnsupportedType) {
			t.Fatalf("type %s should be unsupported, got %v", typ, err)
		}
	}
	if _, err := f.Build(config.AgentDefinition{ID: "x", Type: "audit", RiskLevel: 9}); !xerrors.HasCode(err, agent.CodeInvalidConfig) {
		t.Fatalf("invalid risk level should fail construction, got %v", err)
	}
}

func TestCreateAndRegister(t *testing.T) {
	var dialed []string
	f := newFactory(&dialed)
	m := agent.NewManager()
	ctx := context.Background()

	if _, err := f.CreateAndRegister(ctx, m, config.AgentDefinition{ID: "c1", Type: "audit"}); err != nil {
		t.Fatalf("create and register: %v", err)
	}
	_, err := f.CreateAndRegister(ctx, m, config.AgentDefinition{ID: "c1", Type: "audit"})
	if !xerrors.HasCode(err, agent.CodeAgentConflict) {
		t.Fatalf("duplicate id should conflict, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected one registered agent, got %d", m.Len())
	}
	if got, ok := m.Get("c1"); !ok || got.Status() != agent.StatusIdle {
		t.Fatalf("original agent should stay registered and idle")
	}

	def, err := f.RegisterDefault(ctx, m, "default_chronicler")
	if err != nil {
		t.Fatalf("register default: %v", err)
	}
	if id, _ := m.FindByCapability(agent.CapRegistryManagement); id != "c1" {
		t.Fatalf("first registered agent should win, got %s", id)
	}
	if def.Metadata().Name != "Default Chronicler Agent" {
		t.Fatalf("unexpected default metadata: %+v", def.Metadata())
	}
}
