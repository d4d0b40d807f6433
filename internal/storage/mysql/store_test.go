package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
)

var auditRowColumns = []string{"action_id", "agent_id", "tool_id", "data_hash", "tx_hash", "chain", "block_number", "gas_used", "status", "input", "output", "metadata", "created_at"}

var registryRowColumns = []string{"id", "operator", "metadata_uri", "risk_level", "description", "active", "tx_hash", "created_at", "updated_at"}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	statements := readMigrationStatements(t, "0001_init.sql")

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)

	db, drv := newMockDB(t, ops)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.assertConsumed(t)
}

func TestLoadMigrationFilesOrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_tools.sql": {Data: []byte("-- tools\nALTER TABLE registry_tools ADD COLUMN x INT;\n")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);\n-- trailing comment; with semicolon\nCREATE TABLE b (id INT);")},
		"0003_empty.sql": {Data: []byte("-- nothing here\n")},
		"README.md":      {Data: []byte("CREATE TABLE ignored (id INT);")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected two migrations, got %+v", files)
	}
	if files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", files[0].name, files[1].name)
	}
	if len(files[0].statements) != 2 || files[0].statements[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("comment lines should be dropped before splitting: %q", files[0].statements)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.assertConsumed(t)
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	statements := readMigrationStatements(t, "0001_init.sql")
	db, drv := newMockDB(t, []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execErrOp(statements[0], errors.New("disk full")),
		rollbackOp(),
	})
	err := db.Migrate(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestAuditStoreSaveAndGet(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertAuditSQL(), mockResult{lastInsertID: 1, rowsAffected: 1}),
		queryOp(`SELECT `+auditColumns+` FROM audit_actions WHERE action_id = ?`, mockRowsData{
			columns: auditRowColumns,
			values: [][]driver.Value{{
				"act-1", "agent-1", "calculator", "0x" + fmt.Sprintf("%064d", 7), "0xtx", "local",
				int64(12), int64(21000), "success", `{"a":1}`, nil, `{"k":"v"}`, created.UnixMilli(),
			}},
		}),
	})
	store := NewAuditStore(db)
	ctx := context.Background()

	err := store.Save(ctx, audit.Record{
		ActionID:  "act-1",
		AgentID:   "agent-1",
		ToolID:    "calculator",
		Status:    audit.StatusSuccess,
		Input:     map[string]any{"a": 1},
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	rec, err := store.Get(ctx, "act-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.BlockNumber != 12 || rec.GasUsed != 21000 || rec.Status != audit.StatusSuccess {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Input["a"] != float64(1) || rec.Output != nil || rec.Metadata["k"] != "v" {
		t.Fatalf("unexpected json columns: %+v", rec)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("unexpected created_at: %v", rec.CreatedAt)
	}
	drv.assertConsumed(t)
}

func TestAuditStoreErrors(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execErrOp(insertAuditSQL(), &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		queryOp(`SELECT `+auditColumns+` FROM audit_actions WHERE action_id = ?`, mockRowsData{columns: auditRowColumns}),
	})
	store := NewAuditStore(db)
	ctx := context.Background()

	if err := store.Save(ctx, audit.Record{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := store.Save(ctx, audit.Record{ActionID: "dup"}); !xerrors.HasCode(err, audit.CodeDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := store.Get(ctx, "ghost"); !xerrors.HasCode(err, audit.CodeActionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.assertConsumed(t)
}

func TestAuditStoreListFilters(t *testing.T) {
	row := func(id string) []driver.Value {
		return []driver.Value{id, "agent-1", "search", "0xhash", "", "", int64(0), int64(0), "failed", nil, nil, nil, int64(0)}
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+auditColumns+` FROM audit_actions WHERE agent_id = ? AND tool_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, mockRowsData{
			columns: auditRowColumns,
			values:  [][]driver.Value{row("b"), row("a")},
		}),
		queryOp(`SELECT `+auditColumns+` FROM audit_actions ORDER BY id DESC LIMIT ? OFFSET ?`, mockRowsData{columns: auditRowColumns}),
	})
	store := NewAuditStore(db)
	ctx := context.Background()

	records, err := store.List(ctx, audit.Query{AgentID: "agent-1", ToolID: "search", Limit: 10, Offset: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 || records[0].ActionID != "b" || !records[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected records: %+v", records)
	}
	records, err = store.List(ctx, audit.Query{})
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty list: %v %v", records, err)
	}
	drv.assertConsumed(t)
}

func TestAuditStoreStatistics(t *testing.T) {
	last := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	db, drv := newMockDB(t, []mockOperation{
		queryOp(statisticsSQL(), mockRowsData{
			columns: []string{"total", "ok", "failed", "agents", "tools", "gas", "last"},
			values:  [][]driver.Value{{int64(5), int64(4), int64(1), int64(2), int64(3), int64(105000), last.UnixMilli()}},
		}),
	})
	stats, err := NewAuditStore(db).Statistics(context.Background())
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	want := audit.Statistics{
		TotalActions:      5,
		SuccessfulActions: 4,
		FailedActions:     1,
		UniqueAgents:      2,
		UniqueTools:       3,
		TotalGasUsed:      105000,
	}
	if !stats.LastActionAt.Equal(last) {
		t.Fatalf("unexpected last action time: %v", stats.LastActionAt)
	}
	stats.LastActionAt = time.Time{}
	if stats != want {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	drv.assertConsumed(t)
}

func TestRegistryStoreAgents(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO registry_agents
        (id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		execErrOp(`INSERT INTO registry_agents
        (id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &mysql.MySQLError{Number: 1062}),
		queryOp(`SELECT id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_agents WHERE id = ?`, mockRowsData{
			columns: registryRowColumns,
			values:  [][]driver.Value{{"a1", "0xabc", "ipfs://a1", int64(2), nil, int64(1), "0xtx", now.UnixMilli(), now.UnixMilli()}},
		}),
		queryOp(`SELECT id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_agents WHERE id = ?`, mockRowsData{columns: registryRowColumns}),
		execOp(`UPDATE registry_agents SET operator = ?, metadata_uri = ?, risk_level = ?, description = ?, active = ?, tx_hash = ?, updated_at = ?
        WHERE id = ?`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_agents ORDER BY id`, mockRowsData{
			columns: registryRowColumns,
			values: [][]driver.Value{
				{"a1", "", "", int64(1), "first", int64(0), "", int64(0), int64(0)},
				{"a2", "", "", int64(3), "second", int64(1), "", int64(0), int64(0)},
			},
		}),
	})
	store := NewRegistryStore(db)
	ctx := context.Background()

	agent := registry.Agent{ID: "a1", Operator: "0xabc", RiskLevel: 2, Active: true, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := store.CreateAgent(ctx, agent); !xerrors.HasCode(err, registry.CodeDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	got, err := store.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !got.Active || got.RiskLevel != 2 || got.Description != "" || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected agent: %+v", got)
	}
	if _, err := store.GetAgent(ctx, "ghost"); !xerrors.HasCode(err, registry.CodeAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	agent.Active = false
	if err := store.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 || agents[0].Active || agents[1].Description != "second" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
	drv.assertConsumed(t)
}

func TestRegistryStoreTools(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO registry_tools
        (id, agent_id, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, agent_id, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_tools WHERE id = ?`, mockRowsData{columns: registryRowColumns}),
		execOp(`UPDATE registry_tools SET agent_id = ?, metadata_uri = ?, risk_level = ?, description = ?, active = ?, tx_hash = ?, updated_at = ?
        WHERE id = ?`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, agent_id, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_tools ORDER BY id`, mockRowsData{
			columns: registryRowColumns,
			values:  [][]driver.Value{{"calc", "a1", "", int64(3), "calculator", int64(1), "", int64(0), int64(0)}},
		}),
	})
	store := NewRegistryStore(db)
	ctx := context.Background()

	tool := registry.Tool{ID: "calc", AgentID: "a1", RiskLevel: 3, Active: true}
	if err := store.CreateTool(ctx, tool); err != nil {
		t.Fatalf("create tool: %v", err)
	}
	if _, err := store.GetTool(ctx, "ghost"); !xerrors.HasCode(err, registry.CodeToolNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.UpdateTool(ctx, tool); err != nil {
		t.Fatalf("update tool: %v", err)
	}
	tools, err := store.ListTools(ctx)
	if err != nil || len(tools) != 1 || tools[0].AgentID != "a1" {
		t.Fatalf("unexpected tools: %+v %v", tools, err)
	}
	drv.assertConsumed(t)
}

func TestRegistryServiceOverMySQL(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO registry_agents
        (id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_agents WHERE id = ?`, mockRowsData{
			columns: registryRowColumns,
			values:  [][]driver.Value{{"a1", "", "", int64(1), nil, int64(1), "", int64(0), int64(0)}},
		}),
	})
	svc := registry.NewService(NewRegistryStore(db))
	ctx := context.Background()

	if _, err := svc.RegisterAgent(ctx, registry.RegisterAgentInput{ID: "a1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, err := svc.IsValidAgent(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("expected valid agent: %v %v", ok, err)
	}
	drv.assertConsumed(t)
}

func insertAuditSQL() string {
	return `INSERT INTO audit_actions
        (` + auditColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func statisticsSQL() string {
	return `SELECT COUNT(*),
        COALESCE(SUM(status = 'success'), 0),
        COALESCE(SUM(status = 'failed'), 0),
        COUNT(DISTINCT agent_id),
        COUNT(DISTINCT tool_id),
        COALESCE(SUM(gas_used), 0),
        COALESCE(MAX(created_at), 0)
        FROM audit_actions`
}

func readMigrationStatements(t *testing.T, name string) []string {
	t.Helper()

	content, err := fs.ReadFile(migrationSource, name)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		t.Fatalf("no statements in %s", name)
	}
	return statements
}
