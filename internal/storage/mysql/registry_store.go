package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
)

// RegistryStore 把 agent 与工具登记信息写入 registry_agents 与 registry_tools 表。
type RegistryStore struct {
	db *DB
}

// NewRegistryStore 基于共享连接池创建注册表存储。
func NewRegistryStore(db *DB) *RegistryStore {
	return &RegistryStore{db: db}
}

// CreateAgent 实现 registry.Store。
func (s *RegistryStore) CreateAgent(ctx context.Context, a registry.Agent) error {
	const stmt = `INSERT INTO registry_agents
        (id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.db.ExecContext(ctx, stmt,
		a.ID, a.Operator, a.MetadataURI, a.RiskLevel, a.Description, a.Active, a.TxHash,
		millis(a.CreatedAt), millis(a.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(registry.CodeDuplicate, "agent 已存在: "+a.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 agent 失败")
	}
	return nil
}

// GetAgent 实现 registry.Store。
func (s *RegistryStore) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	const stmt = `SELECT id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_agents WHERE id = ?`

	a, err := scanAgent(s.db.db.QueryRowContext(ctx, stmt, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(registry.CodeAgentNotFound, "未登记的 agent: "+id)
	}
	return a, err
}

// UpdateAgent 实现 registry.Store。
func (s *RegistryStore) UpdateAgent(ctx context.Context, a registry.Agent) error {
	const stmt = `UPDATE registry_agents SET operator = ?, metadata_uri = ?, risk_level = ?, description = ?, active = ?, tx_hash = ?, updated_at = ?
        WHERE id = ?`

	if _, err := s.db.db.ExecContext(ctx, stmt,
		a.Operator, a.MetadataURI, a.RiskLevel, a.Description, a.Active, a.TxHash, millis(a.UpdatedAt), a.ID,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 agent 失败")
	}
	return nil
}

// ListAgents 实现 registry.Store。
func (s *RegistryStore) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT id, operator, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_agents ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 列表失败")
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 agent 列表失败")
	}
	return agents, nil
}

// CreateTool 实现 registry.Store。
func (s *RegistryStore) CreateTool(ctx context.Context, t registry.Tool) error {
	const stmt = `INSERT INTO registry_tools
        (id, agent_id, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.db.ExecContext(ctx, stmt,
		t.ID, t.AgentID, t.MetadataURI, t.RiskLevel, t.Description, t.Active, t.TxHash,
		millis(t.CreatedAt), millis(t.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(registry.CodeDuplicate, "工具已存在: "+t.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工具失败")
	}
	return nil
}

// GetTool 实现 registry.Store。
func (s *RegistryStore) GetTool(ctx context.Context, id string) (*registry.Tool, error) {
	const stmt = `SELECT id, agent_id, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_tools WHERE id = ?`

	t, err := scanTool(s.db.db.QueryRowContext(ctx, stmt, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(registry.CodeToolNotFound, "未登记的工具: "+id)
	}
	return t, err
}

// UpdateTool 实现 registry.Store。
func (s *RegistryStore) UpdateTool(ctx context.Context, t registry.Tool) error {
	const stmt = `UPDATE registry_tools SET agent_id = ?, metadata_uri = ?, risk_level = ?, description = ?, active = ?, tx_hash = ?, updated_at = ?
        WHERE id = ?`

	if _, err := s.db.db.ExecContext(ctx, stmt,
		t.AgentID, t.MetadataURI, t.RiskLevel, t.Description, t.Active, t.TxHash, millis(t.UpdatedAt), t.ID,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工具失败")
	}
	return nil
}

// ListTools 实现 registry.Store。
func (s *RegistryStore) ListTools(ctx context.Context) ([]registry.Tool, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT id, agent_id, metadata_uri, risk_level, description, active, tx_hash, created_at, updated_at
        FROM registry_tools ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具列表失败")
	}
	defer rows.Close()

	var tools []registry.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工具列表失败")
	}
	return tools, nil
}

func scanAgent(row rowScanner) (*registry.Agent, error) {
	var (
		a                    registry.Agent
		description          sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.Operator, &a.MetadataURI, &a.RiskLevel, &description, &a.Active, &a.TxHash, &createdAt, &updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent 失败")
	}
	a.Description = description.String
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func scanTool(row rowScanner) (*registry.Tool, error) {
	var (
		t                    registry.Tool
		description          sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.AgentID, &t.MetadataURI, &t.RiskLevel, &description, &t.Active, &t.TxHash, &createdAt, &updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具失败")
	}
	t.Description = description.String
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

var _ registry.Store = (*RegistryStore)(nil)
