// Package registry 维护 agent 与工具的登记信息。
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// Service 管理 agent 与工具记录。配置了上链时，每次写操作的摘要都会被锚定。
type Service struct {
	// mu 串行化登记流程，保证查重、上链、写入之间不会插入同 ID 的登记。
	mu     sync.Mutex
	store  Store
	anchor web3.Anchor
	logger *slog.Logger
	now    func() time.Time
}

// Option 定义可选配置。
type Option func(*Service)

// WithAnchor 为写操作配置上链。
func WithAnchor(a web3.Anchor) Option {
	return func(s *Service) { s.anchor = a }
}

// NewService 构造注册表服务，store 为空时使用内存存储。
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Service{store: store, logger: logger.Named("registry"), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RegisterAgentInput 是登记 agent 的参数。
type RegisterAgentInput struct {
	ID          string `json:"agent_id"`
	Operator    string `json:"operator"`
	MetadataURI string `json:"metadata_uri"`
	RiskLevel   int    `json:"risk_level"`
	Description string `json:"description"`
}

// RegisterToolInput 是登记工具的参数。
type RegisterToolInput struct {
	ID          string `json:"tool_id"`
	AgentID     string `json:"agent_id"`
	MetadataURI string `json:"metadata_uri"`
	RiskLevel   int    `json:"risk_level"`
	Description string `json:"description"`
}

func normaliseRisk(level int) (int, error) {
	if level == 0 {
		return 1, nil
	}
	if level < 1 || level > 5 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "risk_level 必须在 1 到 5 之间")
	}
	return level, nil
}

// RegisterAgent 登记新的 agent，ID 已存在时返回冲突错误。
func (s *Service) RegisterAgent(ctx context.Context, in RegisterAgentInput) (*Agent, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	risk, err := normaliseRisk(in.RiskLevel)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a := Agent{
		ID:          in.ID,
		Operator:    in.Operator,
		MetadataURI: in.MetadataURI,
		RiskLevel:   risk,
		Description: in.Description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.GetAgent(ctx, a.ID); !xerrors.HasCode(err, CodeAgentNotFound) {
		return nil, conflictOr(err, "agent 已注册: "+a.ID)
	}
	if a.TxHash, err = s.anchorOp(ctx, "register_agent", a); err != nil {
		return nil, err
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("agent 已登记", slog.String("agent_id", a.ID), slog.String("tx_hash", a.TxHash))
	return &a, nil
}

// RegisterTool 登记新的工具。
func (s *Service) RegisterTool(ctx context.Context, in RegisterToolInput) (*Tool, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tool_id 不能为空")
	}
	risk, err := normaliseRisk(in.RiskLevel)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	t := Tool{
		ID:          in.ID,
		AgentID:     in.AgentID,
		MetadataURI: in.MetadataURI,
		RiskLevel:   risk,
		Description: in.Description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.GetTool(ctx, t.ID); !xerrors.HasCode(err, CodeToolNotFound) {
		return nil, conflictOr(err, "工具已注册: "+t.ID)
	}
	if t.TxHash, err = s.anchorOp(ctx, "register_tool", t); err != nil {
		return nil, err
	}
	if err := s.store.CreateTool(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("工具已登记", slog.String("tool_id", t.ID), slog.String("agent_id", t.AgentID))
	return &t, nil
}

// GetAgent 查询 agent。
func (s *Service) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// GetTool 查询工具。
func (s *Service) GetTool(ctx context.Context, id string) (*Tool, error) {
	return s.store.GetTool(ctx, id)
}

// ListAgents 按 ID 排序返回全部 agent。
func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	return s.store.ListAgents(ctx)
}

// ListTools 按 ID 排序返回全部工具。
func (s *Service) ListTools(ctx context.Context) ([]Tool, error) {
	return s.store.ListTools(ctx)
}

// IsValidAgent 判断 agent 已登记且处于启用状态。存储故障向上返回。
func (s *Service) IsValidAgent(ctx context.Context, id string) (bool, error) {
	a, err := s.store.GetAgent(ctx, id)
	if xerrors.HasCode(err, CodeAgentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Active, nil
}

// IsValidTool 判断工具已登记且处于启用状态。
func (s *Service) IsValidTool(ctx context.Context, id string) (bool, error) {
	t, err := s.store.GetTool(ctx, id)
	if xerrors.HasCode(err, CodeToolNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Active, nil
}

// UpdateAgentMetadata 更新 agent 的元数据地址与描述，description 为空时保留原值。
func (s *Service) UpdateAgentMetadata(ctx context.Context, id, metadataURI, description string) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a.MetadataURI = metadataURI
	if description != "" {
		a.Description = description
	}
	a.UpdatedAt = s.now().UTC()
	if a.TxHash, err = s.anchorOp(ctx, "update_agent_metadata", a); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAgent(ctx, *a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeactivateAgent 停用 agent，重复停用不报错。
func (s *Service) DeactivateAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return a, nil
	}
	a.Active = false
	a.UpdatedAt = s.now().UTC()
	if a.TxHash, err = s.anchorOp(ctx, "deactivate_agent", a); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAgent(ctx, *a); err != nil {
		return nil, err
	}
	s.logger.Warn("agent 已停用", slog.String("agent_id", id))
	return a, nil
}

// DeactivateTool 停用工具。
func (s *Service) DeactivateTool(ctx context.Context, id string) (*Tool, error) {
	t, err := s.store.GetTool(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return t, nil
	}
	t.Active = false
	t.UpdatedAt = s.now().UTC()
	if t.TxHash, err = s.anchorOp(ctx, "deactivate_tool", t); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTool(ctx, *t); err != nil {
		return nil, err
	}
	return t, nil
}

// anchorOp 对操作名与记录内容计算 Keccak-256 并上链，未配置上链时返回空字符串。
// conflictOr 把查重结果转换为错误：查询成功说明 ID 已存在，其余错误原样返回。
func conflictOr(lookupErr error, msg string) error {
	if lookupErr != nil {
		return lookupErr
	}
	return xerrors.New(CodeDuplicate, msg)
}

func (s *Service) anchorOp(ctx context.Context, op string, record any) (string, error) {
	if s.anchor == nil {
		return "", nil
	}
	payload, err := json.Marshal(map[string]any{"op": op, "record": record})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册表记录无法编码")
	}
	receipt, err := s.anchor.Anchor(ctx, crypto.Keccak256Hash(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "注册表操作上链失败",
			xerrors.WithMetadata("op", op))
	}
	return receipt.TxHash, nil
}
