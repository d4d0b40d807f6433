package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/events"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// PolicyChecker 是审计服务在记录前调用的访问控制能力。
type PolicyChecker interface {
	IsAllowed(ctx context.Context, agentID, toolID string) (bool, string, error)
}

// Service 把动作摘要上链后持久化，并发布 audit.recorded 事件。
type Service struct {
	store     Store
	anchor    web3.Anchor
	policy    PolicyChecker
	publisher events.Publisher
	logger    *slog.Logger
	gasPerLog uint64
	now       func() time.Time

	// pending 记录正在上链的 action_id，同一 ID 不会被并发锚定两次。
	mu      sync.Mutex
	pending map[string]struct{}
}

// Option 定义可选配置。
type Option func(*Service)

// WithPolicy 配置记录前的访问控制检查。
func WithPolicy(p PolicyChecker) Option {
	return func(s *Service) { s.policy = p }
}

// WithAnchor 配置摘要上链方式。
func WithAnchor(a web3.Anchor) Option {
	return func(s *Service) { s.anchor = a }
}

// WithPublisher 配置事件发布。
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger 指定运行日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGasPerLog 设置回执缺少 gas 信息时使用的默认值。
func WithGasPerLog(gas uint64) Option {
	return func(s *Service) {
		if gas > 0 {
			s.gasPerLog = gas
		}
	}
}

// NewService 构造审计服务，store 为空时使用内存存储。
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Service{
		store:     store,
		logger:    logger.Named("audit"),
		gasPerLog: 21000,
		pending:   make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Record 先做访问控制检查，通过后记录动作。被拒绝时返回状态为 failed 的回执而不是错误。
// 策略服务自身故障时记录日志并继续。
func (s *Service) Record(ctx context.Context, entry Entry) (*Result, error) {
	if s.policy != nil {
		allowed, reason, err := s.policy.IsAllowed(ctx, entry.AgentID, entry.ToolID)
		switch {
		case err != nil:
			s.logger.Warn("访问控制检查失败，继续记录",
				slog.String("agent_id", entry.AgentID),
				slog.String("tool_id", entry.ToolID),
				slog.Any("error", err))
		case !allowed:
			s.logger.Warn("审计动作被拒绝",
				slog.String("agent_id", entry.AgentID),
				slog.String("tool_id", entry.ToolID),
				slog.String("reason", reason))
			s.publish(ctx, events.New(events.KindAccessDenied, entry.AgentID, map[string]any{
				"tool_id": entry.ToolID,
				"reason":  reason,
			}))
			return &Result{
				ActionID:  entry.ActionID,
				Status:    StatusFailed,
				Timestamp: s.now().UTC(),
				Error:     "Access denied: " + reason,
			}, nil
		}
	}
	return s.LogAction(ctx, entry)
}

// reserve 在上链前确认调用方指定的 action_id 尚未记录，避免重复动作留下多余的链上交易。
func (s *Service) reserve(ctx context.Context, actionID string) (func(), error) {
	s.mu.Lock()
	if _, busy := s.pending[actionID]; busy {
		s.mu.Unlock()
		return nil, xerrors.New(CodeDuplicate, "重复的审计动作: "+actionID)
	}
	s.pending[actionID] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.pending, actionID)
		s.mu.Unlock()
	}
	_, err := s.store.Get(ctx, actionID)
	switch {
	case err == nil:
		release()
		return nil, xerrors.New(CodeDuplicate, "重复的审计动作: "+actionID)
	case !xerrors.HasCode(err, CodeActionNotFound):
		release()
		return nil, err
	}
	return release, nil
}

// LogAction 计算摘要、上链并保存记录，不做访问控制检查。
func (s *Service) LogAction(ctx context.Context, entry Entry) (*Result, error) {
	if strings.TrimSpace(entry.AgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if entry.ActionID == "" {
		entry.ActionID = uuid.NewString()
	} else {
		release, err := s.reserve(ctx, entry.ActionID)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}

	digest, err := s.digestOf(entry)
	if err != nil {
		return nil, err
	}

	rec := Record{
		ActionID:  entry.ActionID,
		AgentID:   entry.AgentID,
		ToolID:    entry.ToolID,
		DataHash:  digest.Hex(),
		Status:    entry.Status,
		Input:     entry.Input,
		Output:    entry.Output,
		Metadata:  entry.Metadata,
		GasUsed:   s.gasPerLog,
		CreatedAt: s.now().UTC(),
	}

	if s.anchor != nil {
		receipt, err := s.anchor.Anchor(ctx, digest)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "审计摘要上链失败",
				xerrors.WithMetadata("action_id", entry.ActionID))
		}
		rec.TxHash = receipt.TxHash
		rec.Chain = receipt.Chain
		rec.BlockNumber = receipt.BlockNumber
		if receipt.GasUsed > 0 {
			rec.GasUsed = receipt.GasUsed
		}
		if receipt.Status == web3.ReceiptFailed {
			rec.Status = StatusFailed
		}
	}

	if err := s.store.Save(ctx, rec); err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存审计记录失败")
	}

	logger.Audit().Info("action_recorded",
		slog.String("action_id", rec.ActionID),
		slog.String("agent_id", rec.AgentID),
		slog.String("tool_id", rec.ToolID),
		slog.String("data_hash", rec.DataHash),
		slog.String("tx_hash", rec.TxHash),
		slog.String("status", string(rec.Status)))

	s.publish(ctx, events.New(events.KindAuditRecorded, rec.AgentID, map[string]any{
		"action_id": rec.ActionID,
		"tool_id":   rec.ToolID,
		"data_hash": rec.DataHash,
		"tx_hash":   rec.TxHash,
		"status":    string(rec.Status),
	}))
	return rec.Result(), nil
}

// GetAction 查询单条记录。
func (s *Service) GetAction(ctx context.Context, actionID string) (*Record, error) {
	if strings.TrimSpace(actionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "action_id 不能为空")
	}
	return s.store.Get(ctx, actionID)
}

// ListByAgent 返回 agent 最近的记录。
func (s *Service) ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]Record, error) {
	return s.store.List(ctx, Query{AgentID: agentID, Limit: limit, Offset: offset})
}

// ListByTool 返回工具最近的记录。
func (s *Service) ListByTool(ctx context.Context, toolID string, limit, offset int) ([]Record, error) {
	return s.store.List(ctx, Query{ToolID: toolID, Limit: limit, Offset: offset})
}

// List 按任意条件查询。
func (s *Service) List(ctx context.Context, q Query) ([]Record, error) {
	return s.store.List(ctx, q)
}

// Statistics 返回汇总统计。
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	return s.store.Statistics(ctx)
}

// Snapshot 返回上链账本的概况，未配置上链时返回 false。
func (s *Service) Snapshot(ctx context.Context) (web3.ChainSnapshot, bool, error) {
	if s.anchor == nil {
		return web3.ChainSnapshot{}, false, nil
	}
	snap, err := s.anchor.Snapshot(ctx)
	return snap, true, err
}

func (s *Service) digestOf(entry Entry) (common.Hash, error) {
	if entry.DataHash != "" {
		raw := strings.TrimPrefix(entry.DataHash, "0x")
		if len(raw) != 2*common.HashLength {
			return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "data_hash 必须是 32 字节十六进制")
		}
		return common.HexToHash(entry.DataHash), nil
	}
	return DataHash(entry)
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("发布审计事件失败", slog.String("kind", string(evt.Kind)), slog.Any("error", err))
	}
}

// DataHash 对动作内容做规范化 JSON 编码（map 键有序）后计算 Keccak-256。
func DataHash(entry Entry) (common.Hash, error) {
	payload := map[string]any{
		"action_id": entry.ActionID,
		"agent_id":  entry.AgentID,
		"tool_id":   entry.ToolID,
		"input":     entry.Input,
		"output":    entry.Output,
		"status":    string(entry.Status),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "审计数据无法编码")
	}
	return crypto.Keccak256Hash(data), nil
}
