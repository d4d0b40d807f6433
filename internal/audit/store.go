package audit

import (
	"context"
	"sync"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Store 定义审计记录的持久化能力。
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, actionID string) (*Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Statistics(ctx context.Context) (Statistics, error)
}

const defaultListLimit = 100

// MemoryStore 是进程内的审计存储，记录按写入顺序保存。
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Save 写入一条记录，ActionID 重复时返回冲突错误。
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.ActionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "action_id 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[rec.ActionID]; exists {
		return xerrors.New(CodeDuplicate, "重复的审计动作: "+rec.ActionID)
	}
	s.index[rec.ActionID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// Get 根据 ActionID 查询记录。
func (s *MemoryStore) Get(_ context.Context, actionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[actionID]
	if !ok {
		return nil, xerrors.New(CodeActionNotFound, "未找到审计动作: "+actionID)
	}
	rec := s.records[idx]
	return &rec, nil
}

// List 按写入时间倒序返回匹配的记录。
func (s *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, limit)
	skipped := 0
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if q.AgentID != "" && rec.AgentID != q.AgentID {
			continue
		}
		if q.ToolID != "" && rec.ToolID != q.ToolID {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Statistics 汇总全部记录。
func (s *MemoryStore) Statistics(_ context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Statistics
	agents := make(map[string]struct{})
	tools := make(map[string]struct{})
	for _, rec := range s.records {
		stats.TotalActions++
		switch rec.Status {
		case StatusSuccess:
			stats.SuccessfulActions++
		case StatusFailed:
			stats.FailedActions++
		}
		stats.TotalGasUsed += rec.GasUsed
		agents[rec.AgentID] = struct{}{}
		tools[rec.ToolID] = struct{}{}
		if rec.CreatedAt.After(stats.LastActionAt) {
			stats.LastActionAt = rec.CreatedAt
		}
	}
	stats.UniqueAgents = int64(len(agents))
	stats.UniqueTools = int64(len(tools))
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
