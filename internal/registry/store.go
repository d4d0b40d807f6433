package registry

import (
	"context"
	"sort"
	"sync"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Store 定义注册表的持久化能力。
type Store interface {
	CreateAgent(ctx context.Context, a Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, a Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)
	CreateTool(ctx context.Context, t Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	UpdateTool(ctx context.Context, t Tool) error
	ListTools(ctx context.Context) ([]Tool, error)
}

// MemoryStore 是进程内的注册表存储。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
	tools  map[string]Tool
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]Agent), tools: make(map[string]Tool)}
}

func (s *MemoryStore) CreateAgent(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return xerrors.New(CodeDuplicate, "agent 已注册: "+a.ID)
	}
	s.agents[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, xerrors.New(CodeAgentNotFound, "agent 未注册: "+id)
	}
	return &a, nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return xerrors.New(CodeAgentNotFound, "agent 未注册: "+a.ID)
	}
	s.agents[a.ID] = a
	return nil
}

func (s *MemoryStore) ListAgents(context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateTool(_ context.Context, t Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[t.ID]; exists {
		return xerrors.New(CodeDuplicate, "工具已注册: "+t.ID)
	}
	s.tools[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTool(_ context.Context, id string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return nil, xerrors.New(CodeToolNotFound, "工具未注册: "+id)
	}
	return &t, nil
}

func (s *MemoryStore) UpdateTool(_ context.Context, t Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[t.ID]; !ok {
		return xerrors.New(CodeToolNotFound, "工具未注册: "+t.ID)
	}
	s.tools[t.ID] = t
	return nil
}

func (s *MemoryStore) ListTools(context.Context) ([]Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
