package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// Recorder 是 Track 所需的最小审计能力。
type Recorder interface {
	Record(ctx context.Context, entry Entry) (*Result, error)
}

// TrackOptions 控制一次调用是否记录以及记录哪些内容。
type TrackOptions struct {
	AgentID   string
	ToolID    string
	Enabled   bool
	LogInput  bool
	LogOutput bool
	Metadata  map[string]any
}

// Track 执行 fn，并在结束后把输入、输出与结果状态交给 recorder 记录。
// fn 的返回值原样返回；记录失败只写日志，回执为 nil。
func Track(ctx context.Context, rec Recorder, opts TrackOptions, input map[string]any, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, *Result, error) {
	output, err := fn(ctx)
	if !opts.Enabled || rec == nil {
		return output, nil, err
	}

	entry := Entry{
		ActionID: uuid.NewString(),
		AgentID:  opts.AgentID,
		ToolID:   opts.ToolID,
		Status:   StatusSuccess,
		Metadata: opts.Metadata,
	}
	if opts.LogInput {
		entry.Input = input
	}
	if opts.LogOutput {
		entry.Output = output
	}
	if err != nil {
		entry.Status = StatusFailed
		if opts.LogOutput {
			entry.Output = map[string]any{"error": err.Error()}
		}
	}

	result, recErr := rec.Record(ctx, entry)
	if recErr != nil {
		logger.L().Warn("记录审计动作失败",
			slog.String("agent_id", opts.AgentID),
			slog.String("tool_id", opts.ToolID),
			slog.Any("error", recErr))
		return output, nil, err
	}
	return output, result, err
}
