package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// DefaultModule 是内置的访问控制策略。
//
//go:embed access.rego
var DefaultModule string

const denyQuery = "data.chronicler.access.deny"

// Engine 持有预编译的 rego 查询。
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine 编译策略模块，module 为空时使用 DefaultModule。
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	if module == "" {
		module = DefaultModule
	}
	r := rego.New(
		rego.Query(denyQuery),
		rego.Module("access.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "编译访问控制策略失败")
	}
	return &Engine{query: query}, nil
}

// LoadEngine 从文件读取策略模块，path 为空时使用内置策略。
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取策略文件失败",
			xerrors.WithMetadata("path", path))
	}
	return NewEngine(ctx, string(data))
}

// Deny 对输入求值并返回排好序的拒绝原因，空切片表示放行。
func (e *Engine) Deny(ctx context.Context, input map[string]any) ([]string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "策略求值失败")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure,
			fmt.Sprintf("策略返回了意外的类型 %T", results[0].Expressions[0].Value))
	}
	reasons := make([]string, 0, len(raw))
	for _, item := range raw {
		reasons = append(reasons, fmt.Sprint(item))
	}
	sort.Strings(reasons)
	return reasons, nil
}
