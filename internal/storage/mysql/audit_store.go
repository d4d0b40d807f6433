package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

const auditColumns = `action_id, agent_id, tool_id, data_hash, tx_hash, chain, block_number, gas_used, status, input, output, metadata, created_at`

// AuditStore 把审计记录写入 audit_actions 表。
type AuditStore struct {
	db *DB
}

// NewAuditStore 基于共享连接池创建审计存储。
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Save 实现 audit.Store。
func (s *AuditStore) Save(ctx context.Context, rec audit.Record) error {
	if strings.TrimSpace(rec.ActionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "action_id 不能为空")
	}
	input, err := marshalJSONColumn(rec.Input)
	if err != nil {
		return err
	}
	output, err := marshalJSONColumn(rec.Output)
	if err != nil {
		return err
	}
	metadata, err := marshalJSONColumn(rec.Metadata)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO audit_actions
        (` + auditColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.db.ExecContext(ctx, stmt,
		rec.ActionID,
		rec.AgentID,
		rec.ToolID,
		rec.DataHash,
		rec.TxHash,
		rec.Chain,
		rec.BlockNumber,
		rec.GasUsed,
		string(rec.Status),
		input,
		output,
		metadata,
		millis(rec.CreatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(audit.CodeDuplicate, "重复的审计动作: "+rec.ActionID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	return nil
}

// Get 实现 audit.Store。
func (s *AuditStore) Get(ctx context.Context, actionID string) (*audit.Record, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_actions WHERE action_id = ?`, actionID)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(audit.CodeActionNotFound, "未找到审计动作: "+actionID)
		}
		return nil, err
	}
	return rec, nil
}

// List 按写入顺序倒序分页查询，AgentID 与 ToolID 为空时不参与过滤。
func (s *AuditStore) List(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		conds []string
		args  []any
	)
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.ToolID != "" {
		conds = append(conds, "tool_id = ?")
		args = append(args, q.ToolID)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_actions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	records := make([]audit.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return records, nil
}

// Statistics 实现 audit.Store。
func (s *AuditStore) Statistics(ctx context.Context) (audit.Statistics, error) {
	const stmt = `SELECT COUNT(*),
        COALESCE(SUM(status = 'success'), 0),
        COALESCE(SUM(status = 'failed'), 0),
        COUNT(DISTINCT agent_id),
        COUNT(DISTINCT tool_id),
        COALESCE(SUM(gas_used), 0),
        COALESCE(MAX(created_at), 0)
        FROM audit_actions`

	var (
		stats  audit.Statistics
		lastMs int64
	)
	err := s.db.db.QueryRowContext(ctx, stmt).Scan(
		&stats.TotalActions,
		&stats.SuccessfulActions,
		&stats.FailedActions,
		&stats.UniqueAgents,
		&stats.UniqueTools,
		&stats.TotalGasUsed,
		&lastMs,
	)
	if err != nil {
		return audit.Statistics{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计审计记录失败")
	}
	stats.LastActionAt = fromMillis(lastMs)
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.Record, error) {
	var (
		rec                     audit.Record
		status                  string
		input, output, metadata sql.NullString
		createdAt               int64
	)
	if err := row.Scan(
		&rec.ActionID,
		&rec.AgentID,
		&rec.ToolID,
		&rec.DataHash,
		&rec.TxHash,
		&rec.Chain,
		&rec.BlockNumber,
		&rec.GasUsed,
		&status,
		&input,
		&output,
		&metadata,
		&createdAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
	}
	rec.Status = audit.Status(status)
	rec.CreatedAt = fromMillis(createdAt)

	var err error
	if rec.Input, err = unmarshalJSONColumn(input); err != nil {
		return nil, err
	}
	if rec.Output, err = unmarshalJSONColumn(output); err != nil {
		return nil, err
	}
	if rec.Metadata, err = unmarshalJSONColumn(metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalJSONColumn(value map[string]any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 JSON 字段失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalJSONColumn(value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 JSON 字段失败")
	}
	return out, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

var _ audit.Store = (*AuditStore)(nil)
