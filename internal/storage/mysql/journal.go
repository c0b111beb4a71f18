package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/hire"
	"AgentEscrow-Chain/pkg/logger"
)

const maxMessageLen = 1024

// Journal 将雇佣流程结果写入 MySQL，实现 hire.Journal。
type Journal struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

var _ hire.Journal = (*Journal)(nil)

// Open 建立连接池并执行内嵌迁移。
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化雇佣日志存储失败")
	}
	j := NewJournal(db)
	if err := j.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行数据库迁移失败")
	}
	return j, nil
}

// NewJournal 基于已有连接创建日志，不执行迁移。
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now, log: logger.Named("journal")}
}

// Save 按 hire_id 插入或更新一条记录。
func (j *Journal) Save(ctx context.Context, e hire.Entry) error {
	var jobID any
	if e.JobID != nil {
		jobID = *e.JobID
	}
	message := e.Message
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen]
	}
	_, err := j.db.ExecContext(ctx, `INSERT INTO hire_journal
    (hire_id, hirer, agent_id, amount, job_id, tx_hash, state, code, message, resolved, started_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE job_id = VALUES(job_id), tx_hash = VALUES(tx_hash), state = VALUES(state), code = VALUES(code),
    message = VALUES(message), amount = VALUES(amount), updated_at = VALUES(updated_at)`,
		e.HireID, e.Hirer, e.AgentID, e.Amount, jobID, e.TxHash, string(e.State), e.Code, message, e.Resolved,
		e.StartedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入雇佣日志失败", xerrors.WithMetadata(xerrors.MetaHireID, e.HireID))
	}
	return nil
}

// Unresolved 返回资金仍可能滞留在托管中的记录，包括创建结果未知、只有交易哈希的记录。
func (j *Journal) Unresolved(ctx context.Context) ([]hire.Entry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT hire_id, hirer, agent_id, amount, job_id, tx_hash, state, code, message, resolved, started_at, updated_at
    FROM hire_journal WHERE state = ? AND resolved = 0 AND (job_id IS NOT NULL OR code = ?) ORDER BY started_at ASC`,
		string(hire.StateFailed), string(hire.CodeJobStatusUnknown))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询雇佣日志失败")
	}
	defer rows.Close()

	entries := make([]hire.Entry, 0)
	for rows.Next() {
		var (
			e                  hire.Entry
			state              string
			jobID              sql.Null[uint64]
			started, updatedAt int64
		)
		if err := rows.Scan(&e.HireID, &e.Hirer, &e.AgentID, &e.Amount, &jobID, &e.TxHash, &state, &e.Code, &e.Message, &e.Resolved, &started, &updatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析雇佣日志失败")
		}
		e.State = hire.State(state)
		if jobID.Valid {
			id := jobID.V
			e.JobID = &id
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历雇佣日志失败")
	}
	return entries, nil
}

// MarkResolved 标记某个作业对应的记录已处理。
func (j *Journal) MarkResolved(ctx context.Context, jobID uint64) error {
	if _, err := j.db.ExecContext(ctx, `UPDATE hire_journal SET resolved = 1, updated_at = ? WHERE job_id = ?`,
		j.now().UnixMilli(), jobID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("更新作业 %d 的日志失败", jobID))
	}
	return nil
}

// ResolveHire 按 hire_id 标记记录已处理，用于没有作业 ID 的记录。
func (j *Journal) ResolveHire(ctx context.Context, hireID string) error {
	res, err := j.db.ExecContext(ctx, `UPDATE hire_journal SET resolved = 1, updated_at = ? WHERE hire_id = ?`,
		j.now().UnixMilli(), hireID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新雇佣日志失败", xerrors.WithMetadata(xerrors.MetaHireID, hireID))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.New(xerrors.CodeNotFound, "雇佣记录不存在", xerrors.WithMetadata(xerrors.MetaHireID, hireID))
	}
	return nil
}

// Close 关闭连接池。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
