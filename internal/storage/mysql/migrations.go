package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"AgentEscrow-Chain/deploy/migrations"
)

var embeddedMigrations = migrations.Files

const (
	createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`
	selectVersions = `SELECT version FROM schema_migrations`
	insertVersion  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 对应 deploy/migrations 下的一个 SQL 文件，文件名前缀即版本号。
type migration struct {
	version    string
	file       string
	statements []string
}

// runMigrations 按版本顺序执行尚未应用的迁移，每个文件一个事务。
func (j *Journal) runMigrations(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := appliedVersions(ctx, j.db)
	if err != nil {
		return err
	}
	all, err := embeddedSet()
	if err != nil {
		return err
	}
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := m.apply(ctx, j.db); err != nil {
			return err
		}
		j.log.Info("已应用 hire_journal 迁移", "version", m.version, "file", m.file)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersions)
	if err != nil {
		return nil, fmt.Errorf("查询已应用的迁移失败: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("读取迁移版本失败: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("迁移 %s 开启事务失败: %w", m.file, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", m.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersion, m.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.file, err)
	}
	return nil
}

func embeddedSet() ([]migration, error) {
	files, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	out := make([]migration, 0, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(embeddedMigrations, file)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", file, err)
		}
		stmts := statementsOf(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: versionOf(file), file: file, statements: stmts})
	}
	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return out, nil
}

// statementsOf 以分号切分脚本。迁移脚本中不允许出现字符串内的分号。
func statementsOf(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func versionOf(file string) string {
	base := strings.TrimSuffix(file, ".sql")
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
