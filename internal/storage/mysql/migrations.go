package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"AgentEscrow/deploy/migrations"
)

// schemaLock serializes migrations across escrowd instances starting together.
const (
	schemaLock        = "escrow_schema"
	schemaLockTimeout = 30
)

const createSchemaTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// migration is one embedded schema file.
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// migrator applies the embedded schema files in version order. A file whose
// content changed after it was applied stops the run instead of being skipped.
type migrator struct {
	source fs.ReadFileFS
	now    func() time.Time
}

func newMigrator() *migrator {
	return &migrator{source: migrations.Files, now: time.Now}
}

func (m *migrator) up(ctx context.Context, db *sql.DB) error {
	plan, err := m.plan()
	if err != nil {
		return err
	}

	// GET_LOCK belongs to the session, so the whole run stays on one connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var granted sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, schemaLock, schemaLockTimeout).Scan(&granted); err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !granted.Valid || granted.Int64 != 1 {
		return fmt.Errorf("等待迁移锁超时: %s", schemaLock)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `DO RELEASE_LOCK(?)`, schemaLock)
	}()

	if _, err := conn.ExecContext(ctx, createSchemaTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}

	for _, mig := range plan {
		if sum, ok := applied[mig.version]; ok {
			if sum != mig.checksum {
				return fmt.Errorf("迁移 %s 已应用但文件内容已变化", mig.name)
			}
			continue
		}
		if err := m.apply(ctx, conn, mig); err != nil {
			return err
		}
	}
	return nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询已应用迁移失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析已应用迁移失败: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历已应用迁移失败: %w", err)
	}
	return applied, nil
}

// apply runs one file and records it. MySQL commits DDL implicitly, so the
// transaction only makes the version row atomic with the last statement; every
// statement is written with IF NOT EXISTS and can run again after a failure.
func (m *migrator) apply(ctx context.Context, conn *sql.Conn, mig migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for i, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", mig.name, i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		mig.version, mig.checksum, m.now().UnixNano(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("登记迁移 %s 失败: %w", mig.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mig.name, err)
	}
	return nil
}

// plan reads every *.sql file and orders it by version. Two files with the
// same version are rejected.
func (m *migrator) plan() ([]migration, error) {
	names, err := fs.Glob(m.source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}

	seen := make(map[string]string, len(names))
	plan := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := m.source.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := migrationVersion(name)
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, other, name)
		}
		seen[version] = name
		sum := sha256.Sum256(content)
		plan = append(plan, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].version < plan[j].version })
	return plan, nil
}

// splitStatements drops "--" comment lines and splits on semicolons.
// Statements must not carry semicolons inside string literals.
func splitStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, part := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// migrationVersion is the file name up to the first underscore, e.g. "0002"
// for 0002_ledger.sql.
func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
