// Package mysql persists escrows, disputes, votes, ledger entries and the
// notification outbox in MySQL.
//
// Every update is a compare-and-set on the version column, and the
// (dispute_id, voter_id) unique key is what makes duplicate votes impossible
// across instances. Events passed to an update are inserted into
// notify_outbox in the same transaction.
package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
)

// Config holds the connection pool settings.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DB owns the connection pool shared by the escrow and dispute stores.
type DB struct {
	db *sql.DB
}

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Migrate applies embedded schema migrations that have not run yet.
func (d *DB) Migrate(ctx context.Context) error {
	return newMigrator().up(ctx, d.db)
}

// Escrows returns the escrow store.
func (d *DB) Escrows() *EscrowStore { return &EscrowStore{db: d.db} }

// Disputes returns the dispute and vote store.
func (d *DB) Disputes() *DisputeStore { return &DisputeStore{db: d.db} }

// Ledger returns the ledger gateway backed by the same pool.
func (d *DB) Ledger() *LedgerGateway { return NewLedgerGateway(d.db) }

// Outbox returns the pending-notification table.
func (d *DB) Outbox() *Outbox { return &Outbox{db: d.db} }

// Close releases the connection pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

func mysqlErrorNumber(err error) uint16 {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number
	}
	return 0
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
