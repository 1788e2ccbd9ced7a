package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
)

// errNoRowsAffected marks a compare-and-set that matched nothing.
var errNoRowsAffected = stdErrors.New("mysql: no rows affected")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertOutboxSQL = `INSERT INTO notify_outbox (event_key, event_type, payload, created_at) VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE event_key = event_key`

// writeWithEvents runs fn directly on the pool when there is nothing to
// record, otherwise inside a transaction that also inserts events into
// notify_outbox. fn's error aborts the transaction unchanged.
func writeWithEvents(ctx context.Context, db *sql.DB, events []notify.Event, fn func(execer) error) error {
	if len(events) == 0 {
		return fn(db)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, evt := range events {
		payload, err := notify.Encode(notify.EncodingJSON, evt)
		if err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码通知事件失败")
		}
		if _, err := tx.ExecContext(ctx, insertOutboxSQL, evt.Key, string(evt.Type), payload, toNanos(evt.OccurredAt)); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记通知事件失败", xerrors.WithMetadata("key", evt.Key))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Outbox implements notify.Outbox on the notify_outbox table.
type Outbox struct {
	db *sql.DB
}

// NewOutbox wraps an existing pool.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// Pending returns undelivered events in insertion order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]notify.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT payload FROM notify_outbox WHERE delivered_at = 0 ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待投递事件失败")
	}
	defer rows.Close()

	var events []notify.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待投递事件失败")
		}
		evt, err := notify.Decode(notify.EncodingJSON, payload)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码待投递事件失败")
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待投递事件失败")
	}
	return events, nil
}

// MarkDelivered stamps delivered_at on the given keys.
func (o *Outbox) MarkDelivered(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, time.Now().UnixNano())
	for _, k := range keys {
		args = append(args, k)
	}
	query := `UPDATE notify_outbox SET delivered_at = ? WHERE delivered_at = 0 AND event_key IN (` + placeholders(len(keys)) + `)`
	if _, err := o.db.ExecContext(ctx, query, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记事件已投递失败")
	}
	return nil
}

var _ notify.Outbox = (*Outbox)(nil)
