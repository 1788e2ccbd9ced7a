package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/notify"
)

const escrowColumns = `id, task_ref, requester, worker, amount, currency, verification_tier, min_verifier_tier,
        state, deadline, appeal_deadline, deliverable_ref, reject_reason, worker_submitted, requester_decided,
        dispute_id, pending_settlement, stuck, created_at, updated_at, settled_at, version`

// EscrowStore implements escrow.Store on MySQL.
type EscrowStore struct {
	db *sql.DB
}

// NewEscrowStore wraps an existing pool.
func NewEscrowStore(db *sql.DB) *EscrowStore {
	return &EscrowStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a new escrow with version 1, together with its events.
func (s *EscrowStore) Create(ctx context.Context, e *escrow.Escrow, events ...notify.Event) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管 ID 不能为空")
	}
	pending, err := marshalNullable(e.Pending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码待结算标记失败")
	}
	e.Version = 1

	const stmt = `INSERT INTO escrows (` + escrowColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err = writeWithEvents(ctx, s.db, events, func(ex execer) error {
		_, err := ex.ExecContext(ctx, stmt,
			e.ID, e.TaskRef, e.Requester, e.Worker, e.Amount, e.Currency, e.VerificationTier, e.MinVerifierTier,
			string(e.State), toNanos(e.Deadline), toNanos(e.AppealDeadline), e.DeliverableRef, e.RejectReason,
			boolToInt(e.WorkerSubmitted), boolToInt(e.RequesterDecided), e.DisputeID, pending, boolToInt(e.Stuck),
			toNanos(e.CreatedAt), toNanos(e.UpdatedAt), toNanos(e.SettledAt), e.Version,
		)
		if err == nil {
			return nil
		}
		if mysqlErrorNumber(err) == errDuplicateEntry {
			return escrow.ErrConflict.With(xerrors.WithMetadata("escrow_id", e.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管失败")
	})
	if err != nil {
		e.Version = 0
		return err
	}
	return nil
}

// Get loads one escrow.
func (s *EscrowStore) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, id)
	e, err := scanEscrow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, escrow.ErrNotFound.With(xerrors.WithMetadata("escrow_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管失败")
	}
	return e, nil
}

// Update writes the escrow when the stored version still matches e.Version.
// Events are recorded in the same transaction.
func (s *EscrowStore) Update(ctx context.Context, e *escrow.Escrow, events ...notify.Event) error {
	pending, err := marshalNullable(e.Pending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码待结算标记失败")
	}

	const stmt = `UPDATE escrows SET worker = ?, state = ?, deadline = ?, appeal_deadline = ?, deliverable_ref = ?,
        reject_reason = ?, worker_submitted = ?, requester_decided = ?, dispute_id = ?, pending_settlement = ?,
        stuck = ?, updated_at = ?, settled_at = ?, version = version + 1
        WHERE id = ? AND version = ?`

	err = writeWithEvents(ctx, s.db, events, func(ex execer) error {
		res, err := ex.ExecContext(ctx, stmt,
			e.Worker, string(e.State), toNanos(e.Deadline), toNanos(e.AppealDeadline), e.DeliverableRef,
			e.RejectReason, boolToInt(e.WorkerSubmitted), boolToInt(e.RequesterDecided), e.DisputeID, pending,
			boolToInt(e.Stuck), toNanos(e.UpdatedAt), toNanos(e.SettledAt),
			e.ID, e.Version,
		)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新托管失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
		}
		if affected == 0 {
			return errNoRowsAffected
		}
		return nil
	})
	if stdErrors.Is(err, errNoRowsAffected) {
		return s.conflict(ctx, e.ID)
	}
	if err != nil {
		return err
	}
	e.Version++
	return nil
}

// conflict distinguishes a missing row from a stale version.
func (s *EscrowStore) conflict(ctx context.Context, id string) error {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM escrows WHERE id = ?`, id).Scan(&state)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return escrow.ErrNotFound.With(xerrors.WithMetadata("escrow_id", id))
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管状态失败")
	}
	return escrow.ErrVersionConflict.With(xerrors.WithState(state), xerrors.WithMetadata("escrow_id", id))
}

// List returns escrows matching opts, newest first, ties broken by id.
func (s *EscrowStore) List(ctx context.Context, opts escrow.ListOptions) ([]*escrow.Escrow, error) {
	opts = escrow.BuildListOptions(func(o *escrow.ListOptions) { *o = opts })

	var (
		where []string
		args  []any
	)
	if len(opts.States) > 0 {
		where = append(where, `state IN (`+placeholders(len(opts.States))+`)`)
		for _, st := range opts.States {
			args = append(args, string(st))
		}
	}
	if opts.Party != "" {
		where = append(where, `(requester = ? OR worker = ?)`)
		args = append(args, opts.Party, opts.Party)
	}
	if opts.PendingOnly {
		where = append(where, `pending_settlement IS NOT NULL`)
	}
	if opts.StuckOnly {
		where = append(where, `stuck = 1`)
	}
	if c := opts.After; c != nil {
		at := toNanos(c.CreatedAt)
		where = append(where, `(created_at < ? OR (created_at = ? AND id > ?))`)
		args = append(args, at, at, c.ID)
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管列表失败")
	}
	defer rows.Close()

	var result []*escrow.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析托管失败")
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历托管失败")
	}
	return result, nil
}

// Close is a no-op; the pool belongs to DB.
func (s *EscrowStore) Close() error { return nil }

func scanEscrow(row rowScanner) (*escrow.Escrow, error) {
	var (
		e                                  escrow.Escrow
		state                              string
		deadline, appeal, created, updated int64
		settled                            int64
		deliverable, reason                sql.NullString
		submitted, decided, stuck          bool
		pending                            []byte
	)
	if err := row.Scan(
		&e.ID, &e.TaskRef, &e.Requester, &e.Worker, &e.Amount, &e.Currency, &e.VerificationTier, &e.MinVerifierTier,
		&state, &deadline, &appeal, &deliverable, &reason, &submitted, &decided,
		&e.DisputeID, &pending, &stuck, &created, &updated, &settled, &e.Version,
	); err != nil {
		return nil, err
	}
	e.State = escrow.State(state)
	e.Deadline = fromNanos(deadline)
	e.AppealDeadline = fromNanos(appeal)
	e.DeliverableRef = deliverable.String
	e.RejectReason = reason.String
	e.WorkerSubmitted = submitted
	e.RequesterDecided = decided
	e.Stuck = stuck
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	e.SettledAt = fromNanos(settled)
	if len(pending) > 0 {
		var p escrow.PendingSettlement
		if err := json.Unmarshal(pending, &p); err != nil {
			return nil, err
		}
		e.Pending = &p
	}
	return &e, nil
}

// marshalNullable encodes v as JSON, or SQL NULL when v is a nil pointer.
func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

var _ escrow.Store = (*EscrowStore)(nil)
