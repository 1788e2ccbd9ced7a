package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
)

const disputeColumns = `id, escrow_id, initiator, reason, fee_rate, verification_tier, min_verifier_tier, status,
        seed_entropy, selection_attempts, next_selection_at, quorum, resolution, resolution_deadline,
        created_at, updated_at, version`

// DisputeStore implements dispute.Store on MySQL.
type DisputeStore struct {
	db *sql.DB
}

// NewDisputeStore wraps an existing pool.
func NewDisputeStore(db *sql.DB) *DisputeStore {
	return &DisputeStore{db: db}
}

// Create inserts a dispute. The unique key on escrow_id enforces one dispute per escrow.
func (s *DisputeStore) Create(ctx context.Context, d *dispute.Dispute) error {
	if d == nil || strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.EscrowID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "争议 ID 与托管 ID 不能为空")
	}
	quorum, err := marshalNullable(d.Quorum)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码仲裁组失败")
	}
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码裁决失败")
	}
	d.Version = 1

	const stmt = `INSERT INTO disputes (` + disputeColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		d.ID, d.EscrowID, d.Initiator, d.Reason, d.FeeRate, d.VerificationTier, d.MinVerifierTier, string(d.Status),
		d.SeedEntropy, d.SelectionAttempts, toNanos(d.NextSelectionAt), quorum, resolution, toNanos(d.ResolutionDeadline),
		toNanos(d.CreatedAt), toNanos(d.UpdatedAt), d.Version,
	)
	if err != nil {
		d.Version = 0
		switch mysqlErrorNumber(err) {
		case errDuplicateEntry:
			return dispute.ErrExists.With(xerrors.WithMetadata("escrow_id", d.EscrowID))
		case errNoReferencedRow:
			return xerrors.New(xerrors.CodeNotFound, "托管不存在").With(xerrors.WithMetadata("escrow_id", d.EscrowID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入争议失败")
	}
	return nil
}

// Get loads a dispute by id.
func (s *DisputeStore) Get(ctx context.Context, id string) (*dispute.Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id)
	return s.one(row, "dispute_id", id)
}

// GetByEscrow loads the dispute raised on an escrow.
func (s *DisputeStore) GetByEscrow(ctx context.Context, escrowID string) (*dispute.Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = ?`, escrowID)
	return s.one(row, "escrow_id", escrowID)
}

func (s *DisputeStore) one(row *sql.Row, key, value string) (*dispute.Dispute, error) {
	d, err := scanDispute(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, dispute.ErrNotFound.With(xerrors.WithMetadata(key, value))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询争议失败")
	}
	return d, nil
}

// Update writes the dispute when the stored version still matches.
// Events are recorded in the same transaction.
func (s *DisputeStore) Update(ctx context.Context, d *dispute.Dispute, events ...notify.Event) error {
	quorum, err := marshalNullable(d.Quorum)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码仲裁组失败")
	}
	resolution, err := marshalNullable(d.Resolution)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码裁决失败")
	}

	const stmt = `UPDATE disputes SET status = ?, seed_entropy = ?, selection_attempts = ?, next_selection_at = ?,
        quorum = ?, resolution = ?, resolution_deadline = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?`

	err = writeWithEvents(ctx, s.db, events, func(ex execer) error {
		res, err := ex.ExecContext(ctx, stmt,
			string(d.Status), d.SeedEntropy, d.SelectionAttempts, toNanos(d.NextSelectionAt),
			quorum, resolution, toNanos(d.ResolutionDeadline), toNanos(d.UpdatedAt),
			d.ID, d.Version,
		)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新争议失败")
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
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = ?`, d.ID).Scan(&status)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return dispute.ErrNotFound.With(xerrors.WithMetadata("dispute_id", d.ID))
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询争议状态失败")
		}
		return dispute.ErrVersionConflict.With(xerrors.WithState(status), xerrors.WithMetadata("dispute_id", d.ID))
	}
	if err != nil {
		return err
	}
	d.Version++
	return nil
}

// ListByStatus returns disputes in the given statuses, oldest first.
func (s *DisputeStore) ListByStatus(ctx context.Context, statuses ...dispute.Status) ([]*dispute.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询争议列表失败")
	}
	defer rows.Close()

	var result []*dispute.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析争议失败")
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历争议失败")
	}
	return result, nil
}

// InsertVote records a vote and its events. The unique key rejects a second
// vote from the same voter.
func (s *DisputeStore) InsertVote(ctx context.Context, v *dispute.Vote, events ...notify.Event) error {
	const stmt = `INSERT INTO dispute_votes (dispute_id, voter_id, decision, confidence, reasoning, submitted_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	var seq int64
	err := writeWithEvents(ctx, s.db, events, func(ex execer) error {
		res, err := ex.ExecContext(ctx, stmt,
			v.DisputeID, v.VoterID, string(v.Decision), v.Confidence, v.Reasoning, toNanos(v.SubmittedAt),
		)
		if err != nil {
			switch mysqlErrorNumber(err) {
			case errDuplicateEntry:
				return dispute.ErrDuplicateVote.With(xerrors.WithMetadata("voter_id", v.VoterID))
			case errNoReferencedRow:
				return dispute.ErrNotFound.With(xerrors.WithMetadata("dispute_id", v.DisputeID))
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入投票失败")
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取投票序号失败")
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.Seq = seq
	return nil
}

// Votes returns all votes on a dispute in insertion order.
func (s *DisputeStore) Votes(ctx context.Context, disputeID string) ([]dispute.Vote, error) {
	const query = `SELECT seq, dispute_id, voter_id, decision, confidence, reasoning, submitted_at
        FROM dispute_votes WHERE dispute_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, disputeID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询投票失败")
	}
	defer rows.Close()

	var votes []dispute.Vote
	for rows.Next() {
		var (
			v         dispute.Vote
			decision  string
			reasoning sql.NullString
			submitted int64
		)
		if err := rows.Scan(&v.Seq, &v.DisputeID, &v.VoterID, &decision, &v.Confidence, &reasoning, &submitted); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投票失败")
		}
		v.Decision = dispute.Decision(decision)
		v.Reasoning = reasoning.String
		v.SubmittedAt = fromNanos(submitted)
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投票失败")
	}
	return votes, nil
}

// Close is a no-op; the pool belongs to DB.
func (s *DisputeStore) Close() error { return nil }

func scanDispute(row rowScanner) (*dispute.Dispute, error) {
	var (
		d                       dispute.Dispute
		status                  string
		reason                  sql.NullString
		nextSelection, deadline int64
		created, updated        int64
		quorum, resolution      []byte
	)
	if err := row.Scan(
		&d.ID, &d.EscrowID, &d.Initiator, &reason, &d.FeeRate, &d.VerificationTier, &d.MinVerifierTier, &status,
		&d.SeedEntropy, &d.SelectionAttempts, &nextSelection, &quorum, &resolution, &deadline,
		&created, &updated, &d.Version,
	); err != nil {
		return nil, err
	}
	d.Status = dispute.Status(status)
	d.Reason = reason.String
	d.NextSelectionAt = fromNanos(nextSelection)
	d.ResolutionDeadline = fromNanos(deadline)
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	if len(quorum) > 0 {
		var q dispute.Quorum
		if err := json.Unmarshal(quorum, &q); err != nil {
			return nil, err
		}
		d.Quorum = &q
	}
	if len(resolution) > 0 {
		var r dispute.Resolution
		if err := json.Unmarshal(resolution, &r); err != nil {
			return nil, err
		}
		d.Resolution = &r
	}
	return &d, nil
}

var _ dispute.Store = (*DisputeStore)(nil)
