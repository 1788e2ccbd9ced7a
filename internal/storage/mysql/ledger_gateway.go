package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/ledger"
)

// LedgerGateway implements ledger.Gateway on the same MySQL pool as the
// escrow store, so holds and disbursements survive a restart.
//
// Each escrow has at most one row in ledger_disbursements; replaying the same
// instruction key is acknowledged without moving funds again.
type LedgerGateway struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedgerGateway wraps an existing pool.
func NewLedgerGateway(db *sql.DB) *LedgerGateway {
	return &LedgerGateway{db: db, now: time.Now}
}

// Hold records the escrowed amount. A repeated hold with the same amount and
// currency is a no-op.
func (g *LedgerGateway) Hold(ctx context.Context, escrowID string, amount int64, currency string) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO ledger_holds (escrow_id, amount, currency, created_at) VALUES (?, ?, ?, ?)`,
		escrowID, amount, currency, g.now().UnixNano(),
	)
	if err == nil {
		return nil
	}
	if mysqlErrorNumber(err) != errDuplicateEntry {
		return xerrors.Wrap(ledger.CodeHoldFailed, err, "写入冻结记录失败").With(xerrors.WithMetadata("escrow_id", escrowID))
	}

	var (
		held         int64
		heldCurrency string
	)
	if err := g.db.QueryRowContext(ctx,
		`SELECT amount, currency FROM ledger_holds WHERE escrow_id = ?`, escrowID,
	).Scan(&held, &heldCurrency); err != nil {
		return xerrors.Wrap(ledger.CodeHoldFailed, err, "查询冻结记录失败").With(xerrors.WithMetadata("escrow_id", escrowID))
	}
	if held != amount || heldCurrency != currency {
		return ledger.ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "hold mismatch"))
	}
	return nil
}

// Disburse executes the instruction in one transaction: the disbursement row,
// the balance credits and the hold release commit together.
func (g *LedgerGateway) Disburse(ctx context.Context, ins ledger.Instruction) error {
	if err := ins.Validate(); err != nil {
		return err
	}
	legs, err := json.Marshal(ins.Legs)
	if err != nil {
		return ledger.ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "encode legs"))
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(ledger.CodeDisburseFailed, err, "开启出账事务失败")
	}
	if err := g.disburse(ctx, tx, ins, legs); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(ledger.CodeDisburseFailed, err, "提交出账事务失败").With(xerrors.WithMetadata("key", ins.Key))
	}
	return nil
}

func (g *LedgerGateway) disburse(ctx context.Context, tx *sql.Tx, ins ledger.Instruction, legs []byte) error {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT instruction_key FROM ledger_disbursements WHERE escrow_id = ? FOR UPDATE`, ins.EscrowID,
	).Scan(&existing)
	switch {
	case err == nil:
		if existing == ins.Key {
			return nil
		}
		return ledger.ErrDoubleDisbursement.With(xerrors.WithMetadata("existing_key", existing))
	case !stdErrors.Is(err, sql.ErrNoRows):
		return xerrors.Wrap(ledger.CodeDisburseFailed, err, "查询出账记录失败")
	}

	var (
		held     int64
		currency string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT amount, currency FROM ledger_holds WHERE escrow_id = ? FOR UPDATE`, ins.EscrowID,
	).Scan(&held, &currency)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ledger.ErrHoldNotFound.With(xerrors.WithMetadata("escrow_id", ins.EscrowID))
	}
	if err != nil {
		return xerrors.Wrap(ledger.CodeDisburseFailed, err, "查询冻结记录失败")
	}
	if ins.Total() != held {
		return ledger.ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "legs do not sum to held amount"))
	}
	if ins.Currency != "" && ins.Currency != currency {
		return ledger.ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "currency mismatch"))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_disbursements (instruction_key, escrow_id, target, currency, legs, issued_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		ins.Key, ins.EscrowID, ins.Target, currency, legs, g.now().UnixNano(),
	); err != nil {
		return xerrors.Wrap(ledger.CodeDisburseFailed, err, "写入出账记录失败")
	}
	for _, leg := range ins.Legs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_balances (account, currency, amount) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount)`,
			leg.To, currency, leg.Amount,
		); err != nil {
			return xerrors.Wrap(ledger.CodeDisburseFailed, err, "更新入账余额失败").With(xerrors.WithMetadata("to", leg.To))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_holds WHERE escrow_id = ?`, ins.EscrowID); err != nil {
		return xerrors.Wrap(ledger.CodeDisburseFailed, err, "释放冻结记录失败")
	}
	return nil
}

// Balance returns the credited total for an account in one currency.
func (g *LedgerGateway) Balance(ctx context.Context, account, currency string) (int64, error) {
	var amount int64
	err := g.db.QueryRowContext(ctx,
		`SELECT amount FROM ledger_balances WHERE account = ? AND currency = ?`, account, currency,
	).Scan(&amount)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询入账余额失败")
	}
	return amount, nil
}

var _ ledger.Gateway = (*LedgerGateway)(nil)
