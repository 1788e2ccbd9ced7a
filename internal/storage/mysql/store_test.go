package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentEscrow/internal/dispute"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/ledger"
)

func TestEscrowStoreCreateAndDuplicate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertEscrowSQL(), mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertEscrowSQL(), err: &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewEscrowStore(db)
	e := sampleEscrow()
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}

	dup := sampleEscrow()
	err := store.Create(context.Background(), dup)
	if xerrors.CodeOf(err) != escrow.CodeEscrowConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestEscrowStoreGetDecodesPendingSettlement(t *testing.T) {
	t.Parallel()

	pending, _ := json.Marshal(escrow.PendingSettlement{
		Target:   escrow.StateCompleted,
		Key:      "e-1:completed",
		Legs:     []ledger.Leg{{To: "worker", Amount: 100}},
		Attempts: 2,
	})
	created := time.Unix(1700000000, 0).UnixNano()
	rows := mockRowsData{
		columns: strings.Split(strings.Join(strings.Fields(escrowColumns), ""), ","),
		values: [][]driver.Value{{
			"e-1", "task-1", "req", "wrk", int64(100), "USD", "standard", int64(2),
			"awaiting_confirmation", created + int64(time.Hour), int64(0), "ipfs://out", nil, int64(1), int64(0),
			"", pending, int64(0), created, created, int64(0), int64(3),
		}},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, rows),
		queryOp(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`, mockRowsData{columns: rows.columns}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewEscrowStore(db)
	e, err := store.Get(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if e.State != escrow.StateAwaitingConfirmation || !e.WorkerSubmitted || e.RequesterDecided {
		t.Fatalf("unexpected escrow: %+v", e)
	}
	if e.Pending == nil || e.Pending.Key != "e-1:completed" || e.Pending.Attempts != 2 {
		t.Fatalf("pending settlement not decoded: %+v", e.Pending)
	}
	if !e.SettledAt.IsZero() || e.Version != 3 {
		t.Fatalf("unexpected settled_at/version: %v %d", e.SettledAt, e.Version)
	}

	if _, err := store.Get(context.Background(), "missing"); xerrors.CodeOf(err) != escrow.CodeEscrowNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEscrowStoreUpdateVersionConflict(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(updateEscrowSQL(), mockResult{rowsAffected: 0}),
		queryOp(`SELECT state FROM escrows WHERE id = ?`, mockRowsData{
			columns: []string{"state"},
			values:  [][]driver.Value{{"completed"}},
		}),
		execOp(updateEscrowSQL(), mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewEscrowStore(db)
	e := sampleEscrow()
	e.Version = 4
	err := store.Update(context.Background(), e)
	if xerrors.CodeOf(err) != escrow.CodeEscrowVersionConflict || xerrors.StateOf(err) != "completed" {
		t.Fatalf("expected version conflict carrying state, got %v", err)
	}
	if e.Version != 4 {
		t.Fatalf("version must not change on conflict")
	}

	if err := store.Update(context.Background(), e); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if e.Version != 5 {
		t.Fatalf("expected version 5, got %d", e.Version)
	}
}

func TestDisputeStoreVotes(t *testing.T) {
	t.Parallel()

	submitted := time.Unix(1700000100, 0)
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertVoteSQL(), mockResult{lastInsertID: 7, rowsAffected: 1}),
		{typ: opExec, query: insertVoteSQL(), err: &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}},
		queryOp(`SELECT seq, dispute_id, voter_id, decision, confidence, reasoning, submitted_at
        FROM dispute_votes WHERE dispute_id = ? ORDER BY seq ASC`, mockRowsData{
			columns: []string{"seq", "dispute_id", "voter_id", "decision", "confidence", "reasoning", "submitted_at"},
			values:  [][]driver.Value{{int64(7), "d-1", "v-1", "pay_worker", int64(90), nil, submitted.UnixNano()}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewDisputeStore(db)
	vote := &dispute.Vote{DisputeID: "d-1", VoterID: "v-1", Decision: dispute.DecisionPayWorker, Confidence: 90, SubmittedAt: submitted}
	if err := store.InsertVote(context.Background(), vote); err != nil {
		t.Fatalf("insert vote failed: %v", err)
	}
	if vote.Seq != 7 {
		t.Fatalf("expected seq 7, got %d", vote.Seq)
	}

	again := *vote
	if err := store.InsertVote(context.Background(), &again); xerrors.CodeOf(err) != dispute.CodeDuplicateVote {
		t.Fatalf("expected duplicate vote, got %v", err)
	}

	votes, err := store.Votes(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("votes failed: %v", err)
	}
	if len(votes) != 1 || votes[0].Decision != dispute.DecisionPayWorker || !votes[0].SubmittedAt.Equal(submitted) {
		t.Fatalf("unexpected votes: %+v", votes)
	}
}

func TestDisputeStoreCreateExists(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertDisputeSQL(), err: &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := NewDisputeStore(db).Create(context.Background(), &dispute.Dispute{ID: "d-2", EscrowID: "e-1", Status: dispute.StatusOpen})
	if xerrors.CodeOf(err) != dispute.CodeDisputeExists {
		t.Fatalf("expected dispute exists, got %v", err)
	}
}

func TestMySQLRoundTrip(t *testing.T) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := sampleEscrow()
	e.ID = fmt.Sprintf("it-%d", time.Now().UnixNano())
	if err := db.Escrows().Create(ctx, e); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	d := &dispute.Dispute{ID: e.ID + "-d", EscrowID: e.ID, Initiator: e.Worker, FeeRate: 5, VerificationTier: "standard", Status: dispute.StatusOpen, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt}
	if err := db.Disputes().Create(ctx, d); err != nil {
		t.Fatalf("create dispute: %v", err)
	}
	second := *d
	second.ID = e.ID + "-d2"
	if err := db.Disputes().Create(ctx, &second); xerrors.CodeOf(err) != dispute.CodeDisputeExists {
		t.Fatalf("expected one dispute per escrow, got %v", err)
	}
	v := &dispute.Vote{DisputeID: d.ID, VoterID: "v-1", Decision: dispute.DecisionRefundRequester, SubmittedAt: time.Now()}
	if err := db.Disputes().InsertVote(ctx, v); err != nil {
		t.Fatalf("insert vote: %v", err)
	}
	dup := *v
	if err := db.Disputes().InsertVote(ctx, &dup); xerrors.CodeOf(err) != dispute.CodeDuplicateVote {
		t.Fatalf("expected duplicate vote, got %v", err)
	}

	// 账本记录在新的连接池上仍然有效，重放同一指令不会重复入账。
	if err := db.Ledger().Hold(ctx, e.ID, e.Amount, e.Currency); err != nil {
		t.Fatalf("hold: %v", err)
	}
	ins := ledger.Instruction{Key: e.ID + ":completed", EscrowID: e.ID, Currency: e.Currency, Target: "completed",
		Legs: []ledger.Leg{{To: e.ID + "-worker", Amount: e.Amount}}}
	if err := db.Ledger().Disburse(ctx, ins); err != nil {
		t.Fatalf("disburse: %v", err)
	}
	reopened, err := Open(ctx, Config{DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Ledger().Disburse(ctx, ins); err != nil {
		t.Fatalf("replay after reopen: %v", err)
	}
	refund := ins
	refund.Key = e.ID + ":refunded"
	if err := reopened.Ledger().Disburse(ctx, refund); xerrors.CodeOf(err) != ledger.CodeDoubleDisburse {
		t.Fatalf("expected double disbursement, got %v", err)
	}
	if got, err := reopened.Ledger().Balance(ctx, e.ID+"-worker", e.Currency); err != nil || got != e.Amount {
		t.Fatalf("expected balance %d, got %d (%v)", e.Amount, got, err)
	}
}

func sampleEscrow() *escrow.Escrow {
	now := time.Unix(1700000000, 0).UTC()
	return &escrow.Escrow{
		ID:               "e-1",
		TaskRef:          "task-1",
		Requester:        "req",
		Worker:           "wrk",
		Amount:           100,
		Currency:         "USD",
		VerificationTier: "standard",
		MinVerifierTier:  2,
		State:            escrow.StateActive,
		Deadline:         now.Add(time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func insertEscrowSQL() string {
	return `INSERT INTO escrows (` + escrowColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func updateEscrowSQL() string {
	return `UPDATE escrows SET worker = ?, state = ?, deadline = ?, appeal_deadline = ?, deliverable_ref = ?,
        reject_reason = ?, worker_submitted = ?, requester_decided = ?, dispute_id = ?, pending_settlement = ?,
        stuck = ?, updated_at = ?, settled_at = ?, version = version + 1
        WHERE id = ? AND version = ?`
}

func insertDisputeSQL() string {
	return `INSERT INTO disputes (` + disputeColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func insertVoteSQL() string {
	return `INSERT INTO dispute_votes (dispute_id, voter_id, decision, confidence, reasoning, submitted_at)
        VALUES (?, ?, ?, ?, ?, ?)`
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

// scriptedDriver replays a fixed sequence of operations and fails on anything unexpected.
type scriptedDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *scriptedDriver) {
	t.Helper()

	drv := &scriptedDriver{ops: ops}
	name := fmt.Sprintf("scripted-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *scriptedDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *scriptedDriver) Open(string) (driver.Conn, error) {
	return &scriptedConn{driver: d}, nil
}

func (d *scriptedDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type scriptedConn struct {
	driver *scriptedDriver
}

func (c *scriptedConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *scriptedConn) Close() error { return nil }

func (c *scriptedConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptedConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &scriptedTx{driver: c.driver}, nil
}

func (c *scriptedConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *scriptedConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *scriptedConn) Ping(context.Context) error { return nil }

type scriptedTx struct {
	driver *scriptedDriver
}

func (t *scriptedTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *scriptedTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
