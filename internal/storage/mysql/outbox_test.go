package mysql

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/notify"
)

func TestEscrowUpdateWritesOutboxInSameTransaction(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0)
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(updateEscrowSQL(), mockResult{rowsAffected: 1}),
		execOp(insertOutboxSQL, mockResult{rowsAffected: 1}),
		execOp(insertOutboxSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	e := sampleEscrow()
	e.State = escrow.StateCompleted
	err := NewEscrowStore(db).Update(context.Background(), e,
		notify.EscrowStateChanged(e.ID, string(e.State), at),
		notify.SettlementIssued(e.ID, "e-1:completed", "completed", at),
	)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if e.Version != 2 {
		t.Fatalf("expected version 2, got %d", e.Version)
	}
}

func TestEscrowUpdateConflictRollsBackEvents(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(updateEscrowSQL(), mockResult{rowsAffected: 0}),
		rollbackOp(),
		queryOp(`SELECT state FROM escrows WHERE id = ?`, mockRowsData{
			columns: []string{"state"},
			values:  [][]driver.Value{{"refunded"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	e := sampleEscrow()
	err := NewEscrowStore(db).Update(context.Background(), e, notify.EscrowStateChanged(e.ID, "completed", time.Now()))
	if xerrors.CodeOf(err) != escrow.CodeEscrowVersionConflict || xerrors.StateOf(err) != "refunded" {
		t.Fatalf("expected version conflict carrying state, got %v", err)
	}
}

func TestOutboxPendingAndMarkDelivered(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0).UTC()
	first, err := notify.Encode(notify.EncodingJSON, notify.EscrowStateChanged("e-1", "completed", at))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := notify.Encode(notify.EncodingJSON, notify.DisputeOpened("e-2", "d-1", at))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT payload FROM notify_outbox WHERE delivered_at = 0 ORDER BY seq ASC LIMIT ?`, mockRowsData{
			columns: []string{"payload"},
			values:  [][]driver.Value{{first}, {second}},
		}),
		execOp(`UPDATE notify_outbox SET delivered_at = ? WHERE delivered_at = 0 AND event_key IN (?, ?)`, mockResult{rowsAffected: 2}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	box := NewOutbox(db)
	ctx := context.Background()
	events, err := box.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(events) != 2 || events[0].Key != "e-1:completed" || events[1].Type != notify.TypeDisputeOpened {
		t.Fatalf("unexpected pending events: %+v", events)
	}
	if err := box.MarkDelivered(ctx, events[0].Key, events[1].Key); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := box.MarkDelivered(ctx); err != nil {
		t.Fatalf("empty mark should be a no-op: %v", err)
	}
}

func TestDispatcherDrainsMySQLOutbox(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0).UTC()
	payload, err := notify.Encode(notify.EncodingJSON, notify.EscrowStateChanged("e-1", "refunded", at))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pendingSQL := `SELECT payload FROM notify_outbox WHERE delivered_at = 0 ORDER BY seq ASC LIMIT ?`
	db, drv := newMockDB(t, []mockOperation{
		queryOp(pendingSQL, mockRowsData{columns: []string{"payload"}, values: [][]driver.Value{{payload}}}),
		execOp(`UPDATE notify_outbox SET delivered_at = ? WHERE delivered_at = 0 AND event_key IN (?)`, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	pub := notify.NewMemoryPublisher()
	bus := notify.NewDispatcher(pub, notify.WithOutbox(NewOutbox(db)))
	if err := bus.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if keys := pub.Keys(); len(keys) != 1 || keys[0] != "e-1:refunded" {
		t.Fatalf("unexpected published keys: %v", keys)
	}
}
