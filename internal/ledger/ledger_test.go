package ledger

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

func TestMemoryGatewayDisburseIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	gw := NewMemoryGateway()
	if err := gw.Hold(ctx, "e-1", 100, "USDC"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	ins := Instruction{
		Key:      InstructionKey("e-1", "completed"),
		EscrowID: "e-1",
		Currency: "USDC",
		Target:   "completed",
		Legs:     []Leg{{To: "worker", Amount: 100}},
	}
	for i := 0; i < 3; i++ {
		if err := gw.Disburse(ctx, ins); err != nil {
			t.Fatalf("disburse #%d: %v", i, err)
		}
	}
	if gw.Issued() != 1 {
		t.Fatalf("expected exactly one executed instruction, got %d", gw.Issued())
	}
	if gw.Balance("worker") != 100 {
		t.Fatalf("worker balance = %d", gw.Balance("worker"))
	}

	refund := ins
	refund.Key = InstructionKey("e-1", "refunded")
	refund.Target = "refunded"
	refund.Legs = []Leg{{To: "requester", Amount: 100}}
	err := gw.Disburse(ctx, refund)
	if !stdErrors.Is(err, ErrDoubleDisbursement) {
		t.Fatalf("expected double disbursement error, got %v", err)
	}
}

func TestMemoryGatewayRejectsUnbalancedLegs(t *testing.T) {
	ctx := context.Background()
	gw := NewMemoryGateway()
	_ = gw.Hold(ctx, "e-2", 50, "USDC")
	err := gw.Disburse(ctx, Instruction{
		Key:      InstructionKey("e-2", "refunded"),
		EscrowID: "e-2",
		Legs:     []Leg{{To: "requester", Amount: 49}},
	})
	if !stdErrors.Is(err, ErrInvalidInstruction) {
		t.Fatalf("expected invalid instruction, got %v", err)
	}
	if held, ok := gw.Held("e-2"); !ok || held != 50 {
		t.Fatalf("hold must survive a rejected instruction, got %d %v", held, ok)
	}
}

func TestRetryingGatewayRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryGateway()
	gw := NewRetryingGateway(mem, RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	mem.FailNextHolds(2)
	if err := gw.Hold(ctx, "e-3", 10, "USDC"); err != nil {
		t.Fatalf("hold should succeed on third attempt: %v", err)
	}

	mem.FailNextDisbursements(5)
	err := gw.Disburse(ctx, Instruction{Key: "e-3:refunded", EscrowID: "e-3", Legs: []Leg{{To: "r", Amount: 10}}})
	if xerrors.CodeOf(err) != CodeDisburseFailed {
		t.Fatalf("expected disburse failure after retries, got %v", err)
	}
	if mem.Attempts() != 3 {
		t.Fatalf("expected 3 attempts, got %d", mem.Attempts())
	}
}

func TestRetryingGatewayDoesNotRetryPermanentErrors(t *testing.T) {
	mem := NewMemoryGateway()
	gw := NewRetryingGateway(mem, RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond})
	err := gw.Disburse(context.Background(), Instruction{Key: "e-4:refunded", EscrowID: "e-4", Legs: []Leg{{To: "r", Amount: 10}}})
	if !stdErrors.Is(err, ErrHoldNotFound) {
		t.Fatalf("expected hold not found, got %v", err)
	}
	if mem.Attempts() != 1 {
		t.Fatalf("permanent errors must not be retried, attempts=%d", mem.Attempts())
	}
}
