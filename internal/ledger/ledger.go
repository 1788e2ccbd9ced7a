// Package ledger 定义托管核心与外部账本之间的资金指令契约。
//
// 账本本身属于外部协作方，核心只负责下达 hold 与 disburse 指令并等待确认。
// disburse 以 escrowID + 终态 作为幂等键，崩溃后重放同一指令不会重复出账。
package ledger

import (
	"context"
	"fmt"

	xerrors "AgentEscrow/internal/errors"
)

// Leg 表示一笔出账明细。
type Leg struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// Instruction 描述一次终态出账指令。
type Instruction struct {
	Key      string `json:"key"`
	EscrowID string `json:"escrow_id"`
	Currency string `json:"currency"`
	Target   string `json:"target"`
	Legs     []Leg  `json:"legs"`
}

// Total 返回全部出账明细之和。
func (i Instruction) Total() int64 {
	var total int64
	for _, leg := range i.Legs {
		total += leg.Amount
	}
	return total
}

// Gateway 是账本协作方需要提供的能力。返回 nil 即视为 Ack。
type Gateway interface {
	Hold(ctx context.Context, escrowID string, amount int64, currency string) error
	Disburse(ctx context.Context, instruction Instruction) error
}

// InstructionKey 根据托管 ID 与目标终态生成幂等键。
func InstructionKey(escrowID, target string) string {
	return fmt.Sprintf("%s:%s", escrowID, target)
}

const (
	CodeHoldFailed      xerrors.Code = "LEDGER_HOLD_FAILED"
	CodeDisburseFailed  xerrors.Code = "LEDGER_DISBURSE_FAILED"
	CodeInstructionBad  xerrors.Code = "LEDGER_INSTRUCTION_INVALID"
	CodeDoubleDisburse  xerrors.Code = "LEDGER_DOUBLE_DISBURSE"
	CodeHoldNotFound    xerrors.Code = "LEDGER_HOLD_NOT_FOUND"
	CodeGatewayDisabled xerrors.Code = "LEDGER_UNAVAILABLE"
)

var (
	// ErrHoldFailed 表示账本未能冻结资金。
	ErrHoldFailed = xerrors.New(CodeHoldFailed, "账本冻结资金失败")
	// ErrDisburseFailed 表示账本未能执行出账。
	ErrDisburseFailed = xerrors.New(CodeDisburseFailed, "账本出账失败")
	// ErrInvalidInstruction 表示指令金额或明细不合法。
	ErrInvalidInstruction = xerrors.New(CodeInstructionBad, "出账指令不合法")
	// ErrDoubleDisbursement 表示同一托管已经以不同的终态出过账。
	ErrDoubleDisbursement = xerrors.New(CodeDoubleDisburse, "托管已出账，拒绝第二条终态指令")
	// ErrHoldNotFound 表示出账前没有找到对应的冻结记录。
	ErrHoldNotFound = xerrors.New(CodeHoldNotFound, "未找到冻结记录")
)

func init() {
	xerrors.Register(CodeHoldFailed, xerrors.Attributes{
		Message:   "ledger hold failed",
		Kind:      xerrors.KindResource,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeDisburseFailed, xerrors.Attributes{
		Message:   "ledger disbursement failed",
		Kind:      xerrors.KindResource,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeInstructionBad, xerrors.Attributes{
		Message:  "invalid ledger instruction",
		Kind:     xerrors.KindInternal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeDoubleDisburse, xerrors.Attributes{
		Message:  "double disbursement refused",
		Kind:     xerrors.KindStateConflict,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeHoldNotFound, xerrors.Attributes{
		Message:  "hold not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeGatewayDisabled, xerrors.Attributes{
		Message:   "ledger gateway unavailable",
		Kind:      xerrors.KindResource,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Validate 检查指令的基本约束。
func (i Instruction) Validate() error {
	if i.Key == "" || i.EscrowID == "" {
		return ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "missing key"))
	}
	if len(i.Legs) == 0 {
		return ErrInvalidInstruction.With(xerrors.WithMetadata("reason", "no legs"))
	}
	for _, leg := range i.Legs {
		if leg.To == "" || leg.Amount <= 0 {
			return ErrInvalidInstruction.With(
				xerrors.WithMetadata("reason", "bad leg"),
				xerrors.WithMetadata("to", leg.To),
			)
		}
	}
	return nil
}
