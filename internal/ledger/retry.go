package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"
)

// RetryPolicy 控制单次调用内的快速重试。更长的故障由调用方调度重放。
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 50 * time.Millisecond
	}
	exp.MaxInterval = p.MaxInterval
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Second
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// RetryingGateway 在可重试错误上按指数退避重放账本调用。
type RetryingGateway struct {
	next   Gateway
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryingGateway 包装一个 Gateway。
func NewRetryingGateway(next Gateway, policy RetryPolicy) *RetryingGateway {
	return &RetryingGateway{next: next, policy: policy, logger: logger.Named("ledger")}
}

// Hold 实现 Gateway 接口。
func (g *RetryingGateway) Hold(ctx context.Context, escrowID string, amount int64, currency string) error {
	return g.retry(ctx, "hold", escrowID, func() error {
		return g.next.Hold(ctx, escrowID, amount, currency)
	})
}

// Disburse 实现 Gateway 接口。
func (g *RetryingGateway) Disburse(ctx context.Context, ins Instruction) error {
	return g.retry(ctx, "disburse", ins.EscrowID, func() error {
		return g.next.Disburse(ctx, ins)
	})
}

func (g *RetryingGateway) retry(ctx context.Context, op, escrowID string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, g.policy.backOff(ctx), func(err error, wait time.Duration) {
		g.logger.Warn("账本调用失败，准备重试",
			slog.String("op", op),
			slog.String("escrow_id", escrowID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
}

var _ Gateway = (*RetryingGateway)(nil)
