// Package alerting 把需要运维介入的事件广播到多个渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
	"AgentEscrow/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAudit Channel = "audit"
	ChannelBus   Channel = "bus"
)

// Event 描述一次需要运维介入的升级事件，例如结算卡住或无法选出仲裁组。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	EscrowID    string
	DisputeID   string
	Attempts    int
	MaxAttempts int
	Metadata    map[string]string
	OccurredAt  time.Time
}

// FromError 根据错误码注册信息构造告警事件。
func FromError(err error, escrowID, disputeID string, attempts, maxAttempts int, at time.Time) Event {
	evt := Event{
		Code:        xerrors.CodeOf(err),
		Severity:    xerrors.SeverityOf(err),
		EscrowID:    escrowID,
		DisputeID:   disputeID,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		OccurredAt:  at,
	}
	if err != nil {
		evt.Message = err.Error()
	}
	if xe, ok := xerrors.From(err); ok {
		evt.Metadata = xe.Metadata()
	}
	return evt
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AuditNotifier 把告警写入审计日志。
type AuditNotifier struct {
	Logger *slog.Logger
}

// Channel 返回审计渠道。
func (n *AuditNotifier) Channel() Channel { return ChannelAudit }

// Notify 写入一条审计记录。
func (n *AuditNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("event", "operator_escalation"),
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("escrow_id", event.EscrowID),
		slog.String("dispute_id", event.DisputeID),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_attempts", event.MaxAttempts),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	l.Error(event.Message, attrs...)
	return nil
}

// Emitter 是通知总线的写入端。
type Emitter interface {
	Emit(events ...notify.Event)
}

// BusNotifier 把告警作为 operator.escalation 事件写入通知总线。
type BusNotifier struct {
	Bus Emitter
}

// Channel 返回总线渠道。
func (n *BusNotifier) Channel() Channel { return ChannelBus }

// Notify 发布升级事件。
func (n *BusNotifier) Notify(_ context.Context, event Event) error {
	if n == nil || n.Bus == nil {
		logger.L().Warn("BusNotifier 未配置通知总线，跳过发送", slog.String("escrow_id", event.EscrowID))
		return nil
	}
	subject := event.DisputeID
	if subject == "" {
		subject = event.EscrowID
	}
	attrs := map[string]string{
		"code":         string(event.Code),
		"severity":     string(event.Severity),
		"message":      event.Message,
		"attempts":     strconv.Itoa(event.Attempts),
		"max_attempts": strconv.Itoa(event.MaxAttempts),
	}
	n.Bus.Emit(notify.Event{
		Key:        notify.IdempotencyKey(subject, "escalation", string(event.Code)),
		Type:       notify.TypeOperatorEscalation,
		EscrowID:   event.EscrowID,
		DisputeID:  event.DisputeID,
		Attributes: attrs,
		OccurredAt: event.OccurredAt,
	})
	return nil
}
