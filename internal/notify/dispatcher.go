package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"AgentEscrow/pkg/logger"
)

// outboxBatch 是单次从 Outbox 读取的事件数量。
const outboxBatch = 100

// Dispatcher 把核心产生的事件异步发布，失败时按指数退避重投。
//
// 业务事件来自 Outbox，发布成功后才标记为已投递；Emit 写入的进程内队列只承载运维告警。
// 两条来源都不会丢弃事件，未发布成功的事件留待下一次冲刷。
type Dispatcher struct {
	publisher Publisher
	outbox    Outbox
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}

	flushMu      sync.Mutex
	maxAttempts  int
	initial      time.Duration
	maxInterval  time.Duration
	pollInterval time.Duration
}

// DispatcherOption 配置 Dispatcher。
type DispatcherOption func(*Dispatcher)

// WithRetry 设置单次冲刷中每个事件的最大尝试次数与退避区间。
func WithRetry(maxAttempts int, initial, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if initial > 0 {
			d.initial = initial
		}
		if max > 0 {
			d.maxInterval = max
		}
	}
}

// WithOutbox 设置业务事件的来源。
func WithOutbox(o Outbox) DispatcherOption {
	return func(d *Dispatcher) {
		if o != nil {
			d.outbox = o
		}
	}
}

// WithPollInterval 设置 Run 轮询 Outbox 的间隔。
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithLogger 替换组件日志。
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher 创建事件分发器。
func NewDispatcher(publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	d := &Dispatcher{
		publisher:    publisher,
		logger:       logger.Named("notify"),
		signal:       make(chan struct{}, 1),
		maxAttempts:  5,
		initial:      100 * time.Millisecond,
		maxInterval:  5 * time.Second,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit 将事件加入发送队列。
func (d *Dispatcher) Emit(events ...Event) {
	if d == nil || len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Pending 返回尚未发布成功的事件数量。
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Flush 先按登记顺序发布 Outbox 中的事件，再发布进程内队列。
// 某个事件重试耗尽后，它和后续事件保留在原处并返回错误。
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if err := d.drainOutbox(ctx); err != nil {
		return err
	}
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return nil
		}
		evt := d.queue[0]
		d.mu.Unlock()

		if err := d.publish(ctx, evt); err != nil {
			return err
		}

		d.mu.Lock()
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()
	}
}

func (d *Dispatcher) drainOutbox(ctx context.Context) error {
	if d.outbox == nil {
		return nil
	}
	for {
		batch, err := d.outbox.Pending(ctx, outboxBatch)
		if err != nil {
			return err
		}
		for _, evt := range batch {
			if err := d.publish(ctx, evt); err != nil {
				return err
			}
			if err := d.outbox.MarkDelivered(ctx, evt.Key); err != nil {
				return err
			}
		}
		if len(batch) < outboxBatch {
			return nil
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, evt Event) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.initial
	exp.MaxInterval = d.maxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.maxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		return d.publisher.Publish(ctx, evt)
	}, policy, func(err error, wait time.Duration) {
		d.logger.Warn("事件发布失败，准备重试",
			slog.String("key", evt.Key),
			slog.String("type", string(evt.Type)),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
}

// Run 持续冲刷直到 ctx 结束。启动时先补发上次进程遗留在 Outbox 中的事件，
// 之后按轮询间隔或 Emit 信号冲刷；失败时等待下一轮再重试。
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		if err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("事件发布重试耗尽，保留在队列中", slog.Int("pending", d.Pending()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.signal:
		case <-ticker.C:
		}
	}
}

// Close 关闭底层 Publisher。
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	return d.publisher.Close()
}
