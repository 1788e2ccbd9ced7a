package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"AgentEscrow/internal/api"
	"AgentEscrow/internal/config"
	"AgentEscrow/internal/dispute"
	"AgentEscrow/internal/engine"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/identity"
	"AgentEscrow/internal/ledger"
	"AgentEscrow/internal/notify"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/internal/selection"
	"AgentEscrow/internal/settlement"
	"AgentEscrow/internal/storage/mysql"
	redislock "AgentEscrow/internal/storage/redis"
	"AgentEscrow/internal/web3"
	"AgentEscrow/pkg/logger"
)

// App 持有 escrowd 进程内的全部组件。
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	escrows  escrow.Store
	disputes dispute.Store
	ledger   ledger.Gateway
	provider identity.Provider
	beacon   selection.Beacon
	outbox   notify.Outbox
	bus      *notify.Dispatcher
	alerts   *alerting.FanoutDispatcher
	locker   engine.Locker
	engine   *engine.Engine
	server   *api.Server

	closers []io.Closer
}

// New 创建应用实例，组件在 Init 中按依赖顺序构建。
func New(cfg *config.Config) *App {
	return &App{cfg: cfg, logger: logger.Named("escrowd")}
}

// Init 构建全部依赖。失败时已打开的资源由 Close 释放。
func (a *App) Init(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", a.initStorage},
		{"ledger", a.initLedger},
		{"identity", a.initIdentity},
		{"beacon", a.initBeacon},
		{"notify", a.initNotify},
		{"alerting", a.initAlerting},
		{"lock", a.initLocker},
		{"engine", a.initEngine},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("初始化 %s 失败: %w", step.name, err)
		}
	}
	a.server = api.NewServer(a.cfg.Server.Address, a.engine,
		api.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
		api.WithMetrics(a.cfg.Server.MetricsAddress == ""),
	)
	return nil
}

// Run 启动引擎、通知分发与 HTTP 服务，直到 ctx 取消或任一组件失败。
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.bus.Run(ctx) })
	g.Go(func() error { return a.server.Start(ctx) })
	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return metrics.StartServer(ctx, addr) })
	}
	a.logger.Info("escrowd 已启动",
		slog.String("addr", a.cfg.Server.Address),
		slog.String("storage", a.cfg.Storage.Driver),
		slog.String("notify", a.cfg.Notify.Driver),
		slog.String("lock", a.cfg.Lock.Driver),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close 逆序释放资源。通知总线先冲刷剩余事件再关闭。
func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		if err := a.bus.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) initStorage(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "memory":
		outbox := notify.NewMemoryOutbox()
		a.outbox = outbox
		a.escrows = escrow.NewMemoryStore(escrow.WithOutbox(outbox))
		a.disputes = dispute.NewMemoryStore(dispute.WithOutbox(outbox))
		a.ledger = ledger.NewMemoryGateway()
	case "mysql":
		db, err := mysql.Open(ctx, a.cfg.Storage.MySQL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db)
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		a.escrows = db.Escrows()
		a.disputes = db.Disputes()
		a.outbox = db.Outbox()
		a.ledger = db.Ledger()
	default:
		return fmt.Errorf("未知的存储驱动: %s", a.cfg.Storage.Driver)
	}
	return nil
}

// initLedger 为存储层选定的账本套上重试。mysql 驱动下冻结与出账和托管共用同一个库，
// 重启后出账幂等记录仍然有效。
func (a *App) initLedger(context.Context) error {
	if a.ledger == nil {
		return errors.New("存储层未提供账本")
	}
	r := a.cfg.Ledger.Retry
	a.ledger = ledger.NewRetryingGateway(a.ledger, ledger.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.Initial,
		MaxInterval:     r.Max,
	})
	return nil
}

func (a *App) initIdentity(context.Context) error {
	dir := identity.NewDirectory()
	if path := a.cfg.Identity.DirectoryFile; path != "" {
		loaded, err := identity.LoadDirectory(path)
		if err != nil {
			return err
		}
		dir = loaded
	}
	a.provider = identity.NewCachedProvider(dir, a.cfg.Identity.CacheBytes, a.cfg.Identity.CacheTTL)
	return nil
}

func (a *App) initBeacon(ctx context.Context) error {
	switch a.cfg.Beacon.Driver {
	case "random":
		a.beacon = selection.RandomBeacon{}
	case "ethereum":
		b, err := web3.Dial(ctx, a.cfg.Beacon.Ethereum)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closerFunc(func() error { b.Close(); return nil }))
		a.beacon = b
	default:
		return fmt.Errorf("未知的随机源: %s", a.cfg.Beacon.Driver)
	}
	return nil
}

func (a *App) initNotify(context.Context) error {
	nc := a.cfg.Notify
	encoding := notify.Encoding(nc.Encoding)

	var publisher notify.Publisher
	switch nc.Driver {
	case "memory":
		publisher = notify.NewMemoryPublisher()
	case "none":
		publisher = notify.NopPublisher{}
	case "redis":
		p, err := notify.NewRedisPublisher(notify.RedisConfig{
			Address:  nc.Redis.Address,
			Password: nc.Redis.Password,
			DB:       nc.Redis.DB,
			List:     nc.Redis.List,
			Channel:  nc.Redis.Channel,
			Encoding: encoding,
		})
		if err != nil {
			return err
		}
		publisher = p
	case "rabbitmq":
		p, err := notify.NewRabbitMQPublisher(notify.RabbitMQConfig{
			URL:      nc.RabbitMQ.URL,
			Exchange: nc.RabbitMQ.Exchange,
			Queue:    nc.RabbitMQ.Queue,
			Durable:  nc.RabbitMQ.Durable,
			Encoding: encoding,
		})
		if err != nil {
			return err
		}
		publisher = p
	default:
		return fmt.Errorf("未知的通知驱动: %s", nc.Driver)
	}

	a.bus = notify.NewDispatcher(publisher,
		notify.WithRetry(nc.Retry.MaxAttempts, nc.Retry.Initial, nc.Retry.Max),
		notify.WithOutbox(a.outbox),
		notify.WithPollInterval(nc.PollInterval),
	)
	a.closers = append(a.closers, a.bus)
	return nil
}

func (a *App) initAlerting(context.Context) error {
	notifiers := make([]alerting.Notifier, 0, len(a.cfg.Alerting.Channels))
	for _, ch := range a.cfg.Alerting.Channels {
		switch alerting.Channel(ch) {
		case alerting.ChannelAudit:
			notifiers = append(notifiers, &alerting.AuditNotifier{})
		case alerting.ChannelBus:
			notifiers = append(notifiers, &alerting.BusNotifier{Bus: a.bus})
		default:
			return fmt.Errorf("未知的告警渠道: %s", ch)
		}
	}
	a.alerts = alerting.NewFanout(notifiers...)
	return nil
}

func (a *App) initLocker(ctx context.Context) error {
	switch a.cfg.Lock.Driver {
	case "memory":
		a.locker = engine.NewMemoryLocker()
	case "redis":
		l, err := redislock.NewLocker(ctx, a.cfg.Lock.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, l)
		a.locker = l
	default:
		return fmt.Errorf("未知的锁驱动: %s", a.cfg.Lock.Driver)
	}
	return nil
}

func (a *App) initEngine(context.Context) error {
	p := a.cfg.Policy
	tiers, err := dispute.NewPolicyTable(p.Tiers)
	if err != nil {
		return err
	}

	deps := engine.Dependencies{
		Escrows:  a.escrows,
		Disputes: a.disputes,
		Ledger:   a.ledger,
		Selector: selection.NewSelector(a.provider,
			selection.WithMaxConcurrentVerifications(p.MaxConcurrentVerifications),
		),
		Collector: dispute.NewCollector(a.disputes,
			dispute.WithDefaultDecision(p.DefaultDecision),
			dispute.WithEarlyTermination(p.EarlyTerminationEnabled()),
		),
		Distributor: settlement.NewDistributor(settlement.Policy{
			PlatformFeeBps:  p.PlatformFeeBps,
			PlatformAccount: p.PlatformAccount,
		}),
		Beacon: a.beacon,
		Tiers:  tiers,
	}

	policy := engine.DefaultPolicy()
	policy.AppealWindow = p.AppealWindow
	policy.ResolutionWindow = p.ResolutionWindow
	policy.FeeBounds = p.FeeBounds
	policy.AllowRequesterDisputes = p.AllowRequesterDisputes
	if s := p.SelectionRetry; s.MaxAttempts > 0 {
		policy.SelectionRetry = engine.RetrySchedule{MaxAttempts: s.MaxAttempts, Initial: s.Initial, Max: s.Max}
	}
	if s := p.SettlementRetry; s.MaxAttempts > 0 {
		policy.SettlementRetry = engine.RetrySchedule{MaxAttempts: s.MaxAttempts, Initial: s.Initial, Max: s.Max}
	}

	a.engine, err = engine.New(deps,
		engine.WithPolicy(policy),
		engine.WithLocker(a.locker),
		engine.WithAlertDispatcher(a.alerts),
	)
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
