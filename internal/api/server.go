package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"AgentEscrow/internal/dispute"
	"AgentEscrow/internal/engine"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/pkg/logger"
)

// AgentHeader 携带调用方的代理 ID，由上游鉴权层写入。
const AgentHeader = "X-Agent-ID"

// Service 是 HTTP 层依赖的托管引擎能力。
type Service interface {
	CreateEscrow(ctx context.Context, req engine.CreateRequest) (*escrow.Escrow, error)
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	List(ctx context.Context, opts ...escrow.ListOption) ([]*escrow.Escrow, error)
	AssignWorker(ctx context.Context, escrowID, actor, worker string) (*escrow.Escrow, error)
	SubmitDeliverable(ctx context.Context, escrowID, actor, deliverableRef string) (*escrow.Escrow, error)
	Approve(ctx context.Context, escrowID, actor string) (*escrow.Escrow, error)
	Reject(ctx context.Context, escrowID, actor, reason string) (*escrow.Escrow, error)
	Cancel(ctx context.Context, escrowID, actor string) (*escrow.Escrow, error)
	RaiseDispute(ctx context.Context, escrowID, actor string, req engine.DisputeRequest) (*dispute.Dispute, error)
	RetrySettlement(ctx context.Context, escrowID string) (*escrow.Escrow, error)
	RetrySelection(ctx context.Context, disputeID string) (*dispute.Dispute, error)
	GetDispute(ctx context.Context, id string) (*dispute.Dispute, error)
	CastVote(ctx context.Context, disputeID string, req engine.VoteRequest) (*engine.VoteReceipt, error)
	Votes(ctx context.Context, disputeID string) ([]dispute.Vote, error)
	Tick(ctx context.Context) int
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	svc             Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	exposeMetrics   bool
}

// Option 调整 Server 行为。
type Option func(*Server)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithShutdownTimeout 指定优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMetrics 控制是否在同一端口挂载 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.exposeMetrics = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		svc:             svc,
		logger:          logger.Named("api"),
		shutdownTimeout: 5 * time.Second,
		exposeMetrics:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes 返回完整的路由表。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.exposeMetrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/escrows", s.handleCreateEscrow)
		r.Get("/escrows", s.handleListEscrows)
		r.Route("/escrows/{escrowID}", func(r chi.Router) {
			r.Get("/", s.handleGetEscrow)
			r.Post("/assign", s.handleAssign)
			r.Post("/submit", s.handleSubmit)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
			r.Post("/cancel", s.handleCancel)
			r.Post("/disputes", s.handleRaiseDispute)
			r.Post("/settlement/retry", s.handleRetrySettlement)
		})
		r.Route("/disputes/{disputeID}", func(r chi.Router) {
			r.Get("/", s.handleGetDispute)
			r.Post("/votes", s.handleCastVote)
			r.Get("/votes", s.handleListVotes)
			r.Post("/selection/retry", s.handleRetrySelection)
		})
		r.Post("/tick", s.handleTick)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 按路由模板记录请求指标。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
