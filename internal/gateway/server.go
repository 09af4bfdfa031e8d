package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/auth"
	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/metrics"
	"github.com/nao1215/apigw/internal/proxy"
	"github.com/nao1215/apigw/internal/ratelimit"
	"github.com/nao1215/apigw/pkg/middleware"
)

const healthPath = "/health"

// Dependencies は Server が外部とやり取りするための部品。
type Dependencies struct {
	// Store はクレデンシャルからIdentityを引くストア。必須。
	Store identity.Store
	// Ledger はレート制限のカウンター。必須。
	Ledger ratelimit.Ledger
	// Logger はロガー。nilなら出力しない。
	Logger *zap.Logger
	// Metrics はメトリクスの記録先。nilなら記録しない。
	Metrics *metrics.Metrics
	// Transport はバックエンドとの通信に使う。nilなら UpstreamTimeout を使った既定値。
	Transport http.RoundTripper
	// Version は X-Gateway-Version に載せる値。
	Version string
}

// Server はGatewayのHTTPサーバー。
type Server struct {
	// cfg は設定。
	cfg *config.Config
	// engine は公開リスナーのルーター。
	engine *gin.Engine
	// admin は管理用リスナーのルーター。MetricsAddr が空ならnil。
	admin *gin.Engine
	// pipeline は公開リスナーのステージ。
	pipeline Pipeline
	// router はルート表に従ってバックエンドへ転送する。
	router *proxy.Router
	logger *zap.Logger
	// metrics はnilでもよい。
	metrics *metrics.Metrics
	// startedAt は起動時刻。ヘルスチェックの稼働時間に使う。
	startedAt time.Time
	// closers は Close で解放する接続。
	closers []io.Closer
}

// NewServer は Server を組み立てる。
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("identity store が指定されていません")
	}
	if deps.Ledger == nil {
		return nil, errors.New("rate limit ledger が指定されていません")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	table, err := proxy.NewTable(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("ルート表が不正です: %w", err)
	}
	routerOpts := []proxy.Option{
		proxy.WithTimeout(cfg.UpstreamTimeout),
		proxy.WithLogger(logger),
		proxy.WithMetrics(deps.Metrics),
	}
	if deps.Transport != nil {
		routerOpts = append(routerOpts, proxy.WithTransport(deps.Transport))
	}
	if deps.Version != "" {
		routerOpts = append(routerOpts, proxy.WithVersion(deps.Version))
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES が不正です: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		router:    proxy.NewRouter(table, routerOpts...),
		logger:    logger,
		metrics:   deps.Metrics,
		startedAt: time.Now(),
	}

	dispatcher := auth.NewDispatcher(cfg.JWTSecret, deps.Store, logger, deps.Metrics)
	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(deps.Metrics),
		ratelimit.WithFailOpen(cfg.RateLimitFailOpen),
		ratelimit.WithExemptPaths(healthPath),
	}
	if cfg.RateLimitFailOpen {
		limiterOpts = append(limiterOpts, ratelimit.WithFallback(ratelimit.NewFallback(0)))
	}
	limiter := ratelimit.NewLimiter(cfg.Policies, deps.Ledger, limiterOpts...)
	s.pipeline = Pipeline{
		Edge: []Stage{
			{Name: StageMetrics, Handler: deps.Metrics.Middleware()},
			{Name: StageErrors, Handler: apierror.Handler(logger)},
			{Name: StageRecovery, Handler: middleware.Recovery(logger)},
			{Name: StageRequestID, Handler: middleware.RequestID()},
			{Name: StageAccessLog, Handler: middleware.AccessLog(logger, healthPath)},
			{Name: StageSecurityHeaders, Handler: middleware.SecurityHeaders()},
			{Name: StageCORS, Handler: middleware.CORS(cfg.CORSOrigins)},
			{Name: StageBodyLimit, Handler: middleware.BodyLimit(cfg.BodyLimitBytes)},
		},
		Admission: []Stage{
			{Name: StageIdentify, Handler: dispatcher.Identify()},
			{Name: StageRateLimit, Handler: limiter.Middleware()},
		},
	}

	var register *proxy.Router
	if cfg.IdentityServiceURL != "" {
		registerTable, err := proxy.NewTable([]proxy.Route{{
			Name:        "identity",
			Prefix:      "/auth/register",
			Target:      cfg.IdentityServiceURL,
			Description: "Identity registration",
		}})
		if err != nil {
			return nil, fmt.Errorf("IDENTITY_SERVICE_URL が不正です: %w", err)
		}
		register = proxy.NewRouter(registerTable, routerOpts...)
	}

	s.setupRoutes(dispatcher, register)
	if cfg.MetricsAddr != "" {
		s.admin = s.newAdminEngine()
	}
	return s, nil
}

// setupRoutes はルーティングを設定する。
// /health は Admission より前に登録するため、認証もレート制限も通らない。
func (s *Server) setupRoutes(dispatcher *auth.Dispatcher, register *proxy.Router) {
	s.engine.Use(handlers(s.pipeline.Edge)...)
	s.engine.GET(healthPath, s.handleHealth())

	s.engine.Use(handlers(s.pipeline.Admission)...)

	authGroup := s.engine.Group("/auth")
	{
		authGroup.GET("/profile", dispatcher.Require(), s.handleProfile())
		// 登録はIdentityサービスに委譲する（認証不要）
		if register != nil {
			authGroup.POST("/register", register.Dispatch(), register.Forward())
		}
	}

	s.engine.GET("/api/services", dispatcher.Require(), s.handleServices())

	// 上記以外はルート表の接頭辞で転送先を決める
	s.engine.NoRoute(s.router.Dispatch(), dispatcher.Require(), s.router.Forward())
}

func (s *Server) newAdminEngine() *gin.Engine {
	admin := gin.New()
	admin.Use(apierror.Handler(s.logger), middleware.Recovery(s.logger))
	admin.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	admin.GET(healthPath, s.handleHealth())
	return admin
}

// Handler は公開リスナーのハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// AdminHandler は管理用リスナーのハンドラーを返す。MetricsAddr が空ならnil。
func (s *Server) AdminHandler() http.Handler {
	if s.admin == nil {
		return nil
	}
	return s.admin
}

// Pipeline は公開リスナーのステージを返す。
func (s *Server) Pipeline() Pipeline {
	return s.pipeline
}

// Routes はルート表を返す。
func (s *Server) Routes() []proxy.Route {
	return s.router.Table().Routes()
}

// Run は公開リスナーと管理用リスナーを起動し、ctxがキャンセルされたら停止する。
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if s.admin != nil {
		servers = append(servers, &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           s.admin,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("リスナーを起動します", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s での待ち受けに失敗: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Info("シャットダウンします", zap.Duration("timeout", s.cfg.ShutdownTimeout))
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s の停止に失敗: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close は Server が保持する接続を解放する。
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
