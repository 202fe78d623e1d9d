package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/teamflow/api/handlers"
	"github.com/BaSui01/teamflow/config"
	"github.com/BaSui01/teamflow/graph"
	"github.com/BaSui01/teamflow/internal/database"
	"github.com/BaSui01/teamflow/internal/history"
	"github.com/BaSui01/teamflow/internal/logging"
	"github.com/BaSui01/teamflow/internal/metrics"
	"github.com/BaSui01/teamflow/internal/server"
	"github.com/BaSui01/teamflow/internal/sink"
	"github.com/BaSui01/teamflow/internal/telemetry"
	"github.com/BaSui01/teamflow/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装配置、存储后端、工作流运行器与 HTTP 服务
type Server struct {
	cfg        *config.Config
	configPath string
	levels     *logging.Levels
	logger     *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector

	// 可选后端，未配置时为 nil
	pool    *database.PoolManager
	history *history.Store
	sink    *sink.RedisSink

	runner *workflow.Runner

	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
	watcher        *config.Watcher
}

// NewServer 创建服务器并初始化所有依赖
func NewServer(cfg *config.Config, configPath string, levels *logging.Levels) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		levels:     levels,
		logger:     levels.Logger(logging.RootNamespace + ".server"),
	}

	// 1. 遥测与指标
	providers, err := telemetry.Init(cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.telemetry = providers
	s.collector = metrics.NewCollector("teamflow", s.logger)

	// 2. 存储后端
	s.initHistory()
	s.initSink()

	// 3. 工作流运行器
	if err := s.initRunner(); err != nil {
		s.close()
		return nil, err
	}

	// 4. Handlers
	s.initHandlers()

	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHistory 连接数据库并启用运行历史；失败时降级为禁用
func (s *Server) initHistory() {
	dbCfg := s.cfg.Database
	if dbCfg.Driver == "" {
		s.logger.Info("database not configured, workflow history disabled")
		return
	}

	db, err := database.Open(dbCfg, s.logger)
	if err != nil {
		s.logger.Warn("database not available, workflow history disabled", zap.Error(err))
		return
	}

	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(dbCfg), s.logger,
		database.WithStatsRecorder(s.collector))
	if err != nil {
		s.logger.Warn("database pool init failed, workflow history disabled", zap.Error(err))
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return
	}

	store := history.NewStore(pool.DB(),
		history.WithLogger(s.logger),
		history.WithQueryRecorder(s.collector),
		history.WithTransactor(pool),
	)
	if dbCfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := store.AutoMigrate(ctx)
		cancel()
		if err != nil {
			s.logger.Error("database auto-migrate failed, workflow history disabled", zap.Error(err))
			_ = pool.Close()
			return
		}
	}

	s.pool = pool
	s.history = store
	s.logger.Info("workflow history enabled", zap.String("driver", dbCfg.Driver))
}

// initSink 连接 Redis 并启用事件归档；失败时降级为禁用
func (s *Server) initSink() {
	if s.cfg.Redis.Addr == "" {
		s.logger.Info("redis not configured, event archive disabled")
		return
	}

	rs, err := sink.New(s.cfg.Redis,
		sink.WithLogger(s.logger),
		sink.WithWriteRecorder(s.collector),
	)
	if err != nil {
		s.logger.Warn("redis not available, event archive disabled", zap.Error(err))
		return
	}
	s.sink = rs
	s.logger.Info("event archive enabled", zap.String("addr", s.cfg.Redis.Addr))
}

func (s *Server) initRunner() error {
	g, err := graph.New(s.cfg.Graph, s.levels.Logger(logging.RootNamespace+".graph"))
	if err != nil {
		return fmt.Errorf("failed to create graph: %w", err)
	}

	opts := []workflow.Option{
		workflow.WithLevels(s.levels),
		workflow.WithTracer(s.telemetry.Tracer("teamflow/workflow")),
		workflow.WithMeter(s.telemetry.Meter("teamflow/workflow")),
		workflow.WithObserver(s.collector),
		workflow.WithObserverTimeout(s.cfg.Server.ObserverTimeout),
	}
	// 只在后端存在时注册，避免 nil 指针装进接口
	if s.history != nil {
		opts = append(opts, workflow.WithObserver(s.history))
	}
	if s.sink != nil {
		opts = append(opts, workflow.WithObserver(s.sink))
	}

	s.runner = workflow.NewRunner(g, opts...)
	s.logger.Info("workflow runner initialized", zap.String("graph_mode", s.cfg.Graph.Mode))
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)

	opts := []handlers.WorkflowOption{
		handlers.WithDebugPolicy(s.cfg.Server.AllowClientDebug, s.cfg.Server.DebugRoles),
	}
	if s.history != nil {
		opts = append(opts, handlers.WithRunStore(s.history))
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck(s.pool.Ping))
	}
	if s.sink != nil {
		opts = append(opts, handlers.WithEventArchive(s.sink))
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck(s.sink.Ping))
	}
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		opts = append(opts, handlers.WithAllowedOrigins(originHosts(s.cfg.Server.CORSAllowedOrigins)))
	}

	s.workflowHandler = handlers.NewWorkflowHandler(s.runner, s.logger, opts...)
}

// originHosts 把 CORS 来源（https://app.example.com）转换为 WebSocket 的 host 模式
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/version", "/metrics"}

// routes 注册全部路由并构建中间件链
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(BuildTime, GitCommit))

	s.workflowHandler.Register(mux)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.levels.Logger(logging.RootNamespace + ".http")),
		OTelTracing(s.telemetry.Tracer("teamflow/http")),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	// 认证在限流之前，限流才能按租户区分
	switch {
	case s.cfg.JWT.Enabled:
		middlewares = append(middlewares, JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger))
	case len(s.cfg.Server.APIKeys) > 0:
		middlewares = append(middlewares,
			APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger))
	default:
		s.logger.Warn("no API keys or JWT configured, API is unauthenticated")
	}
	middlewares = append(middlewares,
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, skipAuthPaths, s.logger))

	return Chain(mux, middlewares...)
}

func (s *Server) newHTTPManager(ctx context.Context) *server.Manager {
	return server.NewManager(s.routes(ctx), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		EnableH2C:       s.cfg.Server.TLSCertFile == "",
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}, s.logger)
}

func (s *Server) newMetricsManager() *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动 API、metrics 服务与后台任务，阻塞直到 ctx 结束或任一服务失败
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)

	s.httpManager = s.newHTTPManager(gctx)
	g.Go(func() error {
		return s.httpManager.Run(gctx)
	})

	if s.cfg.Server.MetricsPort > 0 {
		s.metricsManager = s.newMetricsManager()
		g.Go(func() error {
			return s.metricsManager.Run(gctx)
		})
	}

	if s.history != nil && s.cfg.Database.HistoryRetention > 0 {
		g.Go(func() error {
			s.pruneLoop(gctx, s.cfg.Database.HistoryRetention)
			return nil
		})
	}

	s.startWatcher(gctx)

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("history", s.history != nil),
		zap.Bool("event_archive", s.sink != nil),
		zap.Bool("hot_reload", s.watcher != nil),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// startWatcher 配置文件变更时热更新日志级别
func (s *Server) startWatcher(ctx context.Context) {
	if s.configPath == "" {
		return
	}
	w, err := config.NewWatcher(s.configPath, config.WithWatcherLogger(s.logger))
	if err != nil {
		s.logger.Warn("config watcher disabled", zap.Error(err))
		return
	}
	w.OnReload(func(cfg *config.Config) {
		if err := s.levels.ApplyConfig(cfg.Log); err != nil {
			s.logger.Warn("failed to apply log levels", zap.Error(err))
			return
		}
		s.logger.Info("log levels reloaded", zap.String("level", cfg.Log.Level))
	})
	if err := w.Start(ctx); err != nil {
		s.logger.Warn("config watcher disabled", zap.Error(err))
		return
	}
	s.watcher = w
}

// pruneLoop 定期删除超过保留时长的运行记录
func (s *Server) pruneLoop(ctx context.Context, retention time.Duration) {
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.history.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				s.logger.Warn("history prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("history pruned", zap.Int64("rows", n))
			}
		}
	}
}

// close 释放所有后端资源
func (s *Server) close() {
	s.logger.Info("starting graceful shutdown")

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	_ = s.levels.Sync()
	s.logger.Info("graceful shutdown completed")
}
