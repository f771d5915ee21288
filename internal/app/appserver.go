package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"proxychain/internal/core/engine"
	"proxychain/internal/core/health"
	"proxychain/internal/core/ports"
	"proxychain/internal/core/query"
	"proxychain/internal/core/registry"
	"proxychain/internal/service/web"
	"proxychain/internal/shared/globalstate"
	"proxychain/internal/shared/logger"
	"proxychain/internal/shared/settings"
	"proxychain/internal/shared/types"
	"proxychain/proxypool"
	"proxychain/proxypool/scraper"
	"proxychain/proxypool/storage"
	"proxychain/proxypool/validator"
)

const (
	watchDebounce   = 2 * time.Second
	shutdownTimeout = 15 * time.Second
)

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	settingsManager *settings.SettingsManager
	storage         storage.Storage
	catalog         *scraper.Catalog
	registry        *registry.Registry
	allocator       *ports.Allocator
	poolManager     *proxypool.Manager
	queryService    *query.Service
	validator       *validator.Validator
	healthChecker   *health.Checker
	hub             *web.Hub
	webServer       *web.Server
	watcher         *scraper.Watcher

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 根据配置组装所有组件，但不启动任何后台任务。
func New(cfg *types.Config) (*AppServer, error) {
	globalstate.GlobalStatus.Set(globalstate.PhaseInitializing)

	s := &AppServer{cfg: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sm, err := settings.NewSettingsManager(filepath.Join(cfg.CommonConf.DataDir, "settings.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	st, err := storage.Open(cfg.StorageConf)
	if err != nil {
		return nil, fmt.Errorf("failed to open node storage: %w", err)
	}
	s.storage = st

	alloc, err := newPortAllocator(cfg.PoolConf)
	if err != nil {
		st.Close()
		return nil, err
	}
	s.allocator = alloc

	s.registry = registry.New()
	s.hub = web.NewHub()
	s.catalog = scraper.NewCatalog(cfg.SourcesConf, sm, fetchTimeout(cfg.PoolConf))

	s.poolManager = proxypool.NewManager(cfg, proxypool.Deps{
		Sources:        s.catalog,
		Storage:        st,
		Registry:       s.registry,
		Ports:          alloc,
		Launcher:       engine.NewExecLauncher(cfg.EngineConf.Binary),
		StateObservers: []func(engine.StateEvent){s.onStateEvent},
		Observers:      []func(*proxypool.Report){s.onRefresh},
	})

	// 运行时设置变更 (订阅/网页地址) 触发一次刷新
	sm.Register(settings.ModuleSubscriptions, s.poolManager)
	sm.Register(settings.ModulePages, s.poolManager)

	s.queryService = query.New(s.registry, s.poolManager, query.Options{
		TTL:         time.Duration(cfg.PoolConf.CacheTTLSeconds) * time.Second,
		MaxCount:    cfg.PoolConf.MaxQueryCount,
		Enabled:     enabledProtocols(cfg.PoolConf),
		LastRefresh: s.poolManager.LastRefresh,
	})
	s.validator = validator.NewValidator(cfg.VerifyConf)

	s.healthChecker = health.New(2 * time.Second)
	s.healthChecker.Register("scheduler", s.poolManager.Alive)

	if cfg.SourcesConf.Watch {
		w, err := scraper.NewWatcher(s.catalog.WatchedFiles(), watchDebounce, s.poolManager.Trigger)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to create source file watcher. File changes will wait for the next interval.")
		} else if w != nil {
			s.watcher = w
			s.healthChecker.Register("watcher", w.Alive)
		}
	}

	s.webServer = web.NewServer(cfg.APIConf, web.Deps{
		Query:     s.queryService,
		Snapshots: s.registry,
		Pool:      s.poolManager,
		Verifier:  s.validator,
		Settings:  sm,
		Health:    s.healthChecker,
		Hub:       s.hub,
		MaxCount:  cfg.PoolConf.MaxQueryCount,
	})
	return s, nil
}

// Start 启动 Hub、调度器、文件监听与 HTTP 服务。
func (s *AppServer) Start() error {
	logger.Info().Msg("Starting endpoint orchestrator...")

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.ctx)
	}()

	s.poolManager.Start()

	if s.watcher != nil {
		s.watcher.Run(s.ctx)
	}

	addr, err := s.webServer.Start(&s.waitGroup)
	if err != nil {
		return fmt.Errorf("failed to start query API on %s: %w", s.cfg.APIConf.Listen, err)
	}
	logger.Info().Str("addr", addr.String()).Msg("Orchestrator is up.")
	return nil
}

// Run 启动服务并阻塞到 ctx 结束，然后优雅关闭。
func (s *AppServer) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		s.Stop()
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
	return nil
}

// Stop gracefully shuts down the server.
// 先停止接收请求，再停止调度器与所有引擎进程，最后关闭存储。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.webServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly.")
		}
		s.poolManager.Stop(ctx)
		s.cancel()
		if s.watcher != nil {
			s.watcher.Wait()
		}
		s.settingsManager.WaitNotified()
		s.waitGroup.Wait()

		if err := s.storage.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close node storage.")
		}
		logger.Info().Msg("All endpoints stopped. Bye.")
	})
}

// Handler 返回 HTTP 路由，便于集成测试
func (s *AppServer) Handler() http.Handler {
	return s.webServer.Handler()
}
