package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"proxychain/internal/core/query"
	"proxychain/internal/shared/logger"
	"proxychain/internal/shared/types"
)

// Deps 汇集 HTTP 层依赖的各个组件
type Deps struct {
	Query     ProxyQuerier
	Snapshots query.SnapshotSource
	Pool      PoolController
	Verifier  Verifier
	Settings  SettingsStore
	Health    HealthReporter
	Hub       *Hub
	MaxCount  int
}

// Server 是查询接口的 HTTP 服务
type Server struct {
	cfg        types.APIConf
	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg types.APIConf, deps Deps) *Server {
	switch cfg.GinMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.GinMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	h := NewHandler(cfg.PublicHost, deps)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	// 公开接口
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/proxies", h.ListProxies)
		v1.POST("/proxies/refresh", h.RefreshProxies)
	}

	// 管理接口需要认证
	admin := r.Group("/api")
	admin.Use(basicAuthMiddleware(cfg.WebUser, cfg.WebPassword))
	{
		admin.POST("/v1/proxies/verify", h.VerifyProxies)
		admin.GET("/v1/endpoints", h.ListEndpoints)
		if deps.Settings != nil {
			admin.GET("/settings", h.GetSettings)
			admin.GET("/settings/:module", h.GetModuleSettings)
			admin.POST("/settings/:module", h.UpdateSettings)
		}
	}

	if deps.Hub != nil {
		r.GET("/ws", basicAuthMiddleware(cfg.WebUser, cfg.WebPassword), func(c *gin.Context) {
			ServeWs(deps.Hub, c.Writer, c.Request)
		})
	}

	return &Server{
		cfg:    cfg,
		router: r,
		httpServer: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler 返回路由，便于测试直接驱动
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 监听端口并在后台提供服务。监听失败时直接返回错误。
func (s *Server) Start(wg *sync.WaitGroup) (net.Addr, error) {
	l := logger.WithComponent("Web/Server")
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	l.Info().Str("addr", listener.Addr().String()).Msg("Query API is listening.")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return listener.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
