package app

import (
	"proxychain/internal/core/engine"
	"proxychain/internal/shared/logger"
	"proxychain/proxypool"
	"proxychain/proxypool/model"
)

// onStateEvent 把端点状态变化推送给 WebSocket 客户端。
// 进入 STOPPED 时额外记录一条警告，便于在日志中追踪失效的端点。
func (s *AppServer) onStateEvent(ev engine.StateEvent) {
	if ev.To == model.StateStopped && ev.From != model.StateStopped {
		l := logger.WithComponent("App")
		l.Warn().
			Str("endpoint_id", ev.EndpointID).
			Int("port", ev.Port).
			Int("failures", ev.Failures).
			Str("reason", ev.Reason).
			Msg("Endpoint stopped.")
	}
	s.hub.OnStateEvent(ev)
}

// onRefresh 在一轮刷新完成后广播结果
func (s *AppServer) onRefresh(r *proxypool.Report) {
	s.hub.OnRefresh(r)
	l := logger.WithComponent("App")
	l.Debug().
		Int("endpoints", s.registry.Snapshot().CountByState()[model.StateRunning]).
		Int("cached_selections", s.queryService.CacheSize()).
		Msg("Refresh published.")
}
