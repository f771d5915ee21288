package app

import (
	"fmt"
	"strings"
	"time"

	"proxychain/internal/core/ports"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

// newPortAllocator 为每个启用的协议建立端口范围
func newPortAllocator(c types.PoolConf) (*ports.Allocator, error) {
	ranges := make(map[model.Protocol]ports.Range)
	for _, p := range enabledProtocols(c) {
		switch p {
		case model.ProtocolSOCKS5:
			ranges[p] = ports.Range{Base: c.SocksBase, Size: c.SocksSize}
		case model.ProtocolHTTP:
			ranges[p] = ports.Range{Base: c.HTTPBase, Size: c.HTTPSize}
		}
	}
	alloc, err := ports.NewAllocator(ranges)
	if err != nil {
		return nil, fmt.Errorf("failed to create port allocator: %w", err)
	}
	return alloc, nil
}

// enabledProtocols 按配置顺序返回去重后的协议
func enabledProtocols(c types.PoolConf) []model.Protocol {
	seen := make(map[model.Protocol]bool)
	var out []model.Protocol
	for _, raw := range c.Protocols {
		p, ok := model.ParseProtocol(strings.ToLower(strings.TrimSpace(raw)))
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func fetchTimeout(c types.PoolConf) time.Duration {
	if c.FetchTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}
