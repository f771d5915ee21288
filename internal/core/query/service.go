// Package query 提供对端点注册表的过滤、缓存与随机抽样读取。
package query

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"proxychain/internal/core/registry"
	"proxychain/internal/shared/apperr"
	"proxychain/proxypool/decoder"
	"proxychain/proxypool/model"
)

const DefaultMaxCount = 100

// Filter 是一次查询的条件
type Filter struct {
	Protocols []string // 为空表示全部已启用的协议; 元素可以是逗号分隔的列表
	Country   string
	Count     int
	Random    bool
}

// Meta 描述查询结果
type Meta struct {
	RequestedCount int        `json:"requested_count"`
	ReturnedCount  int        `json:"returned_count"`
	Cached         bool       `json:"cached"`
	CacheExpiresAt *time.Time `json:"cache_expires_at"`
	Random         bool       `json:"random"`
	RefreshedAt    *time.Time `json:"refreshed_at"`
}

// Result 是查询结果
type Result struct {
	Endpoints []*model.Endpoint
	Snapshot  *registry.Snapshot // 用于补充节点信息
	Meta      Meta
}

// SnapshotSource 提供注册表快照
type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

// Refresher 是刷新调度器的手动触发入口
type Refresher interface {
	Trigger()
	RefreshNow(ctx context.Context) error
}

// Options 配置查询服务
type Options struct {
	TTL         time.Duration
	MaxCount    int
	Enabled     []model.Protocol
	LastRefresh func() time.Time
	Now         func() time.Time
	Rand        *rand.Rand
}

// Service 是唯一对外暴露的读取组件。
type Service struct {
	src       SnapshotSource
	refresher Refresher
	opts      Options
	cache     *selectionCache

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New 创建查询服务
func New(src SnapshotSource, refresher Refresher, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if len(opts.Enabled) == 0 {
		opts.Enabled = []model.Protocol{model.ProtocolSOCKS5, model.ProtocolHTTP}
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{
		src:       src,
		refresher: refresher,
		opts:      opts,
		cache:     newSelectionCache(opts.TTL, opts.Now),
		rnd:       rnd,
	}
}

// ParseProtocols 解析协议列表，未知协议返回 INVALID_FILTER。
func ParseProtocols(raw []string) ([]model.Protocol, error) {
	seen := make(map[model.Protocol]bool)
	var out []model.Protocol
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			p, ok := model.ParseProtocol(part)
			if !ok {
				return nil, apperr.New(apperr.CodeInvalidFilter, fmt.Sprintf("unknown protocol %q", part), nil)
			}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// Query 执行一次查询。没有匹配的端点不是错误，只返回空结果。
func (s *Service) Query(f Filter) (Result, error) {
	if f.Count < 1 || f.Count > s.opts.MaxCount {
		return Result{}, apperr.New(apperr.CodeInvalidFilter,
			fmt.Sprintf("count must be between 1 and %d", s.opts.MaxCount), nil)
	}
	protos, err := ParseProtocols(f.Protocols)
	if err != nil {
		return Result{}, err
	}
	if len(protos) == 0 {
		protos = s.opts.Enabled
	}
	country := strings.TrimSpace(f.Country)

	snap := s.src.Snapshot()
	meta := Meta{RequestedCount: f.Count, Random: f.Random, RefreshedAt: s.lastRefresh()}

	if f.Random {
		picked := s.sample(filterEndpoints(snap, protos, country), f.Count)
		meta.ReturnedCount = len(picked)
		return Result{Endpoints: picked, Snapshot: snap, Meta: meta}, nil
	}

	key := cacheKey(protos, country, f.Count)
	if entry, ok := s.cache.get(key); ok {
		hits := make([]*model.Endpoint, 0, len(entry.ids))
		for _, id := range entry.ids {
			if ep, ok := snap.Get(id); ok && ep.State == model.StateRunning {
				hits = append(hits, ep)
			}
		}
		if len(hits) > 0 {
			expires := entry.expiresAt
			meta.Cached = true
			meta.CacheExpiresAt = &expires
			meta.ReturnedCount = len(hits)
			return Result{Endpoints: hits, Snapshot: snap, Meta: meta}, nil
		}
		// 缓存中的端点都已失效，重新计算
		s.cache.invalidate(key)
	}

	matched := filterEndpoints(snap, protos, country)
	if len(matched) == 0 {
		return Result{Endpoints: []*model.Endpoint{}, Snapshot: snap, Meta: meta}, nil
	}
	if len(matched) > f.Count {
		matched = matched[:f.Count]
	}
	ids := make([]string, len(matched))
	for i, ep := range matched {
		ids[i] = ep.ID
	}
	entry := s.cache.set(key, ids)
	expires := entry.expiresAt
	meta.CacheExpiresAt = &expires
	meta.ReturnedCount = len(matched)
	return Result{Endpoints: matched, Snapshot: snap, Meta: meta}, nil
}

// Refresh 手动触发一次刷新; wait 为 true 时等待该轮结束。
func (s *Service) Refresh(ctx context.Context, wait bool) error {
	if s.refresher == nil {
		return fmt.Errorf("refresh is not available")
	}
	if !wait {
		s.refresher.Trigger()
		return nil
	}
	return s.refresher.RefreshNow(ctx)
}

// InvalidateCache 清空选择缓存
func (s *Service) InvalidateCache() {
	s.cache.clear()
}

// CacheSize 返回当前缓存条目数
func (s *Service) CacheSize() int {
	return s.cache.size()
}

func (s *Service) lastRefresh() *time.Time {
	if s.opts.LastRefresh == nil {
		return nil
	}
	t := s.opts.LastRefresh()
	if t.IsZero() {
		return nil
	}
	return &t
}

// sample 无放回地均匀抽取 min(n, len(pool)) 个端点 (部分 Fisher-Yates)
func (s *Service) sample(pool []*model.Endpoint, n int) []*model.Endpoint {
	if n > len(pool) {
		n = len(pool)
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	for i := 0; i < n; i++ {
		j := i + s.rnd.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// filterEndpoints 返回新切片，快照中的端点已按 id 排序。
func filterEndpoints(snap *registry.Snapshot, protos []model.Protocol, country string) []*model.Endpoint {
	allowed := make(map[model.Protocol]bool, len(protos))
	for _, p := range protos {
		allowed[p] = true
	}
	out := make([]*model.Endpoint, 0)
	for _, ep := range snap.Running() {
		if !allowed[ep.Protocol] {
			continue
		}
		if country != "" && !decoder.MatchCountry(country, ep.Country) {
			continue
		}
		out = append(out, ep)
	}
	return out
}
