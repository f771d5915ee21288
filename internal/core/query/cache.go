package query

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxychain/proxypool/model"
)

// cacheEntry 保存一次非随机查询的结果 id 与过期时间
type cacheEntry struct {
	ids       []string
	expiresAt time.Time
}

// selectionCache 是按规范化过滤条件索引的 TTL 缓存。
type selectionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func newSelectionCache(ttl time.Duration, now func() time.Time) *selectionCache {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &selectionCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

func (c *selectionCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *selectionCache) set(key string, ids []string) cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := cacheEntry{ids: ids, expiresAt: c.now().Add(c.ttl)}
	c.entries[key] = e
	return e
}

func (c *selectionCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *selectionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *selectionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKey 规范化过滤条件: 排序后的协议集合 + 小写国家 + 数量
func cacheKey(protos []model.Protocol, country string, count int) string {
	names := make([]string, len(protos))
	for i, p := range protos {
		names[i] = string(p)
	}
	sort.Strings(names)
	return strings.Join(names, ",") + "|" + strings.ToLower(strings.TrimSpace(country)) + "|" + strconv.Itoa(count)
}
