// Package health 汇总后台任务 (刷新调度、文件监听等) 的存活情况，供 /healthz 使用。
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"proxychain/internal/shared/logger"
)

// Status 是单个后台任务的存活状态
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Probe 检查一个后台任务是否存活，返回 nil 表示正常。
type Probe func(ctx context.Context) error

// Result 是一次检查的结果
type Result struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Checker 负责对已登记的后台任务进行存活检查。
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

// New 创建一个新的 Checker 实例。
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: timeout,
	}
}

// Register 登记一个检查项，同名覆盖。
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Check 并发执行所有检查项，结果按名称排序。
func (c *Checker) Check(ctx context.Context) []Result {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	results := make([]Result, 0, len(probes))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := runProbe(pctx, probe)
			res := Result{Name: name, Status: StatusUp, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = StatusDown
				res.Error = err.Error()
				logger.Debug().Str("task", name).Err(err).Msg("HealthCheck: task is down.")
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(name, probe)
	}

	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Healthy 当所有结果都是 up 时返回 true
func Healthy(results []Result) bool {
	for _, r := range results {
		if r.Status != StatusUp {
			return false
		}
	}
	return true
}

// runProbe 在 ctx 到期时放弃等待卡住的检查项
func runProbe(ctx context.Context, probe Probe) error {
	done := make(chan error, 1)
	go func() { done <- probe(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
