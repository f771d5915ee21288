// Package proxypool 是端点池的总控制器: 周期性地从各来源收集节点，
// 与注册表做差异比较，为新节点开端口、拉起引擎，为消失的节点回收端点。
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proxychain/internal/core/engine"
	"proxychain/internal/core/ports"
	"proxychain/internal/core/registry"
	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/globalstate"
	"proxychain/internal/shared/logger"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
	"proxychain/proxypool/scraper"
	"proxychain/proxypool/storage"
)

// SourceProvider 提供每一轮刷新使用的来源列表。
type SourceProvider interface {
	Sources() []scraper.Source
}

// SourceReport 是单个来源在一轮刷新中的结果
type SourceReport struct {
	Name   string `json:"name"`
	Nodes  int    `json:"nodes"`
	Reused bool   `json:"reused"` // 获取失败，沿用了上一次成功的结果
	Error  string `json:"error,omitempty"`
}

// Report 是一轮刷新的结果
type Report struct {
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Sources        []SourceReport `json:"sources"`
	Nodes          int            `json:"nodes"`
	Desired        int            `json:"desired"`
	Provisioned    int            `json:"provisioned"` // 包含 Reprovisioned
	Decommissioned int            `json:"decommissioned"`
	Reprovisioned  int            `json:"reprovisioned"`
	Unchanged      int            `json:"unchanged"`
	Skipped        int            `json:"skipped"`
}

// Deps 是 Manager 的协作者。Storage 可以为 nil。
type Deps struct {
	Sources        SourceProvider
	Storage        storage.Storage
	Registry       *registry.Registry
	Ports          *ports.Allocator
	Launcher       engine.Launcher
	StateObservers []func(engine.StateEvent)
	Observers      []func(*Report)
}

// desiredPair 是一个期望存在的 (组, 协议) 端点
type desiredPair struct {
	group *nodeGroup
	proto model.Protocol
}

type cycleResult struct {
	report *Report
	err    error
}

// Manager 是端点池模块的总控制器。
type Manager struct {
	cfg       *types.Config
	deps      Deps
	protocols []model.Protocol
	renderOpt engine.Options
	policy    engine.Policy

	mu          sync.Mutex
	supervisors map[string]*engine.Supervisor
	lastGood    map[string][]*model.Node // 来源名 -> 最近一次成功的节点
	portLeases  map[string]int           // PairKey -> 上次分配的端口，跨重启保留
	lastRefresh time.Time
	lastReport  *Report
	waiters     []chan cycleResult
	started     bool
	cycleStart  time.Time // 非零表示正在刷新

	// 调度器与生命周期管理
	trigger  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager 创建并初始化端点池管理器。
func NewManager(cfg *types.Config, deps Deps) *Manager {
	protocols := make([]model.Protocol, 0, len(cfg.PoolConf.Protocols))
	seen := make(map[model.Protocol]bool)
	for _, p := range cfg.PoolConf.Protocols {
		proto, ok := model.ParseProtocol(strings.ToLower(strings.TrimSpace(p)))
		if ok && !seen[proto] {
			seen[proto] = true
			protocols = append(protocols, proto)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		deps:        deps,
		protocols:   protocols,
		renderOpt:   engine.OptionsFromConf(cfg.EngineConf),
		policy:      engine.PolicyFromConf(cfg.EngineConf),
		supervisors: make(map[string]*engine.Supervisor),
		lastGood:    make(map[string][]*model.Node),
		portLeases:  make(map[string]int),
		trigger:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		stopChan:    make(chan struct{}),
	}
}

// Start 清理上次遗留的配置文件，加载节点缓存，启动调度循环并立即执行第一轮刷新。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if n, err := engine.PurgeStale(m.cfg.EngineConf.ConfigDir); err != nil {
		l.Warn().Err(err).Msg("Failed to purge stale engine configs.")
	} else if n > 0 {
		l.Info().Int("count", n).Msg("Purged stale engine configs from a previous run.")
	}

	if m.deps.Storage != nil {
		cached, err := m.deps.Storage.Load()
		if err != nil {
			l.Error().Err(err).Msg("Failed to load node cache. Starting without last-good data.")
		} else {
			m.mu.Lock()
			for name, nodes := range cached {
				m.lastGood[name] = nodes
			}
			m.mu.Unlock()
		}
		leases, err := m.deps.Storage.LoadPorts()
		if err != nil {
			l.Error().Err(err).Msg("Failed to load port leases. Ports will be assigned from scratch.")
		} else {
			m.mu.Lock()
			for key, port := range leases {
				m.portLeases[key] = port
			}
			m.mu.Unlock()
			l.Info().Int("count", len(leases)).Msg("Loaded port leases from a previous run.")
		}
	}

	interval := time.Duration(m.cfg.PoolConf.RefreshSeconds) * time.Second
	l.Info().Dur("refresh_interval", interval).Int("protocols", len(m.protocols)).Msg("Scheduler initialized.")

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.schedulerLoop(interval)
	m.Trigger()
}

// Stop 停止调度循环与所有引擎进程，等待端口与配置清理完成。
func (m *Manager) Stop(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	m.stopOnce.Do(func() {
		globalstate.GlobalStatus.Set(globalstate.PhaseStopping)
		close(m.stopChan)
		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		sups := make([]*engine.Supervisor, 0, len(m.supervisors))
		for _, s := range m.supervisors {
			sups = append(sups, s)
		}
		m.supervisors = make(map[string]*engine.Supervisor)
		waiters := m.waiters
		m.waiters = nil
		m.mu.Unlock()

		for _, w := range waiters {
			w <- cycleResult{err: context.Canceled}
		}

		l.Info().Int("endpoints", len(sups)).Msg("Stopping all engines...")
		var wg sync.WaitGroup
		for _, s := range sups {
			wg.Add(1)
			go func(s *engine.Supervisor) {
				defer wg.Done()
				if err := s.Stop(ctx); err != nil {
					l.Warn().Err(err).Str("endpoint_id", s.ID()).Msg("Engine did not stop in time.")
				}
			}(s)
		}
		wg.Wait()
		l.Info().Msg("Manager stopped.")
	})
}

// Trigger 请求一轮刷新，不等待结果。刷新进行中到达的请求合并为一轮后续刷新。
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// RefreshNow 请求一轮刷新并等待其完成。
func (m *Manager) RefreshNow(ctx context.Context) error {
	_, err := m.Refresh(ctx)
	return err
}

// Refresh 与 RefreshNow 相同，同时返回本轮结果。
func (m *Manager) Refresh(ctx context.Context) (*Report, error) {
	w := make(chan cycleResult, 1)
	m.mu.Lock()
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	m.Trigger()

	select {
	case res := <-w:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopChan:
		return nil, errors.New("manager stopped")
	}
}

// OnSettingsUpdate 订阅/页面设置变化后触发刷新。
func (m *Manager) OnSettingsUpdate(moduleKey string, _ interface{}) error {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Str("module", moduleKey).Msg("Settings changed, scheduling refresh.")
	m.Trigger()
	return nil
}

// LastRefresh 返回最近一轮刷新完成的时间
func (m *Manager) LastRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh
}

func (m *Manager) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

// Alive 报告调度循环是否存活: 已启动、未停止，且当前一轮刷新没有卡住。
func (m *Manager) Alive(context.Context) error {
	select {
	case <-m.stopChan:
		return errors.New("scheduler stopped")
	default:
	}

	m.mu.Lock()
	started, cycleStart := m.started, m.cycleStart
	m.mu.Unlock()
	if !started {
		return errors.New("scheduler not started")
	}
	if !cycleStart.IsZero() {
		limit := 4*time.Duration(m.cfg.PoolConf.FetchTimeoutSecs)*time.Second + 2*time.Minute
		if elapsed := time.Since(cycleStart); elapsed > limit {
			return fmt.Errorf("refresh cycle running for %s", elapsed.Round(time.Second))
		}
	}
	return nil
}

// SupervisorCount 返回当前受监管的端点数量
func (m *Manager) SupervisorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.supervisors)
}

// schedulerLoop 是核心的调度循环，监听 Ticker、手动触发和停止信号。
func (m *Manager) schedulerLoop(interval time.Duration) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	var tickC <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-tickC:
			l.Info().Msg("Refresh ticker triggered.")
			m.runCycle()
		case <-m.trigger:
			m.runCycle()
		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

// runCycle 执行一轮刷新，并把结果交给本轮开始前登记的等待者。
func (m *Manager) runCycle() {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.cycleStart = time.Now()
	m.mu.Unlock()
	globalstate.GlobalStatus.Set(globalstate.PhaseRefreshing)

	report, err := m.refresh(m.ctx)

	m.mu.Lock()
	m.cycleStart = time.Time{}
	m.mu.Unlock()
	if err == nil {
		globalstate.GlobalStatus.Set(globalstate.PhaseIdle)
	}
	for _, w := range waiters {
		w <- cycleResult{report: report, err: err}
	}
}

// refresh 执行一个完整的 "收集 -> 去重分组 -> 差异 -> 开通/回收 -> 持久化" 周期。
func (m *Manager) refresh(ctx context.Context) (*Report, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	report := &Report{StartedAt: time.Now().UTC()}
	l.Info().Msg("Starting refresh cycle...")

	// 1. 收集
	sources := m.deps.Sources.Sources()
	perSource := m.collect(ctx, sources, report, l)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// 2. 去重并截断
	nodes := mergeNodes(perSource, m.cfg.PoolConf.MaxEndpoints)
	report.Nodes = len(nodes)

	// 3. 分组 (country 模式下沿用现有成员)
	snap := m.deps.Registry.Snapshot()
	current := make(map[string][]string)
	for _, ep := range snap.Endpoints {
		if _, ok := current[ep.GroupKey]; !ok {
			current[ep.GroupKey] = ep.NodeIDs
		}
	}
	groups := groupNodes(nodes, m.cfg.PoolConf.GroupBy, m.cfg.PoolConf.GroupSize, current)
	var order []string
	pairs := make(map[string]desiredPair)
	for _, g := range groups {
		for _, proto := range m.protocols {
			key := model.PairKey(g.Key, proto)
			if _, dup := pairs[key]; dup {
				continue
			}
			pairs[key] = desiredPair{group: g, proto: proto}
			order = append(order, key)
		}
	}
	report.Desired = len(order)

	// 4. 差异比较
	satisfied := make(map[string]bool)
	var retire []string
	for _, ep := range snap.Endpoints {
		key := model.PairKey(ep.GroupKey, ep.Protocol)
		_, wanted := pairs[key]
		switch {
		case ep.State == model.StateStopped:
			// 监管者已自行终止，移除后按新 id 重新开通
			retire = append(retire, ep.ID)
			if wanted && !satisfied[key] {
				report.Reprovisioned++
			}
		case !wanted || satisfied[key]:
			retire = append(retire, ep.ID)
			report.Decommissioned++
		case !slices.Equal(ep.NodeIDs, pairs[key].group.nodeIDs()):
			// 有成员消失，按新的成员重新开通 (端口沿用租约)
			retire = append(retire, ep.ID)
			report.Reprovisioned++
		default:
			satisfied[key] = true
			report.Unchanged++
		}
	}

	// 5. 先回收，使端口在开通前归还
	m.runAll(len(retire), func(i int) { m.decommission(retire[i]) })

	// 有租约的组先分配，避免它们的端口被新组占用
	m.mu.Lock()
	remembered := make(map[string]int, len(m.portLeases))
	for key, port := range m.portLeases {
		remembered[key] = port
	}
	m.mu.Unlock()
	var toProvision []string
	for _, key := range order {
		if !satisfied[key] && remembered[key] > 0 {
			toProvision = append(toProvision, key)
		}
	}
	for _, key := range order {
		if !satisfied[key] && remembered[key] == 0 {
			toProvision = append(toProvision, key)
		}
	}
	// 端口按期望顺序依次分配，保证结果确定
	type lease struct {
		desiredPair
		id   string
		port int
	}
	var leases []lease
	exhausted := make(map[model.Protocol]int)
	for _, key := range toProvision {
		p := pairs[key]
		id := uuid.NewString()
		port, err := m.deps.Ports.AcquirePreferred(p.proto, id, remembered[key])
		if err != nil {
			if errors.Is(err, apperr.ErrPortExhausted) {
				exhausted[p.proto]++
			} else {
				l.Error().Err(err).Msg("Port acquisition failed.")
			}
			report.Skipped++
			continue
		}
		leases = append(leases, lease{desiredPair: p, id: id, port: port})
	}
	for proto, n := range exhausted {
		l.Warn().Str("protocol", string(proto)).Int("skipped", n).Msg("Port range exhausted, endpoints skipped. Increase the range size.")
	}

	var provMu sync.Mutex
	m.runAll(len(leases), func(i int) {
		ls := leases[i]
		if err := m.provision(ls.id, ls.port, ls.group, ls.proto); err != nil {
			l.Error().Err(err).Str("endpoint_id", ls.id).Msg("Failed to provision endpoint.")
			provMu.Lock()
			report.Skipped++
			provMu.Unlock()
			return
		}
		provMu.Lock()
		report.Provisioned++
		provMu.Unlock()
	})

	// 6. 发布节点、更新端口租约、持久化
	m.deps.Registry.SetNodes(nodes)
	m.updatePortLeases(pairs)
	m.persist(l)

	report.FinishedAt = time.Now().UTC()
	m.mu.Lock()
	m.lastRefresh = report.FinishedAt
	m.lastReport = report
	m.mu.Unlock()

	l.Info().
		Int("nodes", report.Nodes).
		Int("desired", report.Desired).
		Int("provisioned", report.Provisioned).
		Int("reprovisioned", report.Reprovisioned).
		Int("decommissioned", report.Decommissioned).
		Int("unchanged", report.Unchanged).
		Int("skipped", report.Skipped).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Refresh cycle finished.")

	for _, obs := range m.deps.Observers {
		obs(report)
	}
	return report, nil
}

// collect 并发调用所有来源。失败的来源沿用上一次成功的结果。
func (m *Manager) collect(ctx context.Context, sources []scraper.Source, report *Report, l zerolog.Logger) [][]*model.Node {
	timeout := time.Duration(m.cfg.PoolConf.FetchTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	type fetched struct {
		nodes []*model.Node
		err   error
	}
	results := make([]fetched, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src scraper.Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = fetched{err: fmt.Errorf("source panicked: %v", r)}
				}
			}()
			fctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			nodes, err := src.Fetch(fctx)
			results[i] = fetched{nodes: nodes, err: err}
		}(i, src)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	perSource := make([][]*model.Node, len(sources))
	current := make(map[string]bool, len(sources))
	for i, src := range sources {
		name := src.Name()
		current[name] = true
		sr := SourceReport{Name: name}
		res := results[i]
		if res.err == nil {
			m.lastGood[name] = res.nodes
			perSource[i] = res.nodes
		} else {
			sr.Error = res.err.Error()
			if last, ok := m.lastGood[name]; ok {
				perSource[i] = last
				sr.Reused = true
			}
			l.Warn().Err(res.err).Str("source", name).Bool("reused_last_good", sr.Reused).Int("nodes", len(perSource[i])).Msg("Source failed.")
		}
		sr.Nodes = len(perSource[i])
		report.Sources = append(report.Sources, sr)
	}
	// 已从配置中移除的来源不再保留
	for name := range m.lastGood {
		if !current[name] {
			delete(m.lastGood, name)
		}
	}
	return perSource
}

// provision 写配置、登记端点并启动监管者。端口已经租借给 id。
func (m *Manager) provision(id string, port int, g *nodeGroup, proto model.Protocol) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provision panicked: %v", r)
		}
		if err != nil {
			m.deps.Ports.Release(port)
		}
	}()

	ep := &model.Endpoint{
		ID:         id,
		Protocol:   proto,
		ListenHost: m.cfg.PoolConf.ListenHost,
		ListenPort: port,
		NodeIDs:    g.nodeIDs(),
		GroupKey:   g.Key,
		Name:       g.Name,
		Country:    g.Country,
		State:      model.StatePending,
	}

	content := engine.Render(engine.RenderInput{
		EndpointID: id,
		Protocol:   proto,
		ListenHost: ep.ListenHost,
		ListenPort: port,
		Forwards:   g.forwards(),
		Options:    m.renderOpt,
	})
	path, err := engine.WriteConfig(m.cfg.EngineConf.ConfigDir, id, content)
	if err != nil {
		return err
	}
	ep.ConfigPath = path

	if err := m.deps.Registry.Add(ep); err != nil {
		engine.RemoveConfig(path)
		return err
	}

	sup := engine.NewSupervisor(ep, engine.Deps{
		Launcher:  m.deps.Launcher,
		Sink:      m.deps.Registry,
		Ports:     m.deps.Ports,
		Policy:    m.policy,
		Observers: m.deps.StateObservers,
	})
	m.mu.Lock()
	m.supervisors[id] = sup
	m.mu.Unlock()
	sup.Start(m.ctx)

	l := logger.WithComponent("ProxyPool/Manager")
	l.Debug().
		Str("endpoint_id", id).Int("port", port).Str("protocol", string(proto)).
		Int("nodes", len(g.Nodes)).Str("path", path).Msg("Endpoint provisioned.")
	return nil
}

// decommission 停止监管者 (归还端口、删除配置) 并从注册表移除端点。
func (m *Manager) decommission(id string) {
	m.mu.Lock()
	sup := m.supervisors[id]
	delete(m.supervisors, id)
	m.mu.Unlock()

	if sup != nil {
		timeout := m.policy.StopTimeout*2 + time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := sup.Stop(ctx); err != nil {
			l := logger.WithComponent("ProxyPool/Manager")
			l.Warn().Err(err).Str("endpoint_id", id).Msg("Engine did not stop in time.")
		}
		cancel()
	}
	m.deps.Registry.Remove(id)
}

// updatePortLeases 记录每个存活端点的端口。仍然期望但本轮未能开通的组保留旧租约，
// 不再期望的组的租约被丢弃。
func (m *Manager) updatePortLeases(desired map[string]desiredPair) {
	snap := m.deps.Registry.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]int, len(desired))
	for key, port := range m.portLeases {
		if _, ok := desired[key]; ok {
			next[key] = port
		}
	}
	for _, ep := range snap.Endpoints {
		if ep.State == model.StateStopped {
			continue
		}
		next[model.PairKey(ep.GroupKey, ep.Protocol)] = ep.ListenPort
	}
	m.portLeases = next
}

// PortLeases 返回当前的端口租约副本
func (m *Manager) PortLeases() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.portLeases))
	for key, port := range m.portLeases {
		out[key] = port
	}
	return out
}

func (m *Manager) persist(l zerolog.Logger) {
	if m.deps.Storage == nil {
		return
	}
	m.mu.Lock()
	snapshot := make(map[string][]*model.Node, len(m.lastGood))
	for name, nodes := range m.lastGood {
		snapshot[name] = nodes
	}
	m.mu.Unlock()

	if err := m.deps.Storage.Save(snapshot); err != nil {
		l.Error().Err(err).Msg("Failed to save node cache.")
	}
	if err := m.deps.Storage.SavePorts(m.PortLeases()); err != nil {
		l.Error().Err(err).Msg("Failed to save port leases.")
	}
}

// runAll 并发执行 n 个任务并等待全部完成，单个任务的 panic 不影响其它任务。
func (m *Manager) runAll(n int, task func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l := logger.WithComponent("ProxyPool/Manager")
					l.Error().Interface("panic", r).Msg("Recovered from panic in refresh task.")
				}
			}()
			task(i)
		}(i)
	}
	wg.Wait()
}
