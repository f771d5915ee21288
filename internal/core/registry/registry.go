// Package registry 保存端点与节点的当前集合。
//
// 写操作在互斥锁内修改 "配置区"，随后发布一份不可变快照到 "工作区"；
// 查询路径只读取快照，不会被写操作阻塞。
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"proxychain/internal/shared/apperr"
	"proxychain/proxypool/model"
)

// Snapshot 是某一时刻的只读视图，端点按 id 排序。
// 快照中的对象不可修改。
type Snapshot struct {
	Version   uint64
	TakenAt   time.Time
	Endpoints []*model.Endpoint
	byID      map[string]*model.Endpoint
	nodes     map[string]*model.Node
}

// Get 按 id 查找端点
func (s *Snapshot) Get(id string) (*model.Endpoint, bool) {
	ep, ok := s.byID[id]
	return ep, ok
}

// Running 返回所有 RUNNING 状态的端点，保持 id 顺序。
func (s *Snapshot) Running() []*model.Endpoint {
	out := make([]*model.Endpoint, 0, len(s.Endpoints))
	for _, ep := range s.Endpoints {
		if ep.State == model.StateRunning {
			out = append(out, ep)
		}
	}
	return out
}

// Node 返回端点背后的节点
func (s *Snapshot) Node(id string) (*model.Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// NodeCount 返回节点数量
func (s *Snapshot) NodeCount() int {
	return len(s.nodes)
}

// CountByState 按状态统计端点数量
func (s *Snapshot) CountByState() map[model.State]int {
	out := make(map[model.State]int)
	for _, ep := range s.Endpoints {
		out[ep.State]++
	}
	return out
}

// Registry 是端点注册表。
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*model.Endpoint
	nodes     map[string]*model.Node
	version   uint64

	snap atomic.Pointer[Snapshot]
}

// New 创建一个空注册表
func New() *Registry {
	r := &Registry{
		endpoints: make(map[string]*model.Endpoint),
		nodes:     make(map[string]*model.Node),
	}
	r.publishLocked()
	return r
}

// Add 登记一个新端点。同一端口不能同时被两个存活的端点持有。
func (r *Registry) Add(ep *model.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.ID]; exists {
		return apperr.New(apperr.CodeInvariant, fmt.Sprintf("endpoint %s already registered", ep.ID), nil)
	}
	for _, other := range r.endpoints {
		if other.ListenPort == ep.ListenPort && other.State != model.StateStopped {
			return apperr.New(apperr.CodeInvariant,
				fmt.Sprintf("port %d already held by live endpoint %s", ep.ListenPort, other.ID), nil)
		}
	}

	c := ep.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.endpoints[c.ID] = c
	r.publishLocked()
	return nil
}

// Remove 移除端点并返回被移除的副本。
func (r *Registry) Remove(id string) (*model.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, false
	}
	delete(r.endpoints, id)
	r.publishLocked()
	return ep.Clone(), true
}

// UpdateState 更新端点状态，由进程监管者调用。
func (r *Registry) UpdateState(id string, state model.State, failures int, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s not registered", id)
	}
	if ep.State == model.StateStopped && state != model.StateStopped {
		return apperr.New(apperr.CodeInvariant, fmt.Sprintf("endpoint %s is STOPPED", id), nil)
	}

	// 快照持有旧对象，这里写入新对象
	c := ep.Clone()
	c.State = state
	c.ConsecutiveFailures = failures
	c.LastCheckedAt = checkedAt
	c.UpdatedAt = checkedAt
	r.endpoints[id] = c
	r.publishLocked()
	return nil
}

// Get 按 id 读取端点
func (r *Registry) Get(id string) (*model.Endpoint, bool) {
	return r.Snapshot().Get(id)
}

// FindByGroup 返回持有 (groupKey, protocol) 组合的端点。
func (r *Registry) FindByGroup(groupKey string, proto model.Protocol) (*model.Endpoint, bool) {
	for _, ep := range r.Snapshot().Endpoints {
		if ep.GroupKey == groupKey && ep.Protocol == proto {
			return ep, true
		}
	}
	return nil, false
}

// Snapshot 返回最新发布的快照，读者从不阻塞。
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// SetNodes 替换当前节点集合
func (r *Registry) SetNodes(nodes []*model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := make(map[string]*model.Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	r.nodes = m
	r.publishLocked()
}

// Node 按 id 读取节点
func (r *Registry) Node(id string) (*model.Node, bool) {
	return r.Snapshot().Node(id)
}

// Nodes 返回当前节点，按 id 排序。
func (r *Registry) Nodes() []*model.Node {
	s := r.Snapshot()
	out := make([]*model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// publishLocked 从配置区生成新快照并原子替换。调用方必须持有 mu。
func (r *Registry) publishLocked() {
	r.version++
	eps := make([]*model.Endpoint, 0, len(r.endpoints))
	byID := make(map[string]*model.Endpoint, len(r.endpoints))
	for id, ep := range r.endpoints {
		c := ep.Clone()
		eps = append(eps, c)
		byID[id] = c
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })

	r.snap.Store(&Snapshot{
		Version:   r.version,
		TakenAt:   time.Now().UTC(),
		Endpoints: eps,
		byID:      byID,
		nodes:     r.nodes,
	})
}
