// Package ports 管理端点监听端口的租借。
package ports

import (
	"fmt"
	"sort"
	"sync"

	"proxychain/internal/shared/apperr"
	"proxychain/proxypool/model"
)

// Range 是一段连续端口 [Base, Base+Size)
type Range struct {
	Base int
	Size int
}

func (r Range) contains(port int) bool {
	return port >= r.Base && port < r.Base+r.Size
}

func (r Range) overlaps(o Range) bool {
	return r.Base < o.Base+o.Size && o.Base < r.Base+r.Size
}

// Allocator 为每种协议维护一个端口范围，总是分配最小的空闲端口。
type Allocator struct {
	mu     sync.Mutex
	ranges map[model.Protocol]Range
	leased map[int]string // port -> owner
}

// NewAllocator 创建分配器，各协议的范围不得重叠。
func NewAllocator(ranges map[model.Protocol]Range) (*Allocator, error) {
	protos := make([]model.Protocol, 0, len(ranges))
	for p, r := range ranges {
		if r.Size <= 0 || r.Base <= 0 || r.Base+r.Size-1 > 65535 {
			return nil, fmt.Errorf("invalid port range for %s: %d+%d", p, r.Base, r.Size)
		}
		protos = append(protos, p)
	}
	sort.Slice(protos, func(i, j int) bool { return protos[i] < protos[j] })
	for i := range protos {
		for j := i + 1; j < len(protos); j++ {
			if ranges[protos[i]].overlaps(ranges[protos[j]]) {
				return nil, fmt.Errorf("port ranges for %s and %s overlap", protos[i], protos[j])
			}
		}
	}

	copied := make(map[model.Protocol]Range, len(ranges))
	for p, r := range ranges {
		copied[p] = r
	}
	return &Allocator{ranges: copied, leased: make(map[int]string)}, nil
}

// Acquire 为 owner 租借 proto 范围内最小的空闲端口。
func (a *Allocator) Acquire(proto model.Protocol, owner string) (int, error) {
	return a.AcquirePreferred(proto, owner, 0)
}

// AcquirePreferred 优先租借 preferred (通常是上次分配给同一组的端口)，
// 它不在范围内或已被占用时退回到最小的空闲端口。
func (a *Allocator) AcquirePreferred(proto model.Protocol, owner string, preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.ranges[proto]
	if !ok {
		return 0, fmt.Errorf("no port range configured for protocol %q", proto)
	}
	if r.contains(preferred) {
		if _, taken := a.leased[preferred]; !taken {
			a.leased[preferred] = owner
			return preferred, nil
		}
	}
	for port := r.Base; port < r.Base+r.Size; port++ {
		if _, taken := a.leased[port]; !taken {
			a.leased[port] = owner
			return port, nil
		}
	}
	return 0, apperr.New(apperr.CodePortExhausted, fmt.Sprintf("all %d %s ports are leased", r.Size, proto), nil)
}

// Release 归还端口。归还未租借的端口是不变量被破坏的信号。
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.leased[port]; !ok {
		return apperr.New(apperr.CodeInvariant, fmt.Sprintf("port %d released but not leased", port), nil)
	}
	delete(a.leased, port)
	return nil
}

// Owner 返回端口当前的持有者。
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.leased[port]
	return owner, ok
}

// IsLeased 判断端口是否已被租借。
func (a *Allocator) IsLeased(port int) bool {
	_, ok := a.Owner(port)
	return ok
}

// Leased 返回 proto 范围内已租借的端口，升序。
func (a *Allocator) Leased(proto model.Protocol) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.ranges[proto]
	out := make([]int, 0)
	for port := range a.leased {
		if r.contains(port) {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

// Available 返回 proto 范围内的空闲端口数。
func (a *Allocator) Available(proto model.Protocol) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.ranges[proto]
	if !ok {
		return 0
	}
	used := 0
	for port := range a.leased {
		if r.contains(port) {
			used++
		}
	}
	return r.Size - used
}
