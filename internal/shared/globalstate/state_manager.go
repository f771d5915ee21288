package globalstate

import (
	"sync"
	"time"
)

// 常用的阶段描述
const (
	PhaseInitializing = "Initializing..."
	PhaseRefreshing   = "Refreshing"
	PhaseIdle         = "Idle"
	PhaseStopping     = "Stopping"
)

// StatusManager 结构体用于管理全局状态 (当前所处的阶段)。
// 它使用 RWMutex 来保护对状态字符串的并发读写。
type StatusManager struct {
	mu      sync.RWMutex
	status  string
	changed time.Time
}

// 全局的状态管理器实例
var GlobalStatus = &StatusManager{status: PhaseInitializing, changed: time.Now().UTC()}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(newStatus string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.status != newStatus {
		sm.status = newStatus
		sm.changed = time.Now().UTC()
	}
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// Since 返回当前状态与其开始时间
func (sm *StatusManager) Since() (string, time.Time) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status, sm.changed
}
