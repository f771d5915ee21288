package model

import (
	"net"
	"strconv"
	"time"
)

// Protocol 是端点对外暴露的协议
type Protocol string

const (
	ProtocolSOCKS5 Protocol = "socks5"
	ProtocolHTTP   Protocol = "http"
)

// ParseProtocol 解析协议名，未知协议返回 false。
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(s) {
	case ProtocolSOCKS5, ProtocolHTTP:
		return Protocol(s), true
	case "socks":
		return ProtocolSOCKS5, true
	}
	return "", false
}

// State 是端点 (及其引擎进程) 的生命周期状态
type State string

const (
	StatePending  State = "PENDING"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateDegraded State = "DEGRADED"
	StateStopped  State = "STOPPED"
)

// Endpoint 是一个本地监听端口与其背后 1..N 个节点的绑定。
type Endpoint struct {
	ID                  string       `json:"id"`
	Protocol            Protocol     `json:"protocol"`
	ListenHost          string       `json:"listen_host"`
	ListenPort          int          `json:"listen_port"`
	NodeIDs             []string     `json:"node_ids"`
	GroupKey            string       `json:"group_key"`
	Name                string       `json:"name,omitempty"`
	Country             *CountryInfo `json:"country,omitempty"`
	State               State        `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastCheckedAt       time.Time    `json:"last_checked_at"`
	ConfigPath          string       `json:"-"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Address 返回监听地址 host:port
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.ListenHost, strconv.Itoa(e.ListenPort))
}

// Clone 返回一份深拷贝，快照中只存放拷贝。
func (e *Endpoint) Clone() *Endpoint {
	c := *e
	c.NodeIDs = append([]string(nil), e.NodeIDs...)
	if e.Country != nil {
		cc := *e.Country
		c.Country = &cc
	}
	return &c
}

// PairKey 是 (节点集合, 协议) 的组合键，刷新周期按它做差异比较。
func PairKey(groupKey string, proto Protocol) string {
	return string(proto) + "|" + groupKey
}
