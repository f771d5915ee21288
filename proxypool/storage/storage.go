// Package storage 持久化每个来源最近一次成功获取的节点，
// 使来源暂时不可用时仍能沿用上一次的结果; 同时保存端点组的端口租约。
package storage

import (
	"fmt"

	"proxychain/internal/shared/types"
	"proxychain/proxypool/decoder"
	"proxychain/proxypool/model"
)

// Storage 接口定义了节点缓存持久化的行为。键为来源名称。
// 端口租约以 model.PairKey(组键, 协议) 为键，使同一组在重启后仍监听原来的端口。
type Storage interface {
	Load() (map[string][]*model.Node, error)
	Save(bySource map[string][]*model.Node) error
	LoadPorts() (map[string]int, error)
	SavePorts(leases map[string]int) error
	Close() error
}

// Open 按配置创建存储
func Open(cfg types.StorageConf) (Storage, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStorage(cfg.Path), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// restoreNode 从分享链接还原节点，并补回解码时得到的国家信息。
func restoreNode(shareURI string, source model.Source, countryCode string) (*model.Node, error) {
	n, err := decoder.DecodeURI(shareURI, source)
	if err != nil {
		return nil, err
	}
	if n.Country == nil && countryCode != "" {
		n.Country = decoder.LookupCountry(countryCode)
	}
	return n, nil
}

func countryCode(n *model.Node) string {
	if n.Country == nil {
		return ""
	}
	return n.Country.Code
}
