// Package scraper 提供节点来源: 采集器输出文件、订阅地址与分享页面。
package scraper

import (
	"context"
	"encoding/hex"
	"net/url"
	"time"

	"golang.org/x/crypto/blake2b"

	"proxychain/internal/shared/logger"
	"proxychain/internal/shared/settings"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

// Source 定义了从一个来源获取节点的行为。
// 实现者只负责获取与解码，不做去重以外的加工。
type Source interface {
	// Fetch 获取节点。ctx 带有超时，实现者必须遵守。
	Fetch(ctx context.Context) ([]*model.Node, error)

	// Name 返回来源的稳定名称，用于日志与持久化缓存的索引。
	// 名称中不能含有凭据。
	Name() string
}

// SettingsProvider 提供运行时配置快照
type SettingsProvider interface {
	Get() *settings.RuntimeSettings
}

// Catalog 根据静态配置与运行时设置，组装每一轮刷新使用的来源列表。
type Catalog struct {
	cfg      types.SourcesConf
	settings SettingsProvider
	timeout  time.Duration
}

// NewCatalog 创建来源目录，settings 可以为 nil。
func NewCatalog(cfg types.SourcesConf, st SettingsProvider, requestTimeout time.Duration) *Catalog {
	return &Catalog{cfg: cfg, settings: st, timeout: requestTimeout}
}

// Sources 返回当前的来源列表。订阅文件在每一轮都会重新读取。
func (c *Catalog) Sources() []Source {
	var out []Source
	if c.cfg.ClashFile != "" {
		out = append(out, NewFileSource(c.cfg.ClashFile, model.SourceScanned))
	}

	subs, err := ReadSubscriptionsFile(c.cfg.SubscriptionsFile)
	if err != nil {
		l := logger.WithComponent("ProxyPool/Scraper")
		l.Warn().Err(err).
			Str("path", c.cfg.SubscriptionsFile).Msg("Failed to read subscriptions file.")
	}
	pages := append([]string(nil), c.cfg.Pages...)
	if c.settings != nil {
		if rs := c.settings.Get(); rs != nil {
			if rs.Subscriptions != nil {
				subs = append(subs, rs.Subscriptions.URLs...)
			}
			if rs.Pages != nil {
				pages = append(pages, rs.Pages.URLs...)
			}
		}
	}

	for _, u := range dedupe(subs) {
		out = append(out, NewSubscriptionSource(u, c.cfg.UserAgent, c.timeout))
	}
	for _, u := range dedupe(pages) {
		out = append(out, NewPageSource(u, c.cfg.UserAgent, c.timeout))
	}
	return out
}

// WatchedFiles 返回变更后需要触发刷新的本地文件
func (c *Catalog) WatchedFiles() []string {
	var files []string
	for _, f := range []string{c.cfg.ClashFile, c.cfg.SubscriptionsFile} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// urlLabel 生成不含凭据的来源名: scheme 前缀 + host + 完整地址的短哈希
func urlLabel(prefix, raw string) string {
	sum := blake2b.Sum256([]byte(raw))
	host := "invalid"
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host = u.Host
	}
	return prefix + ":" + host + "#" + hex.EncodeToString(sum[:4])
}
