// Package engine 负责生成转发引擎 (glider) 的配置文件并监管其进程。
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

const configExt = ".conf"

// Options 是每个引擎实例共用的参数，来自 [engine] 配置段。
type Options struct {
	Strategy      string
	CheckURL      string
	CheckExpect   int
	CheckInterval int
	CheckTimeout  int
	DialTimeout   int
	RelayTimeout  int
	MaxFailures   int
	Verbose       bool
}

// OptionsFromConf 从配置段提取渲染参数
func OptionsFromConf(c types.EngineConf) Options {
	return Options{
		Strategy:      c.Strategy,
		CheckURL:      c.CheckURL,
		CheckExpect:   c.CheckExpect,
		CheckInterval: c.CheckInterval,
		CheckTimeout:  c.CheckTimeout,
		DialTimeout:   c.DialTimeout,
		RelayTimeout:  c.RelayTimeout,
		MaxFailures:   c.MaxFailures,
		Verbose:       c.Verbose,
	}
}

// RenderInput 描述一个端点的配置内容。
type RenderInput struct {
	EndpointID string
	Protocol   model.Protocol
	ListenHost string
	ListenPort int
	Forwards   []string // 按顺序排列的 forward 指令
	Options    Options
}

// Render 生成确定性的配置文本: 相同输入总是得到相同输出。
func Render(in RenderInput) string {
	var b strings.Builder
	opt := in.Options

	fmt.Fprintf(&b, "# proxychain endpoint %s\n", in.EndpointID)
	if opt.Verbose {
		b.WriteString("verbose=true\n")
	}
	fmt.Fprintf(&b, "listen=%s://%s:%d\n", listenScheme(in.Protocol), in.ListenHost, in.ListenPort)
	for _, f := range in.Forwards {
		fmt.Fprintf(&b, "forward=%s\n", f)
	}

	strategy := opt.Strategy
	if strategy == "" {
		strategy = "rr"
	}
	fmt.Fprintf(&b, "strategy=%s\n", strategy)

	if opt.CheckURL != "" {
		check := opt.CheckURL
		if opt.CheckExpect > 0 {
			check += "#expect=" + strconv.Itoa(opt.CheckExpect)
		}
		fmt.Fprintf(&b, "check=%s\n", check)
	}
	writeIntDirective(&b, "checkinterval", opt.CheckInterval)
	writeIntDirective(&b, "checktimeout", opt.CheckTimeout)
	writeIntDirective(&b, "maxfailures", opt.MaxFailures)
	writeIntDirective(&b, "dialtimeout", opt.DialTimeout)
	// relaytimeout=0 表示不限制，直接省略
	writeIntDirective(&b, "relaytimeout", opt.RelayTimeout)

	return b.String()
}

func writeIntDirective(b *strings.Builder, key string, v int) {
	if v > 0 {
		fmt.Fprintf(b, "%s=%d\n", key, v)
	}
}

func listenScheme(p model.Protocol) string {
	if p == model.ProtocolSOCKS5 {
		return "socks5"
	}
	return "http"
}

// ConfigPath 返回端点配置文件的路径
func ConfigPath(dir, endpointID string) string {
	return filepath.Join(dir, "endpoint-"+endpointID+configExt)
}

// WriteConfig 以原子方式 (临时文件 + rename) 写入配置，权限 0600。
// 配置中含有节点凭据，不能被其他用户读取。
func WriteConfig(dir, endpointID, content string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	path := ConfigPath(dir, endpointID)

	tmp, err := os.CreateTemp(dir, ".endpoint-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename 成功后这里是空操作

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to chmod temp config: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to move config into place: %w", err)
	}
	return path, nil
}

// RemoveConfig 删除配置文件，文件不存在不算错误。
func RemoveConfig(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PurgeStale 清理上一次运行遗留的配置文件，返回删除的数量。
func PurgeStale(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if !(strings.HasPrefix(name, "endpoint-") && strings.HasSuffix(name, configExt)) &&
			!strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}
