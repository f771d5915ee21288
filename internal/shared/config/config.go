package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"proxychain/internal/shared/types"
)

// Default 返回一份填充了默认值的配置。
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{DataDir: "data"},
		LogConf:    types.LogConf{Level: "info"},
		APIConf: types.APIConf{
			Listen:     "0.0.0.0:8000",
			PublicHost: "127.0.0.1",
			GinMode:    "release",
		},
		PoolConf: types.PoolConf{
			ListenHost:       "0.0.0.0",
			SocksBase:        25000,
			SocksSize:        1000,
			HTTPBase:         26000,
			HTTPSize:         1000,
			Protocols:        []string{"socks5", "http"},
			MaxEndpoints:     500,
			GroupBy:          "node",
			GroupSize:        1,
			CacheTTLSeconds:  300,
			MaxQueryCount:    100,
			RefreshSeconds:   1800,
			FetchTimeoutSecs: 30,
		},
		EngineConf: types.EngineConf{
			Binary:          "glider",
			Strategy:        "rr",
			CheckURL:        "http://www.msftconnecttest.com/connecttest.txt",
			CheckExpect:     200,
			CheckInterval:   60,
			CheckTimeout:    8,
			DialTimeout:     10,
			RelayTimeout:    30,
			MaxFailures:     2,
			GracePeriodMs:   1500,
			RestartDelayMs:  2000,
			StableSeconds:   300,
			StopTimeoutSecs: 5,
			Verbose:         true,
		},
		SourcesConf: types.SourcesConf{
			ClashFile:         "aggregator/data/clash.yaml",
			SubscriptionsFile: "subscriptions.txt",
			Watch:             true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
		},
		StorageConf: types.StorageConf{Driver: "file"},
		VerifyConf: types.VerifyConf{
			Target:      "www.msftconnecttest.com:80",
			TimeoutSecs: 10,
			Concurrency: 8,
		},
	}
}

// LoadIni 加载 ini 配置文件，然后应用环境变量覆盖并校验。
// 文件不存在时使用默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); err == nil {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return err
		}
		if err := iniFile.MapTo(cfg); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	applyEnv(cfg)
	resolvePaths(cfg)
	return Validate(cfg)
}

func applyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvString(&cfg.APIConf.Listen, "API_LISTEN")
	overrideFromEnvString(&cfg.APIConf.PublicHost, "PUBLIC_HOST")
	overrideFromEnvString(&cfg.PoolConf.ListenHost, "PROXY_HOST")
	overrideFromEnvInt(&cfg.PoolConf.SocksBase, "BASE_SOCKS_PORT")
	overrideFromEnvInt(&cfg.PoolConf.HTTPBase, "BASE_HTTP_PORT")
	overrideFromEnvInt(&cfg.PoolConf.MaxEndpoints, "MAX_PROXY_COUNT")
	overrideFromEnvInt(&cfg.PoolConf.CacheTTLSeconds, "PROXY_CACHE_TTL")
	overrideFromEnvInt(&cfg.PoolConf.RefreshSeconds, "REFRESH_INTERVAL_SECONDS")
	overrideFromEnvString(&cfg.EngineConf.Binary, "GLIDER_BINARY")
	overrideFromEnvString(&cfg.EngineConf.Strategy, "GLIDER_STRATEGY")
	overrideFromEnvInt(&cfg.EngineConf.MaxFailures, "GLIDER_MAX_FAILURES")
	overrideFromEnvInt(&cfg.EngineConf.DialTimeout, "GLIDER_DIAL_TIMEOUT")
	overrideFromEnvInt(&cfg.EngineConf.RelayTimeout, "GLIDER_RELAY_TIMEOUT")
	overrideFromEnvInt(&cfg.EngineConf.CheckTimeout, "GLIDER_CHECK_TIMEOUT")
	overrideFromEnvString(&cfg.SourcesConf.ClashFile, "CLASH_FILE")
	overrideFromEnvString(&cfg.SourcesConf.SubscriptionsFile, "SUBSCRIPTIONS_FILE")
	overrideFromEnvString(&cfg.StorageConf.Driver, "STORAGE_DRIVER")
}

// resolvePaths 将未显式配置的路径放到 data_dir 下。
func resolvePaths(cfg *types.Config) {
	if cfg.EngineConf.ConfigDir == "" {
		cfg.EngineConf.ConfigDir = filepath.Join(cfg.CommonConf.DataDir, "glider_configs")
	}
	if cfg.StorageConf.Path == "" {
		name := "nodes.txt"
		if cfg.StorageConf.Driver == "sqlite" {
			name = "nodes.db"
		}
		cfg.StorageConf.Path = filepath.Join(cfg.CommonConf.DataDir, name)
	}
}

// Validate 检查配置中互相约束的字段。
func Validate(cfg *types.Config) error {
	p := cfg.PoolConf
	if p.SocksSize <= 0 || p.HTTPSize <= 0 {
		return fmt.Errorf("port range sizes must be positive (socks=%d, http=%d)", p.SocksSize, p.HTTPSize)
	}
	if p.SocksBase <= 0 || p.SocksBase+p.SocksSize-1 > 65535 {
		return fmt.Errorf("socks port range %d+%d is out of bounds", p.SocksBase, p.SocksSize)
	}
	if p.HTTPBase <= 0 || p.HTTPBase+p.HTTPSize-1 > 65535 {
		return fmt.Errorf("http port range %d+%d is out of bounds", p.HTTPBase, p.HTTPSize)
	}
	if p.SocksBase < p.HTTPBase+p.HTTPSize && p.HTTPBase < p.SocksBase+p.SocksSize {
		return fmt.Errorf("socks and http port ranges overlap")
	}
	if len(p.Protocols) == 0 {
		return fmt.Errorf("at least one protocol must be enabled")
	}
	for _, proto := range p.Protocols {
		switch strings.ToLower(strings.TrimSpace(proto)) {
		case "socks5", "http":
		default:
			return fmt.Errorf("unsupported protocol %q", proto)
		}
	}
	if p.MaxEndpoints <= 0 {
		return fmt.Errorf("max_endpoints must be positive")
	}
	switch p.GroupBy {
	case "node", "country":
	default:
		return fmt.Errorf("unsupported group_by %q", p.GroupBy)
	}
	if p.GroupSize <= 0 {
		return fmt.Errorf("group_size must be positive")
	}
	if p.MaxQueryCount <= 0 {
		return fmt.Errorf("max_query_count must be positive")
	}
	e := cfg.EngineConf
	switch e.Strategy {
	case "rr", "ha":
	default:
		return fmt.Errorf("unsupported engine strategy %q", e.Strategy)
	}
	if e.MaxFailures <= 0 {
		return fmt.Errorf("engine max_failures must be positive")
	}
	switch cfg.StorageConf.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageConf.Driver)
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := strings.TrimSpace(os.Getenv(envName)); envValue != "" {
		*target = envValue
	}
}
