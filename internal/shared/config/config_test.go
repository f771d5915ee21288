package config

import (
	"os"
	"path/filepath"
	"testing"

	"proxychain/internal/shared/types"
)

func TestLoadIni_MissingFileUsesDefaults(t *testing.T) {
	cfg := Default()
	if err := LoadIni(cfg, filepath.Join(t.TempDir(), "absent.ini")); err != nil {
		t.Fatalf("LoadIni() returned error: %v", err)
	}
	if cfg.PoolConf.SocksBase != 25000 || cfg.PoolConf.HTTPBase != 26000 {
		t.Errorf("unexpected port bases: socks=%d http=%d", cfg.PoolConf.SocksBase, cfg.PoolConf.HTTPBase)
	}
	if cfg.EngineConf.ConfigDir != filepath.Join("data", "glider_configs") {
		t.Errorf("ConfigDir = %q", cfg.EngineConf.ConfigDir)
	}
	if cfg.StorageConf.Path != filepath.Join("data", "nodes.txt") {
		t.Errorf("storage path = %q", cfg.StorageConf.Path)
	}
}

func TestLoadIni_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, "proxychain.ini")
	content := `
[common]
data_dir = /var/lib/proxychain

[pool]
socks_base = 30000
socks_size = 10
http_base = 31000
http_size = 10
protocols = socks5
group_by = country
group_size = 3

[engine]
strategy = ha
relay_timeout = 0

[storage]
driver = sqlite
`
	if err := os.WriteFile(iniPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GLIDER_MAX_FAILURES", "5")
	t.Setenv("PUBLIC_HOST", "proxy.example.com")

	cfg := Default()
	if err := LoadIni(cfg, iniPath); err != nil {
		t.Fatalf("LoadIni() returned error: %v", err)
	}

	if cfg.PoolConf.SocksBase != 30000 || cfg.PoolConf.SocksSize != 10 {
		t.Errorf("socks range not mapped: %+v", cfg.PoolConf)
	}
	if len(cfg.PoolConf.Protocols) != 1 || cfg.PoolConf.Protocols[0] != "socks5" {
		t.Errorf("Protocols = %v", cfg.PoolConf.Protocols)
	}
	if cfg.PoolConf.GroupBy != "country" || cfg.PoolConf.GroupSize != 3 {
		t.Errorf("grouping not mapped: %s/%d", cfg.PoolConf.GroupBy, cfg.PoolConf.GroupSize)
	}
	if cfg.EngineConf.Strategy != "ha" || cfg.EngineConf.RelayTimeout != 0 {
		t.Errorf("engine section not mapped: %+v", cfg.EngineConf)
	}
	if cfg.EngineConf.MaxFailures != 5 {
		t.Errorf("env override ignored, MaxFailures = %d", cfg.EngineConf.MaxFailures)
	}
	if cfg.APIConf.PublicHost != "proxy.example.com" {
		t.Errorf("PublicHost = %q", cfg.APIConf.PublicHost)
	}
	// 未覆盖的默认值应保留
	if cfg.PoolConf.CacheTTLSeconds != 300 {
		t.Errorf("CacheTTLSeconds = %d, want default 300", cfg.PoolConf.CacheTTLSeconds)
	}
	if cfg.StorageConf.Path != filepath.Join("/var/lib/proxychain", "nodes.db") {
		t.Errorf("storage path = %q", cfg.StorageConf.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *types.Config)
	}{
		{"overlapping ranges", func(c *types.Config) { c.PoolConf.HTTPBase = c.PoolConf.SocksBase + 10 }},
		{"empty protocols", func(c *types.Config) { c.PoolConf.Protocols = nil }},
		{"unknown protocol", func(c *types.Config) { c.PoolConf.Protocols = []string{"quic"} }},
		{"bad strategy", func(c *types.Config) { c.EngineConf.Strategy = "lha" }},
		{"range past 65535", func(c *types.Config) { c.PoolConf.HTTPBase = 65000 }},
		{"zero max failures", func(c *types.Config) { c.EngineConf.MaxFailures = 0 }},
		{"bad storage", func(c *types.Config) { c.StorageConf.Driver = "postgres" }},
	}

	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := Validate(c); err == nil {
				t.Errorf("Validate() expected an error")
			}
		})
	}
}
