package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/internal/shared/config"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CommonConf.DataDir = dir
	cfg.APIConf.Listen = "127.0.0.1:0"
	cfg.APIConf.GinMode = "test"
	cfg.PoolConf.SocksBase, cfg.PoolConf.SocksSize = 41000, 5
	cfg.PoolConf.HTTPBase, cfg.PoolConf.HTTPSize = 41100, 5
	cfg.SourcesConf.ClashFile = ""
	cfg.SourcesConf.SubscriptionsFile = filepath.Join(dir, "subscriptions.txt")
	cfg.SourcesConf.Watch = true
	cfg.EngineConf.Binary = filepath.Join(dir, "no-such-glider")
	cfg.EngineConf.ConfigDir = filepath.Join(dir, "glider_configs")
	cfg.StorageConf.Path = filepath.Join(dir, "nodes.txt")
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestAppServer_StartServeStop(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.SourcesConf.SubscriptionsFile, []byte("# none yet\n"), 0644))

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool { return !s.poolManager.LastRefresh().IsZero() },
		5*time.Second, 20*time.Millisecond, "first refresh should complete")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Len(t, body["tasks"], 2, "scheduler and watcher are both checked")

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/proxies?protocols=socks5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)

	s.Stop()
	_, err = os.Stat(cfg.EngineConf.ConfigDir)
	if err == nil {
		entries, readErr := os.ReadDir(cfg.EngineConf.ConfigDir)
		require.NoError(t, readErr)
		assert.Empty(t, entries)
	}
}

func TestEnabledProtocols(t *testing.T) {
	got := enabledProtocols(types.PoolConf{Protocols: []string{"HTTP", "socks5", "http", "ftp"}})
	assert.Equal(t, []model.Protocol{model.ProtocolHTTP, model.ProtocolSOCKS5}, got)
}

func TestNewPortAllocator_OnlyEnabledRanges(t *testing.T) {
	alloc, err := newPortAllocator(types.PoolConf{
		Protocols: []string{"socks5"},
		SocksBase: 42000, SocksSize: 3,
		HTTPBase: 42100, HTTPSize: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, alloc.Available(model.ProtocolSOCKS5))
	assert.Equal(t, 0, alloc.Available(model.ProtocolHTTP))
}
