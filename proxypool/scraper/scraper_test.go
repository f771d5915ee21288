package scraper

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/internal/shared/apperr"
	"proxychain/internal/shared/settings"
	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

const uriList = "ss://aes-256-gcm:pw@1.2.3.4:443#JP-01\nss://chacha20-ietf-poly1305:pw@5.6.7.8:443#%F0%9F%87%BA%F0%9F%87%B8\n"

func TestSubscriptionSource_Base64Body(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(base64.StdEncoding.EncodeToString([]byte(uriList))))
	}))
	defer srv.Close()

	src := NewSubscriptionSource(srv.URL+"/sub?token=secret", "proxychain-test", 5*time.Second)
	nodes, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, model.SourceSubscription, nodes[0].Source)
	assert.Equal(t, "US", nodes[1].Country.Code)
	assert.Equal(t, "proxychain-test", gotUA)
	assert.NotContains(t, src.Name(), "secret")
}

func TestSubscriptionSource_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone":
			http.Error(w, "gone", http.StatusGone)
		case "/slow":
			time.Sleep(500 * time.Millisecond)
			w.Write([]byte(uriList))
		default:
			w.Write([]byte("<html>nothing here</html>"))
		}
	}))
	defer srv.Close()

	_, err := NewSubscriptionSource(srv.URL+"/gone?token=secret", "", time.Second).Fetch(context.Background())
	assert.True(t, errors.Is(err, apperr.ErrFetch))
	assert.NotContains(t, err.Error(), "secret")

	_, err = NewSubscriptionSource(srv.URL+"/empty", "", time.Second).Fetch(context.Background())
	assert.True(t, errors.Is(err, apperr.ErrDecode))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewSubscriptionSource(srv.URL+"/slow?token=secret", "", 5*time.Second).Fetch(ctx)
	assert.True(t, errors.Is(err, apperr.ErrFetch), "context deadline bounds the fetch")
	assert.NotContains(t, err.Error(), "secret")
}

func TestSubscriptionSource_BodyLimit(t *testing.T) {
	body := []byte(uriList)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	src := NewSubscriptionSource(srv.URL+"/sub?token=secret", "", time.Second)
	src.maxBody = int64(len(body))
	nodes, err := src.Fetch(context.Background())
	require.NoError(t, err, "body exactly at the limit is accepted")
	assert.Len(t, nodes, 2)

	src.maxBody = int64(len(body)) - 1
	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrFetch), "oversized body is a fetch failure, not a partial decode")
	assert.NotContains(t, err.Error(), "secret")
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxies:\n  - {name: HK, type: ss, server: h.example.com, port: 1, cipher: aes-256-gcm, password: p}\n"), 0600))

	nodes, err := NewFileSource(path, model.SourceScanned).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, model.SourceScanned, nodes[0].Source)

	_, err = NewFileSource(filepath.Join(dir, "missing.yaml"), model.SourceScanned).Fetch(context.Background())
	assert.True(t, errors.Is(err, apperr.ErrFetch))
}

func TestPageSource(t *testing.T) {
	vm := base64.StdEncoding.EncodeToString([]byte(`{"ps":"SG","add":"sg.example.com","port":443,"id":"u-1","net":"tcp"}`))
	html := `<html><body>
<p>Today's free nodes:</p>
<pre>ss://aes-256-gcm:pw@1.2.3.4:443#JP-01</pre>
<a href="vmess://` + vm + `">import</a>
<p>ss://aes-256-gcm:pw@1.2.3.4:443#JP-01.</p>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
	}))
	defer srv.Close()

	nodes, err := NewPageSource(srv.URL, "ua", 5*time.Second).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "1.2.3.4", nodes[0].Host)
	assert.Equal(t, "sg.example.com", nodes[1].Host)
}

func TestExtractShareLinks(t *testing.T) {
	links, err := extractShareLinks([]byte(`<div><code>ss://a:b@h:1#x</code> text ss://a:b@h:1#x, vmess://abc=</div>`))
	require.NoError(t, err)
	assert.Equal(t, []string{"ss://a:b@h:1#x", "vmess://abc="}, links)
}

func TestCatalog_Sources(t *testing.T) {
	dir := t.TempDir()
	subsFile := filepath.Join(dir, "subscriptions.txt")
	require.NoError(t, os.WriteFile(subsFile, []byte("# comment\nhttps://a.example.com/s\n\nhttps://b.example.com/s\n"), 0600))

	sm, err := settings.NewSettingsManager("")
	require.NoError(t, err)
	require.NoError(t, sm.Update(settings.ModuleSubscriptions, []byte(`{"urls":["https://a.example.com/s","https://c.example.com/s"]}`)))

	cat := NewCatalog(types.SourcesConf{
		ClashFile:         filepath.Join(dir, "clash.yaml"),
		SubscriptionsFile: subsFile,
		Pages:             []string{"https://blog.example.com/"},
	}, sm, time.Second)

	var names []string
	for _, s := range cat.Sources() {
		names = append(names, s.Name())
	}
	require.Len(t, names, 5, "file + 3 unique subscriptions + 1 page: %v", names)
	assert.True(t, strings.HasPrefix(names[0], "file:"))
	assert.True(t, strings.HasPrefix(names[1], "sub:a.example.com#"))
	assert.True(t, strings.HasPrefix(names[3], "sub:c.example.com#"))
	assert.True(t, strings.HasPrefix(names[4], "page:blog.example.com#"))
	assert.Len(t, cat.WatchedFiles(), 2)
}

func TestWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))

	var calls atomic.Int32
	w, err := NewWatcher([]string{path}, 50*time.Millisecond, func() { calls.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w.Run(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("b", i+1)), 0600))
		time.Sleep(5 * time.Millisecond)
	}
	// 其它文件的变化被忽略
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "burst of writes collapses into one refresh")

	cancel()
	w.Wait()
}
