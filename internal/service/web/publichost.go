package web

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var loopbackHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
	"::":        true,
	"0.0.0.0":   true,
}

// stripPort 去掉 host:port 中的端口，保留 IPv6 字面量
func stripPort(host string) string {
	v := strings.TrimSpace(host)
	if v == "" {
		return v
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	if strings.Count(v, ":") == 1 {
		if h, _, err := net.SplitHostPort(v); err == nil {
			return h
		}
	}
	return v
}

func isLoopback(host string) bool {
	v := strings.ToLower(strings.TrimSpace(host))
	if v == "" {
		return false
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	if loopbackHosts[v] {
		return true
	}
	return strings.HasPrefix(v, "127.") || strings.HasPrefix(v, "::ffff:127.")
}

// resolvePublicHost 决定返回给客户端的连接地址:
// 配置的 public_host 不是回环地址时直接使用，否则依次尝试
// X-Forwarded-Host、Host 头、请求目标地址和本地监听地址。
func resolvePublicHost(c *gin.Context, fallback string) string {
	if fallback != "" && !isLoopback(fallback) {
		return fallback
	}

	for _, header := range []string{"X-Forwarded-Host", "Host"} {
		raw := c.GetHeader(header)
		if header == "Host" && raw == "" {
			raw = c.Request.Host
		}
		if raw == "" {
			continue
		}
		candidate := stripPort(strings.Split(raw, ",")[0])
		if candidate != "" && !isLoopback(candidate) {
			return candidate
		}
	}

	if c.Request.URL != nil {
		if h := c.Request.URL.Hostname(); h != "" && !isLoopback(h) {
			return h
		}
	}

	if addr, ok := c.Request.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && addr != nil {
		if h := stripPort(addr.String()); h != "" && !isLoopback(h) {
			return h
		}
	}
	return fallback
}
