package web

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"proxychain/internal/shared/logger"
)

// basicAuthMiddleware 在配置了 web_user 和 web_password 时强制 HTTP Basic 认证。
// 任一为空则不启用认证。
func basicAuthMiddleware(user, pass string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user == "" || pass == "" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		// 使用常量时间比较防止时序攻击
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		if !ok || !userOK || !passOK {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestLogger 用 zerolog 记录每个请求
func requestLogger() gin.HandlerFunc {
	l := logger.WithComponent("Web/HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := l.Debug()
		if status >= http.StatusInternalServerError {
			ev = l.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
