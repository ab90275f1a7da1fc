package web

import (
	"time"

	"github.com/gin-gonic/gin"

	"slotmesh/logger"
)

// GinLoggerMiddleware 自定义 Gin 日志中间件
// logAll=true 时全量输出；否则仅记录错误请求 (状态码 >= 400)
func GinLoggerMiddleware(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		statusCode := c.Writer.Status()
		if !logAll && statusCode < 400 {
			return
		}

		latency := time.Since(start)
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()
		switch {
		case statusCode >= 500:
			logger.Error("[GIN] %d | %v | %s | %-7s %s %s", statusCode, latency, c.ClientIP(), c.Request.Method, path, errorMessage)
		case statusCode >= 400:
			logger.Warn("[GIN] %d | %v | %s | %-7s %s %s", statusCode, latency, c.ClientIP(), c.Request.Method, path, errorMessage)
		default:
			logger.Debug("[GIN] %d | %v | %s | %-7s %s", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		}
	}
}
