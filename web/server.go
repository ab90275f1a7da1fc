package web

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider 运维接口所需的状态来源
type StatusProvider interface {
	// HealthCheck 返回各组件状态，任一组件异常时 ok=false
	HealthCheck(ctx context.Context) (ok bool, components map[string]string)
	// StatusSnapshot 当前全局保护与编排状态
	StatusSnapshot(ctx context.Context) interface{}
}

// SetupRoutes 设置路由
func SetupRoutes(r *gin.Engine, provider StatusProvider) {
	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		ok, components := provider.HealthCheck(ctx)
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"healthy":    ok,
			"components": components,
			"timestamp":  time.Now().Format(time.RFC3339),
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, provider.StatusSnapshot(c.Request.Context()))
	})

	// Prometheus metrics 端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// pprof 性能分析端点
	pprofGroup := r.Group("/debug/pprof")
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.POST("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
		pprofGroup.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
		pprofGroup.GET("/block", gin.WrapH(pprof.Handler("block")))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
		pprofGroup.GET("/mutex", gin.WrapH(pprof.Handler("mutex")))
		pprofGroup.GET("/threadcreate", gin.WrapH(pprof.Handler("threadcreate")))
	}
}
