package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"slotmesh/logger"
)

// WebServer 运维 HTTP 服务
type WebServer struct {
	server *http.Server
	addr   string
}

// NewWebServer 创建运维服务
func NewWebServer(host string, port int, debug bool, provider StatusProvider) *WebServer {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(debug))
	SetupRoutes(r, provider)

	addr := fmt.Sprintf("%s:%d", host, port)
	return &WebServer{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second, // pprof profile 默认采样 30 秒
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler 路由处理器
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start 监听端口并在后台提供服务，端口占用等错误同步返回
func (ws *WebServer) Start() error {
	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", ws.addr, err)
	}

	go func() {
		logger.Info("🌐 运维服务启动在 http://%s", ws.addr)
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ 运维服务异常退出: %v", err)
		}
	}()
	return nil
}

// Stop 停止运维服务
func (ws *WebServer) Stop(timeout time.Duration) {
	if ws == nil || ws.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ 运维服务关闭失败: %v", err)
		return
	}
	logger.Info("✅ 运维服务已关闭")
}
