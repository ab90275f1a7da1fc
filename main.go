package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"slotmesh/config"
	"slotmesh/core"
	"slotmesh/logger"
	"slotmesh/utils"
)

// Version 版本号
var Version = "1.0.0"

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("slotmesh risk protection core\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	os.Args = filteredArgs

	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] 加载 .env 失败: %v", err)
	}

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Printf("[INFO] 配置文件 %s 不存在，使用默认配置", configPath)
		cfg = config.DefaultConfig()
	} else {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("[FATAL] 加载配置失败: %v", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("[FATAL] 应用环境变量失败: %v", err)
	}
	if debugMode {
		cfg.System.LogLevel = "debug"
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.System.LogLevel,
		File:       cfg.System.LogFile,
		MaxSizeMB:  cfg.System.LogMaxSizeMB,
		MaxBackups: cfg.System.LogMaxBackups,
		MaxAgeDays: cfg.System.LogMaxAgeDays,
		Compress:   cfg.System.LogCompress,
	}); err != nil {
		log.Printf("[WARN] 初始化日志文件失败: %v，仅输出到控制台", err)
	}
	defer logger.Close()

	logger.Info("🚀 slotmesh 风控与故障切换核心启动...")
	logger.Info("📦 版本号: %s", Version)
	logger.Info("日志级别设置为: %s", logger.GetLevel().String())

	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，使用 UTC", cfg.System.Timezone, err)
	} else {
		logger.Info("✅ 系统时区设置为: %s", cfg.System.Timezone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := core.New(ctx, cfg, core.Options{})
	if err != nil {
		logger.Fatal("❌ 初始化核心失败: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		logger.Error("❌ 启动失败: %v", err)
		c.Stop()
		os.Exit(1)
	}

	// 配置热更新
	var watcher *config.ConfigWatcher
	if _, err := os.Stat(configPath); err == nil {
		reloader := config.NewHotReloader(cfg)
		reloader.RegisterCallback(c.ApplyConfig)
		watcher, err = config.NewConfigWatcher(configPath, reloader)
		if err != nil {
			logger.Warn("⚠️ 创建配置监控失败: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动配置监控失败: %v", err)
			watcher = nil
		} else {
			logger.Info("✅ 配置热更新已启用: %s", configPath)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case diff := <-watcher.GetUpdateChan():
						logger.Info("🔄 配置已更新: %v", diff.Sections)
					case err := <-watcher.GetErrorChan():
						logger.Warn("⚠️ 配置热更新失败: %v", err)
					}
				}
			}()
		}
	}

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("⚠️ 停止配置监控失败: %v", err)
		}
	}
	c.Stop()
	cancel()
	logger.Info("👋 程序已退出")
}
