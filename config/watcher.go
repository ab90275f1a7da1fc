package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher 配置文件监控器
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	hotReloader *HotReloader
	mu          sync.RWMutex
	isWatching  bool
	lastModTime time.Time
	pollEvery   time.Duration
	updateChan  chan *ConfigDiff
	errorChan   chan error
	wg          sync.WaitGroup
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(absPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:  absPath,
		watcher:     watcher,
		hotReloader: hotReloader,
		lastModTime: lastModTime,
		pollEvery:   time.Second,
		updateChan:  make(chan *ConfigDiff, 1),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	// 监控目录而不是文件，编辑器的“写临时文件再改名”也能捕获
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	cw.isWatching = true
	cw.wg.Add(1)
	go cw.watchLoop(ctx)

	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.isWatching {
		cw.mu.Unlock()
		return nil
	}
	cw.isWatching = false
	err := cw.watcher.Close()
	cw.mu.Unlock()

	cw.wg.Wait()
	return err
}

// watchLoop 监控循环
func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	defer cw.wg.Done()

	ticker := time.NewTicker(cw.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// 延迟处理，避免文件正在写入时读取
				time.Sleep(100 * time.Millisecond)
				cw.handleConfigChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)

		case <-ticker.C:
			// 定期检查文件修改时间（作为备用机制）
			cw.checkFileModTime()
		}
	}
}

func (cw *ConfigWatcher) reportError(err error) {
	select {
	case cw.errorChan <- err:
	default:
	}
}

// handleConfigChange 处理配置文件变化
func (cw *ConfigWatcher) handleConfigChange() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("获取文件信息失败: %w", err))
		return
	}

	modTime := info.ModTime()
	if !modTime.After(cw.lastModTime) {
		return
	}
	cw.lastModTime = modTime

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}
	if err := newConfig.ApplyEnv(); err != nil {
		cw.reportError(fmt.Errorf("应用环境变量失败: %w", err))
		return
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}
	if len(diff.Sections) == 0 {
		return
	}

	select {
	case cw.updateChan <- diff:
	default:
	}
}

// checkFileModTime 检查文件修改时间（备用机制）
func (cw *ConfigWatcher) checkFileModTime() {
	cw.mu.RLock()
	lastModTime := cw.lastModTime
	cw.mu.RUnlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		return
	}
	if info.ModTime().After(lastModTime) {
		cw.handleConfigChange()
	}
}

// GetUpdateChan 获取配置更新通道
func (cw *ConfigWatcher) GetUpdateChan() <-chan *ConfigDiff {
	return cw.updateChan
}

// GetErrorChan 获取错误通道
func (cw *ConfigWatcher) GetErrorChan() <-chan error {
	return cw.errorChan
}
