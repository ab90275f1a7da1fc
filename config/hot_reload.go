package config

import (
	"fmt"
	"reflect"
	"sync"
)

// 需要重启才能生效的配置段
var restartSections = map[string]bool{
	"state_store": true,
	"database":    true,
	"web":         true,
}

// ConfigDiff 配置差异（按配置段）
type ConfigDiff struct {
	Sections        []string `json:"sections"`
	RequiresRestart bool     `json:"requires_restart"`
}

// Changed 判断某个配置段是否变化
func (d *ConfigDiff) Changed(section string) bool {
	for _, s := range d.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// DiffConfig 对比两个配置，返回发生变化的顶层配置段（按 yaml 名）
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{}
	if oldConfig == nil || newConfig == nil {
		return diff
	}

	ov := reflect.ValueOf(oldConfig).Elem()
	nv := reflect.ValueOf(newConfig).Elem()
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := t.Field(i).Tag.Get("yaml")
		diff.Sections = append(diff.Sections, name)
		if restartSections[name] {
			diff.RequiresRestart = true
		}
	}
	return diff
}

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config, diff *ConfigDiff) error

// HotReloader 配置热更新器
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// UpdateConfig 应用新配置并触发回调；无变化时返回空差异
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	if len(diff.Sections) == 0 {
		return diff, nil
	}

	for _, callback := range hr.updateCallbacks {
		if err := callback(hr.currentConfig, newConfig, diff); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
		}
	}

	hr.currentConfig = newConfig
	return diff, nil
}

// GetCurrentConfig 获取当前配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}
