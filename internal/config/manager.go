package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 配置管理器，支持文件变更热加载
type ConfigManager struct {
	mu           sync.RWMutex
	config       *ServerConfig
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	listeners    []func(*ServerConfig)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置；已加载时直接返回
func (cm *ConfigManager) Load() (*ServerConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	cfg, v, err := LoadConfig(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	cm.config = cfg
	cm.viper = v

	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := cm.Reload(); err != nil {
				log.Printf("⚠️ 配置热加载失败 (%s): %v", e.Name, err)
			}
		})
		v.WatchConfig()
		log.Printf("👀 监控配置文件: %s", v.ConfigFileUsed())
	}
	return cfg, nil
}

// Get 当前配置（未加载时自动加载）
func (cm *ConfigManager) Get() (*ServerConfig, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// OnChange 注册配置变更回调
func (cm *ConfigManager) OnChange(fn func(*ServerConfig)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, fn)
}

// Reload 重新读取配置文件；新配置验证失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	v := cm.viper
	cm.mu.Unlock()

	if v == nil {
		_, err := cm.Load()
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("重新读取配置失败: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	listeners := append([]func(*ServerConfig){}, cm.listeners...)
	cm.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	log.Println("🔄 配置已重新加载")
	return nil
}

// ConfigFileUsed 实际使用的配置文件，未使用文件时为空
func (cm *ConfigManager) ConfigFileUsed() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.viper == nil {
		return ""
	}
	return cm.viper.ConfigFileUsed()
}
