package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	PodManager PodManagerConfig `yaml:"podmanager"`
	Inventory  InventoryConfig  `yaml:"inventory"`
	Southbound SouthboundConfig `yaml:"southbound"`
	Store      StoreConfig      `yaml:"store"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PodManagerConfig PodManager配置
type PodManagerConfig struct {
	Port                 int           `yaml:"port"`
	Address              string        `yaml:"address"`
	SouthboundTimeout    time.Duration `yaml:"southbound_timeout"`
	RemovalMaxAttempts   int           `yaml:"removal_max_attempts"`
	RemovalRetryInterval time.Duration `yaml:"removal_retry_interval"`
	MaxRemovedNodes      int           `yaml:"max_removed_nodes"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	AutoAssemble         bool          `yaml:"auto_assemble"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// InventoryConfig 资源清单配置
type InventoryConfig struct {
	SourceFile      string        `yaml:"source_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// SouthboundConfig 南向配置组件
type SouthboundConfig struct {
	Type            string        `yaml:"type"` // simulated
	Latency         time.Duration `yaml:"latency"`
	FailAssemblyFor []string      `yaml:"fail_assembly_for,omitempty"` // 模拟装配失败的资源 ID
}

// StoreConfig 节点持久化配置
type StoreConfig struct {
	Type string `yaml:"type"` // memory, bolt, badger
	Path string `yaml:"path"`
}

// EventsConfig 生命周期事件发布配置
type EventsConfig struct {
	Type       string   `yaml:"type"` // log, kafka, nats
	Brokers    []string `yaml:"brokers,omitempty"`
	Topic      string   `yaml:"topic"`
	NATSURL    string   `yaml:"nats_url"`
	Subject    string   `yaml:"subject"`
	BufferSize int      `yaml:"buffer_size"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file,omitempty"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		PodManager: PodManagerConfig{
			Port:                 getEnvIntOrDefault("PODM_PORT", 8090),
			Address:              "0.0.0.0",
			SouthboundTimeout:    30 * time.Second,
			RemovalMaxAttempts:   3,
			RemovalRetryInterval: 2 * time.Second,
			MaxRemovedNodes:      1000,
			CleanupInterval:      10 * time.Minute,
			AutoAssemble:         false,
			ShutdownTimeout:      30 * time.Second,
		},
		Inventory: InventoryConfig{
			SourceFile:      getEnvOrDefault("PODM_INVENTORY_FILE", ""),
			RefreshInterval: 30 * time.Second,
		},
		Southbound: SouthboundConfig{
			Type:    "simulated",
			Latency: 200 * time.Millisecond,
		},
		Store: StoreConfig{
			Type: getEnvOrDefault("PODM_STORE_TYPE", "memory"),
			Path: getEnvOrDefault("PODM_STORE_PATH", "/var/lib/podm/nodes.db"),
		},
		Events: EventsConfig{
			Type:       "log",
			Topic:      "podm.nodes",
			NATSURL:    "nats://localhost:4222",
			Subject:    "podm.nodes",
			BufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig 从 YAML 文件加载配置，未设置的字段使用默认值
func LoadConfig(path string) (*Config, error) {
	config := GetDefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			GetLogger().Warn("配置文件不存在，使用默认配置")
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.PodManager.Port <= 0 || c.PodManager.Port > 65535 {
		return fmt.Errorf("%w: podmanager.port must be between 1 and 65535", ErrInvalidConfiguration)
	}
	if c.PodManager.SouthboundTimeout <= 0 {
		return fmt.Errorf("%w: podmanager.southbound_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.PodManager.RemovalMaxAttempts < 1 {
		return fmt.Errorf("%w: podmanager.removal_max_attempts must be at least 1", ErrInvalidConfiguration)
	}
	switch c.Store.Type {
	case "memory", "bolt", "badger":
	default:
		return fmt.Errorf("%w: unsupported store type %q", ErrInvalidConfiguration, c.Store.Type)
	}
	switch c.Events.Type {
	case "log", "kafka", "nats":
	default:
		return fmt.Errorf("%w: unsupported events type %q", ErrInvalidConfiguration, c.Events.Type)
	}
	if c.Events.Type == "kafka" && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("%w: events.brokers required for kafka", ErrInvalidConfiguration)
	}
	return nil
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
