package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"podm/internal/common"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Sink 发现结果写入的资源索引
type Sink interface {
	Upsert(res common.Resource) error
	Remove(id string) error
}

// InventoryFile 静态资源清单文件
//
// 机箱下的资源继承机箱 ID；顶层 resources 中的资源需要自行指定 chassis_id。
type InventoryFile struct {
	Chassis   []ChassisSpec     `yaml:"chassis,omitempty"`
	Resources []common.Resource `yaml:"resources,omitempty"`
}

// ChassisSpec 机箱及其包含的资源
type ChassisSpec struct {
	ID        string            `yaml:"id"`
	Resources []common.Resource `yaml:"resources"`
}

// Result 一次刷新的统计
type Result struct {
	Discovered int `json:"discovered"`
	Invalid    int `json:"invalid"`
	Removed    int `json:"removed"`
	Retained   int `json:"retained"` // 已从文件消失但仍被占用、暂不移除的资源
}

// ParseInventory 解析资源清单
func ParseInventory(data []byte) ([]common.Resource, error) {
	var file InventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	resources := make([]common.Resource, 0, len(file.Resources))
	for _, chassis := range file.Chassis {
		for _, res := range chassis.Resources {
			if res.ChassisID == "" {
				res.ChassisID = chassis.ID
			}
			resources = append(resources, res)
		}
	}
	resources = append(resources, file.Resources...)
	return resources, nil
}

// StaticDiscovery 从 YAML 文件发现资源，并定期刷新
type StaticDiscovery struct {
	path     string
	interval time.Duration
	sink     Sink
	logger   *zap.Logger

	mu       sync.Mutex
	known    map[string]struct{}
	watchers []func(Result)

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStaticDiscovery 创建静态资源发现
func NewStaticDiscovery(config common.InventoryConfig, sink Sink) *StaticDiscovery {
	return &StaticDiscovery{
		path:     config.SourceFile,
		interval: config.RefreshInterval,
		sink:     sink,
		logger:   common.ComponentLogger("static-discovery"),
		known:    make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start 加载资源清单并启动定期刷新
func (sd *StaticDiscovery) Start(ctx context.Context) error {
	if sd.path == "" {
		sd.logger.Info("No inventory file configured, waiting for pushed resources")
		return nil
	}

	sd.logger.Info("Starting static discovery", zap.String("file", sd.path))
	if _, err := sd.Refresh(); err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}

	if sd.interval > 0 {
		go sd.watchLoop(ctx)
	}
	return nil
}

// Stop 停止定期刷新
func (sd *StaticDiscovery) Stop() error {
	sd.stopOnce.Do(func() {
		sd.logger.Info("Stopping static discovery")
		close(sd.stopChan)
	})
	return nil
}

// Watch 注册刷新完成后的回调
func (sd *StaticDiscovery) Watch(callback func(Result)) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.watchers = append(sd.watchers, callback)
}

// Refresh 重新读取资源清单
//
// 新资源和属性变化写入索引；从文件中消失的空闲资源从索引中移除，
// 仍被占用的资源保留到释放之后的下一次刷新。
func (sd *StaticDiscovery) Refresh() (Result, error) {
	data, err := os.ReadFile(sd.path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read inventory file %s: %w", sd.path, err)
	}
	resources, err := ParseInventory(data)
	if err != nil {
		return Result{}, err
	}
	return sd.Apply(resources), nil
}

// Apply 将一组资源写入索引，并移除上次存在但本次缺失的资源
func (sd *StaticDiscovery) Apply(resources []common.Resource) Result {
	sd.mu.Lock()
	var result Result
	seen := make(map[string]struct{}, len(resources))
	for _, res := range resources {
		if err := sd.sink.Upsert(res); err != nil {
			result.Invalid++
			sd.logger.Warn("Skipping invalid resource",
				zap.String("resource_id", res.ID),
				zap.Error(err))
			continue
		}
		seen[res.ID] = struct{}{}
		result.Discovered++
	}

	for id := range sd.known {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := sd.sink.Remove(id); err != nil {
			if errors.Is(err, common.ErrResourceInUse) {
				seen[id] = struct{}{}
				result.Retained++
				continue
			}
			sd.logger.Debug("Resource already gone", zap.String("resource_id", id), zap.Error(err))
		} else {
			result.Removed++
		}
	}
	sd.known = seen
	watchers := append([]func(Result){}, sd.watchers...)
	sd.mu.Unlock()

	sd.logger.Info("Inventory refreshed",
		zap.Int("discovered", result.Discovered),
		zap.Int("invalid", result.Invalid),
		zap.Int("removed", result.Removed),
		zap.Int("retained", result.Retained))

	for _, w := range watchers {
		w(result)
	}
	return result
}

func (sd *StaticDiscovery) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(sd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := sd.Refresh(); err != nil {
				sd.logger.Warn("Inventory refresh failed", zap.Error(err))
			}
		case <-sd.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
