package podmanager

import (
	"context"
	"errors"
	"fmt"

	"podm/internal/common"
	"podm/internal/podmanager/allocation"
	"podm/internal/podmanager/composednode"
	"podm/internal/podmanager/events"
	"podm/internal/podmanager/inventory"
	"podm/internal/podmanager/recovery"
	"podm/internal/podmanager/reservation"
	"podm/internal/podmanager/southbound"

	"go.uber.org/zap"
)

// 分配结果标签
const (
	allocationSuccess      = "success"
	allocationInsufficient = "insufficient"
	allocationConflict     = "conflict"
	allocationInvalid      = "invalid"
	allocationError        = "error"
)

// Options 构造 PodManager 所需的组件，由 main 创建后传入
type Options struct {
	Config       common.PodManagerConfig
	Index        *inventory.Index
	Configurator southbound.Configurator
	Store        recovery.NodeStore
	Events       *events.Dispatcher
	Metrics      *common.Metrics
}

// PodManager 组合与分配引擎
//
// 分配流程：在资源快照上匹配候选资源，预留并提交，创建节点记录，
// 之后根据配置同步或在后台装配。
type PodManager struct {
	config       common.PodManagerConfig
	index        *inventory.Index
	matcher      *allocation.Matcher
	reservations *reservation.Manager
	lifecycle    *composednode.Manager
	store        recovery.NodeStore
	events       *events.Dispatcher
	metrics      *common.Metrics
	logger       *zap.Logger
}

// NewPodManager 创建 PodManager
func NewPodManager(opts Options) *PodManager {
	index := opts.Index
	if index == nil {
		index = inventory.NewIndex()
	}
	configurator := opts.Configurator
	if configurator == nil {
		configurator = southbound.NewSimulatedConfigurator(0)
	}
	store := opts.Store
	if store == nil {
		store = recovery.NewMemoryNodeStore()
	}
	dispatcher := opts.Events
	if dispatcher == nil {
		dispatcher = events.NewDispatcher(nil, 0)
	}

	reservations := reservation.NewManager(index, opts.Metrics)
	lifecycle := composednode.NewManager(composednode.ConfigFrom(opts.Config), composednode.Dependencies{
		Index:        index,
		Reservations: reservations,
		Configurator: configurator,
		Store:        store,
		Events:       dispatcher,
		Metrics:      opts.Metrics,
	})

	return &PodManager{
		config:       opts.Config,
		index:        index,
		matcher:      allocation.NewMatcher(),
		reservations: reservations,
		lifecycle:    lifecycle,
		store:        store,
		events:       dispatcher,
		metrics:      opts.Metrics,
		logger:       common.ComponentLogger("pod-manager"),
	}
}

// Start 启动事件分发，从持久化存储恢复节点，并启动后台清理
func (pm *PodManager) Start(ctx context.Context) error {
	pm.events.Start()
	if err := pm.lifecycle.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover composed nodes: %w", err)
	}
	pm.lifecycle.Start()

	pm.logger.Info("PodManager started",
		zap.Int("resources", pm.index.Len()),
		zap.Int("nodes", len(pm.lifecycle.List())),
		zap.Bool("auto_assemble", pm.config.AutoAssemble))
	return nil
}

// Stop 停止 PodManager，取消进行中的后台装配并关闭存储
func (pm *PodManager) Stop() error {
	pm.logger.Info("Stopping PodManager")

	var errs []error
	if err := pm.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := pm.events.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := pm.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Allocate 根据请求分配资源并创建组合节点
//
// 资源不足返回 InsufficientResourcesError，列出每个无法满足的类别；
// 与并发请求竞争失败返回 ResourceConflictError，两者都不会留下节点记录或占用资源。
func (pm *PodManager) Allocate(ctx context.Context, req common.RequestedNode) (*common.ComposedNode, error) {
	candidate, err := pm.matcher.Match(req, pm.index.Snapshot())
	if err != nil {
		pm.metrics.IncAllocation(allocationResult(err))
		return nil, err
	}

	node, err := pm.lifecycle.Allocate(ctx, req, candidate.ResourceIDs())
	if err != nil {
		pm.metrics.IncAllocation(allocationResult(err))
		pm.logger.Info("Allocation failed",
			zap.Strings("resources", candidate.ResourceIDs()),
			zap.Error(err))
		return nil, err
	}
	pm.metrics.IncAllocation(allocationSuccess)

	if pm.config.AutoAssemble {
		if err := pm.lifecycle.AssembleAsync(node.ID); err != nil {
			pm.logger.Warn("Failed to start automatic assembly",
				zap.String("node_id", node.ID),
				zap.Error(err))
		}
	}
	return node, nil
}

// Assemble 同步装配节点
func (pm *PodManager) Assemble(ctx context.Context, id string) (*common.ComposedNode, error) {
	return pm.lifecycle.Assemble(ctx, id)
}

// AssembleAsync 在后台装配节点，立即返回
func (pm *PodManager) AssembleAsync(id string) error {
	return pm.lifecycle.AssembleAsync(id)
}

// Reset 对已装配节点执行复位
func (pm *PodManager) Reset(ctx context.Context, id string, resetType common.ResetType) (*common.ComposedNode, error) {
	return pm.lifecycle.Reset(ctx, id, resetType)
}

// AttachResource 向已装配节点挂载资源
func (pm *PodManager) AttachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error) {
	return pm.lifecycle.AttachResource(ctx, id, resourceID)
}

// DetachResource 从已装配节点卸载资源
func (pm *PodManager) DetachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error) {
	return pm.lifecycle.DetachResource(ctx, id, resourceID)
}

// Remove 拆除节点并释放资源，重复移除幂等
func (pm *PodManager) Remove(ctx context.Context, id string) error {
	return pm.lifecycle.Remove(ctx, id)
}

// GetNode 获取节点
func (pm *PodManager) GetNode(id string) (*common.ComposedNode, error) {
	return pm.lifecycle.Get(id)
}

// ListNodes 列出所有未移除的节点
func (pm *PodManager) ListNodes() []*common.ComposedNode {
	nodes := pm.lifecycle.List()
	active := nodes[:0]
	for _, n := range nodes {
		if n.State != common.NodeStateRemoved {
			active = append(active, n)
		}
	}
	return active
}

// ListResources 列出资源，kind 和 state 为空时不过滤
func (pm *PodManager) ListResources(kind common.ResourceKind, state common.ResourceState) ([]common.Resource, error) {
	if kind != "" && !kind.Valid() {
		return nil, common.NewValidationError("kind", "unknown resource kind", kind)
	}
	if state != "" && !state.Valid() {
		return nil, common.NewValidationError("state", "unknown resource state", state)
	}

	var snapshot []common.Resource
	if kind != "" {
		snapshot = pm.index.Snapshot(kind)
	} else {
		snapshot = pm.index.Snapshot()
	}
	if state == "" {
		return snapshot, nil
	}

	filtered := snapshot[:0]
	for _, res := range snapshot {
		if res.State == state {
			filtered = append(filtered, res)
		}
	}
	return filtered, nil
}

// UpsertResources 写入发现的资源，返回成功写入的数量；无效资源被跳过，错误合并返回
func (pm *PodManager) UpsertResources(resources []common.Resource) (int, error) {
	accepted := 0
	var errs []error
	for _, res := range resources {
		if err := pm.index.Upsert(res); err != nil {
			errs = append(errs, fmt.Errorf("resource %q: %w", res.ID, err))
			continue
		}
		accepted++
	}
	if len(errs) > 0 {
		pm.logger.Warn("Some discovered resources were rejected",
			zap.Int("accepted", accepted),
			zap.Int("rejected", len(errs)))
	}
	return accepted, errors.Join(errs...)
}

// Index 资源索引，供发现组件写入
func (pm *PodManager) Index() *inventory.Index {
	return pm.index
}

// Statistics 获取统计信息
func (pm *PodManager) Statistics() map[string]interface{} {
	stats := pm.lifecycle.Statistics()

	resources := make(map[string]map[string]int)
	for kind, states := range pm.index.CountByKindAndState() {
		byState := make(map[string]int, len(states))
		for state, n := range states {
			byState[string(state)] = n
		}
		resources[string(kind)] = byState
	}
	stats["resources"] = resources
	stats["total_resources"] = pm.index.Len()
	return stats
}

func allocationResult(err error) string {
	switch {
	case errors.Is(err, common.ErrInsufficientResources):
		return allocationInsufficient
	case errors.Is(err, common.ErrResourceConflict):
		return allocationConflict
	case errors.Is(err, common.ErrInvalidParameter):
		return allocationInvalid
	default:
		return allocationError
	}
}
