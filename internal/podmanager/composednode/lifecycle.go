package composednode

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"podm/internal/common"
	"podm/internal/podmanager/events"
	"podm/internal/podmanager/recovery"
	"podm/internal/podmanager/reservation"
	"podm/internal/podmanager/southbound"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResourceIndex 生命周期管理所需的资源索引操作
type ResourceIndex interface {
	Get(id string) (common.Resource, bool)
	TryTransition(id string, from, to common.ResourceState, newOwner string) bool
}

// Config 生命周期管理配置
type Config struct {
	SouthboundTimeout    time.Duration
	RemovalMaxAttempts   int
	RemovalRetryInterval time.Duration
	MaxRemovedNodes      int
	CleanupInterval      time.Duration
}

// ConfigFrom 从全局配置构造生命周期配置
func ConfigFrom(c common.PodManagerConfig) Config {
	return Config{
		SouthboundTimeout:    c.SouthboundTimeout,
		RemovalMaxAttempts:   c.RemovalMaxAttempts,
		RemovalRetryInterval: c.RemovalRetryInterval,
		MaxRemovedNodes:      c.MaxRemovedNodes,
		CleanupInterval:      c.CleanupInterval,
	}
}

// Dependencies 生命周期管理依赖的组件
type Dependencies struct {
	Index        ResourceIndex
	Reservations *reservation.Manager
	Configurator southbound.Configurator
	Store        recovery.NodeStore
	Events       *events.Dispatcher
	Metrics      *common.Metrics
}

// allowedTransitions 节点状态迁移图
var allowedTransitions = map[common.ComposedNodeState][]common.ComposedNodeState{
	common.NodeStatePending:    {common.NodeStateAllocated, common.NodeStateFailed},
	common.NodeStateAllocated:  {common.NodeStateAssembling, common.NodeStateRemoving},
	common.NodeStateAssembling: {common.NodeStateAssembled, common.NodeStateFailed},
	common.NodeStateAssembled:  {common.NodeStateRemoving},
	common.NodeStateRemoving:   {common.NodeStateRemoved, common.NodeStateFailed},
	common.NodeStateFailed:     {common.NodeStateRemoving},
}

func canTransition(from, to common.ComposedNodeState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// nodeEntry 单个节点的记录
//
// opMu 串行化同一节点上的操作（装配、复位、挂载、卸载、移除），南向调用期间一直持有；
// mu 只保护节点记录本身，读取方不会被进行中的南向调用阻塞。
type nodeEntry struct {
	opMu sync.Mutex
	mu   sync.RWMutex
	node *common.ComposedNode
}

func (e *nodeEntry) snapshot() *common.ComposedNode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.node.Clone()
}

// Manager 组合节点生命周期管理器
type Manager struct {
	config       Config
	index        ResourceIndex
	reservations *reservation.Manager
	configurator southbound.Configurator
	store        recovery.NodeStore
	events       *events.Dispatcher
	metrics      *common.Metrics

	mu      sync.RWMutex
	nodes   map[string]*nodeEntry
	removed map[string]time.Time // 已移除节点的墓碑，保证重复移除幂等
	nextID  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewManager 创建生命周期管理器
func NewManager(config Config, deps Dependencies) *Manager {
	if config.RemovalMaxAttempts < 1 {
		config.RemovalMaxAttempts = 1
	}
	store := deps.Store
	if store == nil {
		store = recovery.NewMemoryNodeStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:       config,
		index:        deps.Index,
		reservations: deps.Reservations,
		configurator: deps.Configurator,
		store:        store,
		events:       deps.Events,
		metrics:      deps.Metrics,
		nodes:        make(map[string]*nodeEntry),
		removed:      make(map[string]time.Time),
		ctx:          ctx,
		cancel:       cancel,
		logger:       common.ComponentLogger("composed-node-manager"),
	}
}

// Start 启动后台清理
func (m *Manager) Start() {
	if m.config.CleanupInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.cleanupRemovedNodes()
}

// Stop 停止管理器，等待后台装配结束
func (m *Manager) Stop() error {
	m.logger.Info("Stopping composed node manager")
	m.cancel()
	m.wg.Wait()
	return nil
}

// NextID 生成新的节点 ID
func (m *Manager) NextID() string {
	return strconv.FormatUint(m.nextID.Add(1), 10)
}

// Allocate 为候选资源创建节点：预留资源、创建 PENDING 记录、提交为 ALLOCATED
//
// 预留失败时不会创建任何节点记录，错误直接返回给调用方。
func (m *Manager) Allocate(ctx context.Context, req common.RequestedNode, resourceIDs []string) (*common.ComposedNode, error) {
	id := m.NextID()
	if err := m.reservations.Reserve(resourceIDs, id); err != nil {
		return nil, err
	}

	now := time.Now()
	owned := append([]string{}, resourceIDs...)
	sort.Strings(owned)
	name := req.Name
	if name == "" {
		name = "Composed Node " + id
	}
	node := &common.ComposedNode{
		ID:                  id,
		UUID:                uuid.NewString(),
		Name:                name,
		Description:         req.Description,
		State:               common.NodeStatePending,
		Resources:           owned,
		AllowableResetTypes: common.IntersectResetTypes(m.resources(owned)),
		TaggedValues:        copyTags(req.TaggedValues),
		ClearTPMOnDelete:    req.ClearTPMOnDelete,
		Requested:           req,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	entry := &nodeEntry{node: node}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	m.mu.Lock()
	m.nodes[id] = entry
	m.mu.Unlock()

	created := node.Clone()
	m.persist(created)
	m.events.Emit(events.NewNodeEvent(events.EventNodeCreated, id))
	m.logger.Info("Composed node created",
		zap.String("node_id", id),
		zap.String("uuid", created.UUID),
		zap.Strings("resources", owned))

	if err := m.reservations.Commit(owned, id); err != nil {
		m.reservations.Release(owned, id)
		_, _ = m.transition(entry, common.NodeStateFailed, func(n *common.ComposedNode) {
			n.Resources = []string{}
			n.FailureReason = fmt.Sprintf("commit failed: %v", err)
		})
		return nil, err
	}

	return m.transition(entry, common.NodeStateAllocated, nil)
}

// Assemble 同步装配节点：ALLOCATED → ASSEMBLING → ASSEMBLED
//
// 南向失败或超时时节点进入 FAILED，占用的资源全部释放。
func (m *Manager) Assemble(ctx context.Context, id string) (*common.ComposedNode, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	if _, err := m.requireState(entry, "assemble", common.NodeStateAllocated); err != nil {
		return nil, err
	}

	node, err := m.transition(entry, common.NodeStateAssembling, nil)
	if err != nil {
		return nil, err
	}

	resources := m.resources(node.Resources)
	callErr := southbound.Call(ctx, m.config.SouthboundTimeout, southbound.OpAssemble, m.metrics,
		func(ctx context.Context) error {
			return m.configurator.Assemble(ctx, node, resources)
		})
	if callErr != nil {
		m.releaseAll(node)
		_, _ = m.transition(entry, common.NodeStateFailed, func(n *common.ComposedNode) {
			n.Resources = []string{}
			n.AllowableResetTypes = []common.ResetType{}
			n.FailureReason = fmt.Sprintf("assembly failed: %v", callErr)
		})
		return nil, &common.NodeOperationError{Kind: common.ErrAssemblyFailed, NodeID: id, Cause: callErr}
	}

	return m.transition(entry, common.NodeStateAssembled, func(n *common.ComposedNode) {
		n.PowerState = common.PowerStateOff
	})
}

// AssembleAsync 在后台装配节点，立即返回；节点状态可以通过 Get 观察
func (m *Manager) AssembleAsync(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	if _, err := m.requireState(entry, "assemble", common.NodeStateAllocated); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Assemble(m.ctx, id); err != nil {
			m.logger.Warn("Background assembly failed", zap.String("node_id", id), zap.Error(err))
		}
	}()
	return nil
}

// Reset 复位节点，仅 ASSEMBLED 状态允许
func (m *Manager) Reset(ctx context.Context, id string, resetType common.ResetType) (*common.ComposedNode, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	node, err := m.requireState(entry, "reset", common.NodeStateAssembled)
	if err != nil {
		return nil, err
	}
	if !node.SupportsReset(resetType) {
		return nil, &common.UnsupportedResetTypeError{
			NodeID:    id,
			ResetType: resetType,
			Allowed:   node.AllowableResetTypes,
		}
	}

	callErr := southbound.Call(ctx, m.config.SouthboundTimeout, southbound.OpReset, m.metrics,
		func(ctx context.Context) error {
			return m.configurator.Reset(ctx, node, resetType)
		})
	if callErr != nil {
		return nil, &common.NodeOperationError{Kind: common.ErrResetFailed, NodeID: id, Cause: callErr}
	}

	updated := m.update(entry, func(n *common.ComposedNode) {
		n.PowerState = common.PowerStateAfterReset(n.PowerState, resetType)
	})
	event := events.NewNodeEvent(events.EventNodeReset, id)
	event.Message = string(resetType)
	m.events.Emit(event)
	return updated, nil
}

// Remove 拆除节点并释放所有资源；对已移除的节点重复调用直接成功
//
// 南向拆除按配置重试，全部失败时强制释放资源并将节点置为 FAILED。
func (m *Manager) Remove(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		// 墓碑已被清理的节点视为已移除
		if m.issued(id) {
			m.logger.Debug("Composed node already removed and evicted", zap.String("node_id", id))
			return nil
		}
		return err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	current := entry.snapshot()
	if current.State == common.NodeStateRemoved {
		return nil
	}
	if _, err := m.requireState(entry, "remove",
		common.NodeStateAllocated, common.NodeStateAssembled, common.NodeStateFailed); err != nil {
		return err
	}

	node, err := m.transition(entry, common.NodeStateRemoving, func(n *common.ComposedNode) {
		n.FailureReason = ""
	})
	if err != nil {
		return err
	}
	return m.finishRemoval(ctx, entry, node)
}

// finishRemoval 在 REMOVING 状态下完成拆除，调用方持有 opMu
func (m *Manager) finishRemoval(ctx context.Context, entry *nodeEntry, node *common.ComposedNode) error {
	if len(node.Resources) > 0 {
		resources := m.resources(node.Resources)
		var lastErr error
		for attempt := 1; attempt <= m.config.RemovalMaxAttempts; attempt++ {
			lastErr = southbound.Call(ctx, m.config.SouthboundTimeout, southbound.OpTeardown, m.metrics,
				func(ctx context.Context) error {
					return m.configurator.Teardown(ctx, node, resources)
				})
			if lastErr == nil {
				break
			}
			m.logger.Warn("Teardown attempt failed",
				zap.String("node_id", node.ID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.config.RemovalMaxAttempts),
				zap.Error(lastErr))
			if attempt < m.config.RemovalMaxAttempts && !m.sleep(ctx, m.config.RemovalRetryInterval) {
				break
			}
		}

		if lastErr != nil {
			m.releaseAll(node)
			_, _ = m.transition(entry, common.NodeStateFailed, func(n *common.ComposedNode) {
				n.Resources = []string{}
				n.AllowableResetTypes = []common.ResetType{}
				n.FailureReason = fmt.Sprintf("removal failed: %v", lastErr)
			})
			return &common.NodeOperationError{Kind: common.ErrRemovalFailed, NodeID: node.ID, Cause: lastErr}
		}
		m.releaseAll(node)
	}

	_, err := m.transition(entry, common.NodeStateRemoved, func(n *common.ComposedNode) {
		n.Resources = []string{}
		n.AllowableResetTypes = []common.ResetType{}
		n.PowerState = common.PowerStateOff
	})
	return err
}

// Get 获取节点副本
func (m *Manager) Get(id string) (*common.ComposedNode, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return entry.snapshot(), nil
}

// List 列出所有节点（包括墓碑），按 ID 排序
func (m *Manager) List() []*common.ComposedNode {
	m.mu.RLock()
	entries := make([]*nodeEntry, 0, len(m.nodes))
	for _, e := range m.nodes {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*common.ComposedNode, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	recovery.SortNodes(out)
	return out
}

// Statistics 按状态统计节点数量
func (m *Manager) Statistics() map[string]interface{} {
	nodes := m.List()
	byState := make(map[string]int)
	owned := 0
	for _, n := range nodes {
		byState[string(n.State)]++
		owned += len(n.Resources)
	}
	m.mu.RLock()
	tombstones := len(m.removed)
	m.mu.RUnlock()

	return map[string]interface{}{
		"total_nodes":     len(nodes),
		"removed_nodes":   tombstones,
		"owned_resources": owned,
		"by_state":        byState,
		"node_id_counter": m.nextID.Load(),
	}
}

// Recover 从持久化存储恢复节点并重建资源占用
//
// 必须在资源发现完成之后、对外提供服务之前调用。
func (m *Manager) Recover(ctx context.Context) error {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load composed nodes: %w", err)
	}
	if highest := recovery.MaxNodeID(nodes); highest > m.nextID.Load() {
		m.nextID.Store(highest)
	}

	var removing []*nodeEntry
	for _, node := range nodes {
		entry := &nodeEntry{node: node}
		m.mu.Lock()
		m.nodes[node.ID] = entry
		m.mu.Unlock()

		switch node.State {
		case common.NodeStateRemoved:
			m.markRemoved(node.ID, node.UpdatedAt)
		case common.NodeStateAllocated, common.NodeStateAssembled:
			m.reclaim(entry)
		case common.NodeStateRemoving:
			m.reclaim(entry)
			removing = append(removing, entry)
		case common.NodeStatePending, common.NodeStateAssembling:
			interrupted := node.State
			_, _ = m.transition(entry, common.NodeStateFailed, func(n *common.ComposedNode) {
				n.Resources = []string{}
				n.AllowableResetTypes = []common.ResetType{}
				n.FailureReason = fmt.Sprintf("interrupted while %s", interrupted)
			})
		case common.NodeStateFailed:
			if len(node.Resources) > 0 {
				m.update(entry, func(n *common.ComposedNode) { n.Resources = []string{} })
			}
		}
	}

	for _, entry := range removing {
		entry.opMu.Lock()
		err := m.finishRemoval(ctx, entry, entry.snapshot())
		entry.opMu.Unlock()
		if err != nil {
			m.logger.Warn("Failed to finish interrupted removal",
				zap.String("node_id", entry.snapshot().ID),
				zap.Error(err))
		}
	}

	m.logger.Info("Composed nodes recovered", zap.Int("nodes", len(nodes)))
	return nil
}

// reclaim 恢复节点对资源的占用，无法占用的资源从节点中移除
func (m *Manager) reclaim(entry *nodeEntry) {
	node := entry.snapshot()
	var kept []string
	for _, rid := range node.Resources {
		if m.index.TryTransition(rid, common.ResourceStateFree, common.ResourceStateAllocated, node.ID) {
			kept = append(kept, rid)
			continue
		}
		m.logger.Warn("Resource could not be reclaimed after restart",
			zap.String("node_id", node.ID),
			zap.String("resource_id", rid))
	}
	if kept == nil {
		kept = []string{}
	}
	m.update(entry, func(n *common.ComposedNode) {
		n.Resources = kept
		n.AllowableResetTypes = common.IntersectResetTypes(m.resources(kept))
	})
}

// issued 检查 ID 是否由本管理器分配过。只有墓碑会被清理，
// 已分配但不在记录中的 ID 要么已被清理，要么分配在创建记录前失败
func (m *Manager) issued(id string) bool {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 || strconv.FormatUint(n, 10) != id {
		return false
	}
	return n <= m.nextID.Load()
}

func (m *Manager) entry(id string) (*nodeEntry, error) {
	m.mu.RLock()
	entry, ok := m.nodes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrNodeNotFound, id)
	}
	return entry, nil
}

// requireState 检查节点当前状态，返回节点副本
func (m *Manager) requireState(entry *nodeEntry, operation string, allowed ...common.ComposedNodeState) (*common.ComposedNode, error) {
	node := entry.snapshot()
	for _, s := range allowed {
		if node.State == s {
			return node, nil
		}
	}
	return nil, &common.InvalidStateError{NodeID: node.ID, Current: node.State, Requested: operation}
}

// transition 迁移节点状态，持久化并发送事件
func (m *Manager) transition(entry *nodeEntry, to common.ComposedNodeState, mutate func(*common.ComposedNode)) (*common.ComposedNode, error) {
	entry.mu.Lock()
	from := entry.node.State
	if !canTransition(from, to) {
		id := entry.node.ID
		entry.mu.Unlock()
		return nil, &common.InvalidStateError{NodeID: id, Current: from, Requested: string(to)}
	}
	entry.node.State = to
	entry.node.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(entry.node)
	}
	node := entry.node.Clone()
	entry.mu.Unlock()

	m.persist(node)
	m.metrics.IncNodeTransition(from, to)

	event := events.NewNodeEvent(events.EventNodeStateChanged, node.ID)
	event.From, event.To = from, to
	event.Message = node.FailureReason
	m.events.Emit(event)

	if to == common.NodeStateRemoved {
		m.markRemoved(node.ID, node.UpdatedAt)
	}

	fields := []zap.Field{
		zap.String("node_id", node.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if to == common.NodeStateFailed {
		m.logger.Warn("Composed node failed", append(fields, zap.String("reason", node.FailureReason))...)
	} else {
		m.logger.Info("Composed node state changed", fields...)
	}
	return node, nil
}

// update 修改节点记录但不改变状态
func (m *Manager) update(entry *nodeEntry, mutate func(*common.ComposedNode)) *common.ComposedNode {
	entry.mu.Lock()
	mutate(entry.node)
	entry.node.UpdatedAt = time.Now()
	node := entry.node.Clone()
	entry.mu.Unlock()

	m.persist(node)
	return node
}

func (m *Manager) persist(node *common.ComposedNode) {
	if err := m.store.SaveNode(context.Background(), node); err != nil {
		m.logger.Error("Failed to persist composed node",
			zap.String("node_id", node.ID),
			zap.Error(err))
	}
}

// releaseAll 释放节点占用的所有资源
func (m *Manager) releaseAll(node *common.ComposedNode) {
	if errs := m.reservations.Release(node.Resources, node.ID); len(errs) > 0 {
		m.logger.Warn("Some resources were not owned at release",
			zap.String("node_id", node.ID),
			zap.Errors("errors", errs))
	}
}

// resources 获取资源记录，索引中已不存在的资源只保留 ID
func (m *Manager) resources(ids []string) []common.Resource {
	out := make([]common.Resource, 0, len(ids))
	for _, id := range ids {
		res, ok := m.index.Get(id)
		if !ok {
			res = common.Resource{ID: id}
		}
		out = append(out, res)
	}
	return out
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) markRemoved(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed[id] = at
}

// cleanupRemovedNodes 定期清理过多的墓碑
func (m *Manager) cleanupRemovedNodes() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.ctx.Done():
			return
		}
	}
}

// performCleanup 删除最早的墓碑，直到数量不超过 MaxRemovedNodes
func (m *Manager) performCleanup() {
	m.mu.Lock()
	if m.config.MaxRemovedNodes <= 0 || len(m.removed) <= m.config.MaxRemovedNodes {
		m.mu.Unlock()
		return
	}

	type tombstone struct {
		id        string
		removedAt time.Time
	}
	// ID 最大的墓碑不清理，重启后节点 ID 计数器从存储恢复
	highest := strconv.FormatUint(m.nextID.Load(), 10)
	tombstones := make([]tombstone, 0, len(m.removed))
	for id, at := range m.removed {
		if id == highest {
			continue
		}
		tombstones = append(tombstones, tombstone{id: id, removedAt: at})
	}
	sort.Slice(tombstones, func(i, j int) bool {
		if tombstones[i].removedAt.Equal(tombstones[j].removedAt) {
			return recovery.LessNodeID(tombstones[i].id, tombstones[j].id)
		}
		return tombstones[i].removedAt.Before(tombstones[j].removedAt)
	})

	numToDelete := len(m.removed) - m.config.MaxRemovedNodes
	if numToDelete > len(tombstones) {
		numToDelete = len(tombstones)
	}
	evicted := make([]string, 0, numToDelete)
	for i := 0; i < numToDelete; i++ {
		id := tombstones[i].id
		delete(m.removed, id)
		delete(m.nodes, id)
		evicted = append(evicted, id)
	}
	remaining := len(m.removed)
	m.mu.Unlock()

	for _, id := range evicted {
		if err := m.store.DeleteNode(context.Background(), id); err != nil {
			m.logger.Warn("Failed to delete removed node record", zap.String("node_id", id), zap.Error(err))
		}
	}
	m.logger.Info("Cleaned up removed nodes",
		zap.Int("deleted", numToDelete),
		zap.Int("remaining", remaining))
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
